package build

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pragnya-works/edward/pkg/models"
)

// maxDiagnostics bounds how many structured entries one build carries.
const maxDiagnostics = 50

// Diagnostic extraction patterns, one per toolchain.
var (
	// src/App.tsx(12,5): error TS2304: Cannot find name 'Foo'.
	reTscError = regexp.MustCompile(`(?m)^(.+?)\((\d+),(\d+)\): error (TS\d+): (.+)$`)

	// [vite]: Rollup failed to resolve import "react-router" from "src/App.tsx".
	reViteError = regexp.MustCompile(`(?m)^(?:\[vite\]:?|RollupError:)\s*(.+)$`)

	// Next build failures surface as "Failed to compile." followed by
	// ./src/app/page.tsx plus the error line.
	reNextFile  = regexp.MustCompile(`(?m)^\./(.+\.(?:tsx?|jsx?|mjs|cjs))\s*$`)
	reNextError = regexp.MustCompile(`(?m)^(?:Error|Type error): (.+)$`)

	// npm/pnpm install failures.
	reNpmEresolve = regexp.MustCompile(`(?m)^npm error (ERESOLVE .+)$`)
	reNpm404      = regexp.MustCompile(`(?m)(?:npm error|ERR_PNPM_FETCH_404).*404.*?['"]?([a-z0-9@/._-]+)['"]?\s*$`)
	rePeerDep     = regexp.MustCompile(`(?m)^.*peer (?:dep(?:endency)?|dependencies)[: ]+(.+)$`)
)

// ExtractDiagnostics parses build output into structured entries. The
// raw tail stays on the build row; these entries feed the continuation
// prompt and the API response.
func ExtractDiagnostics(output string) []models.BuildDiagnostic {
	var out []models.BuildDiagnostic

	for _, m := range reTscError.FindAllStringSubmatch(output, maxDiagnostics) {
		line, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		out = append(out, models.BuildDiagnostic{
			Tool: "tsc", File: m[1], Line: line, Col: col, Code: m[4], Message: strings.TrimSpace(m[5]),
		})
	}

	for _, m := range reViteError.FindAllStringSubmatch(output, maxDiagnostics) {
		out = append(out, models.BuildDiagnostic{Tool: "vite", Message: strings.TrimSpace(m[1])})
	}

	// Pair next's file marker lines with the error that follows them.
	nextFiles := reNextFile.FindAllStringSubmatch(output, maxDiagnostics)
	nextErrors := reNextError.FindAllStringSubmatch(output, maxDiagnostics)
	for i, m := range nextErrors {
		d := models.BuildDiagnostic{Tool: "next", Message: strings.TrimSpace(m[1])}
		if i < len(nextFiles) {
			d.File = nextFiles[i][1]
		}
		out = append(out, d)
	}

	for _, m := range reNpmEresolve.FindAllStringSubmatch(output, maxDiagnostics) {
		out = append(out, models.BuildDiagnostic{Tool: "npm", Code: "ERESOLVE", Message: strings.TrimSpace(m[1])})
	}
	for _, m := range reNpm404.FindAllStringSubmatch(output, maxDiagnostics) {
		out = append(out, models.BuildDiagnostic{Tool: "npm", Code: "E404", Message: "package not found: " + strings.TrimSpace(m[1])})
	}
	for _, m := range rePeerDep.FindAllStringSubmatch(output, maxDiagnostics) {
		out = append(out, models.BuildDiagnostic{Tool: "npm", Code: "EPEER", Message: strings.TrimSpace(m[1])})
	}

	if len(out) > maxDiagnostics {
		out = out[:maxDiagnostics]
	}
	return out
}

// errorTail returns the last n characters of combined build output for
// the build row's error log.
func errorTail(stdout, stderr string, n int) string {
	combined := strings.TrimSpace(stderr)
	if combined == "" {
		combined = strings.TrimSpace(stdout)
	}
	if len(combined) <= n {
		return combined
	}
	return combined[len(combined)-n:]
}
