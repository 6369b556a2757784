package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
)

// Selection caps for the agent-facing file collection.
const (
	selectionMaxFiles   = 500
	selectionMaxTotal   = 5 * 1024 * 1024
	selectionMaxPerFile = 512 * 1024
	snapshotMaxFiles    = 2000
	snapshotMaxTotal    = 20 * 1024 * 1024
	binarySniffLen      = 2048
)

var excludedSegments = map[string]bool{
	"node_modules": true, ".next": true, "dist": true, "build": true,
	"out": true, ".git": true, ".cache": true, "coverage": true,
	".turbo": true, ".vercel": true,
}

// Snapshots additionally skip build previews.
var snapshotExtraExcludes = map[string]bool{
	".output": true, "preview": true, "previews": true,
}

var textExtensions = map[string]bool{
	".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".json": true,
	".css": true, ".scss": true, ".html": true, ".md": true, ".yml": true,
	".yaml": true, ".toml": true, ".env": true, ".mjs": true, ".cjs": true,
	".svg": true, ".txt": true,
}

// priorityFiles are read before everything else so entry points and
// configs survive the total-size cap.
var priorityFiles = []string{
	"package.json",
	"tsconfig.json",
	"next.config.js",
	"next.config.mjs",
	"next.config.ts",
	"vite.config.ts",
	"vite.config.js",
	"index.html",
	"app/layout.tsx",
	"app/page.tsx",
	"src/main.tsx",
	"src/main.ts",
	"src/index.tsx",
	"src/App.tsx",
}

// SelectionOptions distinguishes the agent-context selection from the
// broader snapshot collection.
type SelectionOptions struct {
	MaxFiles   int
	MaxTotal   int
	MaxPerFile int
	Snapshot   bool
}

// SelectionDefaults returns the agent-context caps.
func SelectionDefaults() SelectionOptions {
	return SelectionOptions{
		MaxFiles:   selectionMaxFiles,
		MaxTotal:   selectionMaxTotal,
		MaxPerFile: selectionMaxPerFile,
	}
}

// SnapshotDefaults returns the broader snapshot caps.
func SnapshotDefaults() SelectionOptions {
	return SelectionOptions{
		MaxFiles:   snapshotMaxFiles,
		MaxTotal:   snapshotMaxTotal,
		MaxPerFile: selectionMaxPerFile,
		Snapshot:   true,
	}
}

// CollectFiles reads qualifying workspace text files from the container,
// priority files first, under the given caps. Keys are workdir-relative
// POSIX paths.
func CollectFiles(ctx context.Context, driver Driver, containerID string, opts SelectionOptions) (map[string]string, error) {
	archive, err := driver.Archive(ctx, containerID, Workdir)
	if err != nil {
		return nil, err
	}
	defer archive.Close()

	candidates, err := readArchiveFiles(archive, opts)
	if err != nil {
		return nil, err
	}

	order := make([]string, 0, len(candidates))
	for rel := range candidates {
		order = append(order, rel)
	}
	sort.Slice(order, func(i, j int) bool {
		pi, pj := priorityRank(order[i]), priorityRank(order[j])
		if pi != pj {
			return pi < pj
		}
		return order[i] < order[j]
	})

	out := make(map[string]string)
	total := 0
	for _, rel := range order {
		if len(out) >= opts.MaxFiles {
			break
		}
		content := candidates[rel]
		if total+len(content) > opts.MaxTotal {
			continue
		}
		out[rel] = content
		total += len(content)
	}
	return out, nil
}

func readArchiveFiles(archive io.Reader, opts SelectionOptions) (map[string]string, error) {
	tr := tar.NewReader(archive)
	files := make(map[string]string)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read workspace archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		rel := stripWorkdirPrefix(hdr.Name)
		if rel == "" || !IncludeInSelection(rel, opts.Snapshot) {
			continue
		}
		if hdr.Size > int64(opts.MaxPerFile) {
			continue
		}

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, io.LimitReader(tr, int64(opts.MaxPerFile)+1)); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", rel, err)
		}
		data := buf.Bytes()
		if len(data) > opts.MaxPerFile || isBinary(data) {
			continue
		}
		files[rel] = string(data)
	}
	return files, nil
}

// IncludeInSelection applies the exclusion and extension rules to a
// workdir-relative path.
func IncludeInSelection(rel string, snapshot bool) bool {
	for _, seg := range strings.Split(rel, "/") {
		if excludedSegments[seg] {
			return false
		}
		if snapshot && snapshotExtraExcludes[seg] {
			return false
		}
	}
	base := path.Base(rel)
	ext := path.Ext(base)
	if ext == "" {
		// Dotfiles like .env and .npmrc carry their "extension" as the
		// whole name.
		ext = base
	}
	return textExtensions[ext] || strings.HasPrefix(base, ".env")
}

// stripWorkdirPrefix removes the archive's leading workdir component so
// all paths are workspace-relative.
func stripWorkdirPrefix(name string) string {
	rel := strings.TrimPrefix(path.Clean(name), "/")
	base := path.Base(Workdir)
	if rel == base {
		return ""
	}
	rel = strings.TrimPrefix(rel, base+"/")
	return rel
}

func priorityRank(rel string) int {
	for i, p := range priorityFiles {
		if rel == p {
			return i
		}
	}
	return len(priorityFiles)
}

// isBinary reports whether content looks binary: any NUL byte in the
// first 2048 bytes.
func isBinary(data []byte) bool {
	n := len(data)
	if n > binarySniffLen {
		n = binarySniffLen
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}
