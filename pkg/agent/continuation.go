package agent

import (
	"fmt"
	"strings"

	"github.com/pragnya-works/edward/pkg/config"
)

// Continuation prompt budgets. The prompt as a whole is capped, each
// tool result payload is capped, and each stdio stream inside a payload
// is capped first, so one noisy command cannot crowd out the rest.
const (
	maxContinuationChars      = config.MaxContinuationPromptChars
	maxToolResultPayloadChars = config.MaxToolResultPayloadChars
	maxToolStdioChars         = config.MaxToolStdioChars

	continuationTruncationMarker = "\n... [truncated]"
)

// truncateChars cuts s to at most limit characters, marker-terminated.
func truncateChars(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	if limit <= len(continuationTruncationMarker) {
		return s[:limit]
	}
	return s[:limit-len(continuationTruncationMarker)] + continuationTruncationMarker
}

// TruncateStdio applies the per-stream budget to one stdout or stderr
// capture before it enters a tool result payload.
func TruncateStdio(s string) string {
	return truncateChars(s, maxToolStdioChars)
}

// BuildContinuation renders tool results into the next turn's user
// message. Results are included in execution order until the overall
// budget is exhausted.
func BuildContinuation(results []ToolResult) string {
	var sb strings.Builder
	sb.WriteString("Tool results from your previous response:\n")

	for i, r := range results {
		var section strings.Builder
		fmt.Fprintf(&section, "\n[%d] %s\n", i+1, r.Name)
		if r.Err != "" {
			fmt.Fprintf(&section, "error: %s\n", r.Err)
		}
		if len(r.Output) > 0 {
			payload := truncateChars(string(r.Output), maxToolResultPayloadChars)
			section.WriteString(payload)
			section.WriteString("\n")
		}

		if sb.Len()+section.Len() > maxContinuationChars {
			remaining := maxContinuationChars - sb.Len()
			if remaining > 0 {
				sb.WriteString(truncateChars(section.String(), remaining))
			}
			break
		}
		sb.WriteString(section.String())
	}

	sb.WriteString("\nContinue with the user's request. Do not repeat completed work.")
	return truncateChars(sb.String(), maxContinuationChars)
}
