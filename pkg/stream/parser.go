// Package stream turns raw LLM output into typed stream events. The
// parser is incremental: chunks arrive at token granularity, so tags can
// be split across arbitrary boundaries and the parser retains a partial
// tag until enough input arrives to classify it.
package stream

import (
	"path"
	"regexp"
	"strings"

	"github.com/pragnya-works/edward/pkg/events"
)

// state is the parser's position in the tag grammar.
type state int

// Parser states. FILE is only reachable from SANDBOX.
const (
	stateText state = iota
	stateThinking
	stateSandbox
	stateFile
)

const (
	// tagLookahead bounds how many bytes past a '<' are inspected before
	// the candidate is declared a literal '<'.
	tagLookahead = 256

	// maxBuffer caps retained unparsed input. On overflow the front is
	// drained as content so an unterminated tag cannot grow the buffer
	// without bound.
	maxBuffer = 10 * 1024

	// maxIterations guards against pathological input that makes no
	// progress; hitting it emits an error event and resets to TEXT.
	maxIterations = 1000
)

// Complete-tag patterns, anchored at the candidate '<'.
var (
	reThinkingOpen  = regexp.MustCompile(`^<Thinking>`)
	reThinkingClose = regexp.MustCompile(`^</Thinking>`)
	reSandboxOpen   = regexp.MustCompile(`^<edward_sandbox((?:\s+[a-zA-Z_][a-zA-Z0-9_]*="[^"]*")*)\s*>`)
	reSandboxClose  = regexp.MustCompile(`^</edward_sandbox>`)
	reFileOpen      = regexp.MustCompile(`^<file\s+path="([^"]*)"\s*>`)
	reFileClose     = regexp.MustCompile(`^</file>`)
	reAttr          = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_]*)="([^"]*)"`)
)

// Literal prefixes used to decide whether a partial window may still
// become a tag worth waiting for.
var tagPrefixes = []string{
	"<Thinking>",
	"</Thinking>",
	"<edward_sandbox",
	"</edward_sandbox>",
	"<file",
	"</file>",
}

// Parser is the incremental tag parser. It is not safe for concurrent
// use; each run owns one instance.
type Parser struct {
	state    state
	buf      string
	filePath string
}

// NewParser returns a parser in the TEXT state.
func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes one chunk and returns the events it completes, in order.
func (p *Parser) Feed(chunk string) []events.StreamEvent {
	p.buf += chunk
	var out []events.StreamEvent

	// Enforce the buffer cap up front: anything beyond the final cap
	// window is drained as content before tag scanning.
	if overflow := len(p.buf) - maxBuffer; overflow > 0 {
		out = p.emitContent(out, p.buf[:overflow])
		p.buf = p.buf[overflow:]
	}

	for i := 0; ; i++ {
		if i >= maxIterations {
			out = append(out, events.NewErrorEvent("stream parser made no progress; resetting"))
			p.reset()
			return out
		}

		lt := strings.IndexByte(p.buf, '<')
		if lt == -1 {
			// No tag candidate: everything is content.
			out = p.emitContent(out, p.buf)
			p.buf = ""
			return out
		}

		window := p.buf[lt:]
		if ev, consumed, ok := p.matchTag(window); ok {
			out = p.emitContent(out, p.buf[:lt])
			out = append(out, ev...)
			p.buf = p.buf[lt+consumed:]
			continue
		}

		if len(window) < tagLookahead && mayBecomeTag(window) {
			// Partial tag: emit what precedes it and retain from the '<'
			// until more input arrives.
			out = p.emitContent(out, p.buf[:lt])
			p.buf = window
			return out
		}

		// Literal '<': emit it as content and move past.
		out = p.emitContent(out, p.buf[:lt+1])
		p.buf = p.buf[lt+1:]
	}
}

// Flush drains pending content and closes any open blocks in nesting
// order. Called once when the LLM stream ends.
func (p *Parser) Flush() []events.StreamEvent {
	var out []events.StreamEvent
	out = p.emitContent(out, p.buf)
	p.buf = ""

	switch p.state {
	case stateFile:
		out = append(out, events.NewFileEndEvent(p.filePath), events.NewSandboxEndEvent())
	case stateSandbox:
		out = append(out, events.NewSandboxEndEvent())
	case stateThinking:
		out = append(out, events.NewThinkingEndEvent())
	}
	p.reset()
	return out
}

// matchTag tries to match a complete tag valid in the current state at
// the start of window. Returns the transition events and consumed bytes.
func (p *Parser) matchTag(window string) ([]events.StreamEvent, int, bool) {
	switch p.state {
	case stateText:
		if loc := reThinkingOpen.FindStringIndex(window); loc != nil {
			p.state = stateThinking
			return []events.StreamEvent{events.NewThinkingStartEvent()}, loc[1], true
		}
		if m := reSandboxOpen.FindStringSubmatch(window); m != nil {
			p.state = stateSandbox
			project, baseAttr := parseSandboxAttrs(m[1])
			return []events.StreamEvent{events.NewSandboxStartEvent(project, baseAttr)}, len(m[0]), true
		}

	case stateThinking:
		if loc := reThinkingClose.FindStringIndex(window); loc != nil {
			p.state = stateText
			return []events.StreamEvent{events.NewThinkingEndEvent()}, loc[1], true
		}

	case stateSandbox:
		if m := reFileOpen.FindStringSubmatch(window); m != nil {
			p.state = stateFile
			p.filePath = NormalizePath(m[1])
			return []events.StreamEvent{events.NewFileStartEvent(p.filePath)}, len(m[0]), true
		}
		if loc := reSandboxClose.FindStringIndex(window); loc != nil {
			p.state = stateText
			return []events.StreamEvent{events.NewSandboxEndEvent()}, loc[1], true
		}

	case stateFile:
		if loc := reFileClose.FindStringIndex(window); loc != nil {
			filePath := p.filePath
			p.state = stateSandbox
			p.filePath = ""
			return []events.StreamEvent{events.NewFileEndEvent(filePath)}, loc[1], true
		}
	}
	return nil, 0, false
}

// emitContent appends a content event for the current state, merging
// into the previous event when both are the same kind.
func (p *Parser) emitContent(out []events.StreamEvent, content string) []events.StreamEvent {
	if content == "" {
		return out
	}
	switch p.state {
	case stateThinking:
		if n := len(out) - 1; n >= 0 {
			if prev, ok := out[n].(events.ThinkingContentEvent); ok {
				out[n] = events.NewThinkingContentEvent(prev.Content + content)
				return out
			}
		}
		return append(out, events.NewThinkingContentEvent(content))
	case stateFile:
		if n := len(out) - 1; n >= 0 {
			if prev, ok := out[n].(events.FileContentEvent); ok {
				out[n] = events.NewFileContentEvent(prev.Content + content)
				return out
			}
		}
		return append(out, events.NewFileContentEvent(content))
	default:
		if n := len(out) - 1; n >= 0 {
			if prev, ok := out[n].(events.TextEvent); ok {
				out[n] = events.NewTextEvent(prev.Content + content)
				return out
			}
		}
		return append(out, events.NewTextEvent(content))
	}
}

func (p *Parser) reset() {
	p.state = stateText
	p.buf = ""
	p.filePath = ""
}

// mayBecomeTag reports whether window could still grow into a tag the
// grammar knows. Open tags with attributes are unterminated until '>'.
func mayBecomeTag(window string) bool {
	for _, prefix := range tagPrefixes {
		if strings.HasPrefix(prefix, window) {
			return true
		}
		if strings.HasPrefix(window, prefix) && !strings.Contains(window, ">") {
			// e.g. `<file path="src/App` or `<edward_sandbox project="x`
			return true
		}
	}
	return false
}

// parseSandboxAttrs extracts project and base from the attribute blob.
func parseSandboxAttrs(attrs string) (project, baseAttr string) {
	for _, m := range reAttr.FindAllStringSubmatch(attrs, -1) {
		switch m[1] {
		case "project":
			project = m[2]
		case "base":
			baseAttr = m[2]
		}
	}
	return project, baseAttr
}

// NormalizePath cleans a model-supplied file path into a workdir-relative
// one: backslashes are normalized, leading slashes and parent-directory
// escapes are stripped.
func NormalizePath(raw string) string {
	cleaned := strings.ReplaceAll(raw, "\\", "/")
	cleaned = path.Clean(cleaned)
	cleaned = strings.TrimPrefix(cleaned, "/")
	for strings.HasPrefix(cleaned, "../") {
		cleaned = strings.TrimPrefix(cleaned, "../")
	}
	if cleaned == ".." || cleaned == "." {
		return ""
	}
	return cleaned
}
