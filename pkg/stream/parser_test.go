package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pragnya-works/edward/pkg/events"
)

// feedAll feeds every chunk and appends the Flush output.
func feedAll(p *Parser, chunks ...string) []events.StreamEvent {
	var out []events.StreamEvent
	for _, c := range chunks {
		out = append(out, p.Feed(c)...)
	}
	return append(out, p.Flush()...)
}

func types(evts []events.StreamEvent) []string {
	out := make([]string, len(evts))
	for i, e := range evts {
		out[i] = e.EventType()
	}
	return out
}

func TestParser_PlainText(t *testing.T) {
	p := NewParser()
	out := feedAll(p, "hello ", "world")
	require.Len(t, out, 2)
	assert.Equal(t, "hello ", out[0].(events.TextEvent).Content)
	assert.Equal(t, "world", out[1].(events.TextEvent).Content)
}

func TestParser_ThinkingSplitAcrossChunks(t *testing.T) {
	// Tag split mid-token across two chunks.
	p := NewParser()
	out := feedAll(p, "Hi<Thi", "nking>why</Thinking> done")

	require.Equal(t, []string{
		events.EventTypeText,
		events.EventTypeThinkingStart,
		events.EventTypeThinkingContent,
		events.EventTypeThinkingEnd,
		events.EventTypeText,
	}, types(out))
	assert.Equal(t, "Hi", out[0].(events.TextEvent).Content)
	assert.Equal(t, "why", out[2].(events.ThinkingContentEvent).Content)
	assert.Equal(t, " done", out[4].(events.TextEvent).Content)
}

func TestParser_SandboxAndFiles(t *testing.T) {
	p := NewParser()
	out := feedAll(p,
		`<edward_sandbox project="shop" base="/shop">`,
		`<file path="src/App.tsx">export default App`,
		`</file></edward_sandbox>after`)

	require.Equal(t, []string{
		events.EventTypeSandboxStart,
		events.EventTypeFileStart,
		events.EventTypeFileContent,
		events.EventTypeFileEnd,
		events.EventTypeSandboxEnd,
		events.EventTypeText,
	}, types(out))

	start := out[0].(events.SandboxStartEvent)
	assert.Equal(t, "shop", start.Project)
	assert.Equal(t, "/shop", start.Base)
	assert.Equal(t, "src/App.tsx", out[1].(events.FileStartEvent).Path)
	assert.Equal(t, "export default App", out[2].(events.FileContentEvent).Content)
	assert.Equal(t, "src/App.tsx", out[3].(events.FileEndEvent).Path)
}

func TestParser_SandboxWithoutAttrs(t *testing.T) {
	p := NewParser()
	out := feedAll(p, "<edward_sandbox></edward_sandbox>")
	require.Equal(t, []string{events.EventTypeSandboxStart, events.EventTypeSandboxEnd}, types(out))
	assert.Empty(t, out[0].(events.SandboxStartEvent).Project)
}

func TestParser_FilePathNormalization(t *testing.T) {
	p := NewParser()
	out := feedAll(p, `<edward_sandbox><file path="../../etc/passwd">x</file></edward_sandbox>`)
	require.Equal(t, "etc/passwd", out[1].(events.FileStartEvent).Path)
}

func TestParser_LiteralAngleBracket(t *testing.T) {
	p := NewParser()
	out := feedAll(p, "a < b and a <b> c")
	var content strings.Builder
	for _, e := range out {
		content.WriteString(e.(events.TextEvent).Content)
	}
	assert.Equal(t, "a < b and a <b> c", content.String())
}

func TestParser_UnknownTagInsideThinking(t *testing.T) {
	// Sandbox tags are not valid inside thinking; they pass through as text.
	p := NewParser()
	out := feedAll(p, "<Thinking>see <edward_sandbox></Thinking>")
	require.Equal(t, []string{
		events.EventTypeThinkingStart,
		events.EventTypeThinkingContent,
		events.EventTypeThinkingEnd,
	}, types(out))
	assert.Equal(t, "see <edward_sandbox>", out[1].(events.ThinkingContentEvent).Content)
}

func TestParser_FlushClosesOpenBlocks(t *testing.T) {
	t.Run("open file and sandbox", func(t *testing.T) {
		p := NewParser()
		out := feedAll(p, `<edward_sandbox><file path="a.ts">partial`)
		require.Equal(t, []string{
			events.EventTypeSandboxStart,
			events.EventTypeFileStart,
			events.EventTypeFileContent,
			events.EventTypeFileEnd,
			events.EventTypeSandboxEnd,
		}, types(out))
		assert.Equal(t, "a.ts", out[3].(events.FileEndEvent).Path)
	})

	t.Run("open thinking", func(t *testing.T) {
		p := NewParser()
		out := feedAll(p, "<Thinking>unfinished")
		require.Equal(t, []string{
			events.EventTypeThinkingStart,
			events.EventTypeThinkingContent,
			events.EventTypeThinkingEnd,
		}, types(out))
	})

	t.Run("pending partial tag is drained as content", func(t *testing.T) {
		p := NewParser()
		var out []events.StreamEvent
		out = append(out, p.Feed("text<Thi")...)
		out = append(out, p.Flush()...)
		var content strings.Builder
		for _, e := range out {
			content.WriteString(e.(events.TextEvent).Content)
		}
		assert.Equal(t, "text<Thi", content.String())
	})
}

func TestParser_RoundTripReconstruction(t *testing.T) {
	// Concatenated content payloads plus bracketing markers reconstruct
	// the input regardless of chunking.
	input := `intro <Thinking>plan it</Thinking><edward_sandbox project="p"><file path="a.ts">body</file></edward_sandbox> outro`
	for _, size := range []int{1, 3, 7, 1000} {
		p := NewParser()
		var chunks []string
		for i := 0; i < len(input); i += size {
			chunks = append(chunks, input[i:min(i+size, len(input))])
		}
		out := feedAll(p, chunks...)

		var text, thinking, file strings.Builder
		for _, e := range out {
			switch ev := e.(type) {
			case events.TextEvent:
				text.WriteString(ev.Content)
			case events.ThinkingContentEvent:
				thinking.WriteString(ev.Content)
			case events.FileContentEvent:
				file.WriteString(ev.Content)
			}
		}
		assert.Equal(t, "intro  outro", text.String(), "chunk size %d", size)
		assert.Equal(t, "plan it", thinking.String(), "chunk size %d", size)
		assert.Equal(t, "body", file.String(), "chunk size %d", size)
	}
}

func TestParser_BufferCap(t *testing.T) {
	// 1 MiB of tag-free text must be emitted in full.
	p := NewParser()
	input := strings.Repeat("a", 1<<20)
	out := p.Feed(input)
	total := 0
	for _, e := range out {
		total += len(e.(events.TextEvent).Content)
	}
	assert.Equal(t, len(input), total)
	assert.Empty(t, p.Feed(""))
}

func TestParser_ManyPartialTagsStaysBounded(t *testing.T) {
	// Repeated ambiguous partial tags must not wedge the parser; content
	// keeps flowing and the parser stays usable.
	p := NewParser()
	var out []events.StreamEvent
	for i := 0; i < 1200; i++ {
		out = append(out, p.Feed("<Thi ")...)
	}
	out = append(out, p.Flush()...)

	var content strings.Builder
	errors := 0
	for _, e := range out {
		switch ev := e.(type) {
		case events.TextEvent:
			content.WriteString(ev.Content)
		case events.ErrorEvent:
			errors++
		}
	}
	// Either everything was passed through as literal text, or the guard
	// fired and the parser reset; both leave it in a working TEXT state.
	assert.LessOrEqual(t, errors, 2)
	after := p.Feed("ok")
	require.Len(t, after, 1)
	assert.Equal(t, "ok", after[0].(events.TextEvent).Content)
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"src/App.tsx":        "src/App.tsx",
		"/src/App.tsx":       "src/App.tsx",
		"../../etc/passwd":   "etc/passwd",
		"./src/./a.ts":       "src/a.ts",
		"src\\pages\\a.tsx":  "src/pages/a.tsx",
		"..":                 "",
		".":                  "",
		"a/../b.ts":          "b.ts",
		"src//nested//x.css": "src/nested/x.css",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePath(in), "input %q", in)
	}
}
