// Package llm abstracts the model provider behind a streaming client
// interface. The agent loop consumes provider-agnostic chunks; provider
// SDK types never cross this boundary.
package llm

import "context"

// Role of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation sent to the provider.
type Message struct {
	Role    Role
	Content string
}

// Request describes one streaming completion.
type Request struct {
	// Model identifier; the client falls back to its configured default
	// when empty.
	Model string

	// APIKey overrides the client's configured key for this request.
	// Runs carry per-user keys.
	APIKey string

	System   string
	Messages []Message

	// MaxTokens caps the completion; 0 uses the client default.
	MaxTokens int

	// Temperature of 0 uses the client default.
	Temperature float64
}

// Usage reports token consumption for a completed stream.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Chunk is one streaming fragment from the provider.
type Chunk struct {
	// Content is the text payload for text and thinking chunks.
	Content string

	// IsThinking marks provider-native reasoning content. Tag-delimited
	// thinking inside regular text is the stream parser's concern, not
	// this flag's.
	IsThinking bool

	// Usage is set on the final accounting chunk.
	Usage *Usage

	// Error carries a mid-stream provider error message.
	Error string
}

// Client streams completions. Implementations close the chunks channel
// when the stream ends; a fatal error is delivered on the error channel
// before close.
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}
