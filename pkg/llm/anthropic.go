package llm

import (
	"context"
	"fmt"
	"log/slog"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultMaxTokens = 16384
	chunkBuffer      = 100
)

// AnthropicClient implements Client on the Anthropic Messages API.
type AnthropicClient struct {
	defaultModel string
	maxTokens    int
	logger       *slog.Logger
}

// AnthropicOptions configures the adapter.
type AnthropicOptions struct {
	DefaultModel string
	MaxTokens    int
}

// NewAnthropicClient builds the adapter. API keys are supplied per
// request, so no SDK client is held here.
func NewAnthropicClient(opts AnthropicOptions, logger *slog.Logger) *AnthropicClient {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicClient{
		defaultModel: opts.DefaultModel,
		maxTokens:    maxTokens,
		logger:       logger.With("component", "llm.anthropic"),
	}
}

// Stream opens a Messages streaming request and pumps provider events
// into chunks until the stream ends or ctx is cancelled.
func (c *AnthropicClient) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, chunkBuffer)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		params, err := c.buildParams(req)
		if err != nil {
			errs <- err
			return
		}

		client := sdk.NewClient(option.WithAPIKey(req.APIKey))
		stream := client.Messages.NewStreaming(ctx, *params)
		defer stream.Close()

		if err := stream.Err(); err != nil {
			errs <- fmt.Errorf("failed to open stream: %w", err)
			return
		}

		usage := Usage{}
		for stream.Next() {
			event := stream.Current()
			chunk, ok := translateEvent(event, &usage)
			if !ok {
				continue
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := stream.Err(); err != nil {
			errs <- fmt.Errorf("stream error: %w", err)
			return
		}
		if err := ctx.Err(); err != nil {
			errs <- err
			return
		}

		select {
		case chunks <- Chunk{Usage: &usage}:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()

	return chunks, errs
}

func (c *AnthropicClient) buildParams(req Request) (*sdk.MessageNewParams, error) {
	if req.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages are required")
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	if model == "" {
		return nil, fmt.Errorf("model identifier is required")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		case RoleSystem:
			// System content rides in params.System, not the conversation.
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("at least one user/assistant message is required")
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return params, nil
}

// translateEvent maps one SDK stream event to a Chunk. Accumulates token
// usage from message_start and message_delta accounting events.
func translateEvent(event sdk.MessageStreamEventUnion, usage *Usage) (Chunk, bool) {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		usage.InputTokens += int(ev.Message.Usage.InputTokens)
		return Chunk{}, false
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return Chunk{}, false
			}
			return Chunk{Content: delta.Text}, true
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return Chunk{}, false
			}
			return Chunk{Content: delta.Thinking, IsThinking: true}, true
		default:
			return Chunk{}, false
		}
	case sdk.MessageDeltaEvent:
		usage.OutputTokens += int(ev.Usage.OutputTokens)
		return Chunk{}, false
	default:
		return Chunk{}, false
	}
}
