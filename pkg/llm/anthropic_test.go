package llm

import (
	"log/slog"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(opts AnthropicOptions) *AnthropicClient {
	return NewAnthropicClient(opts, slog.Default())
}

func TestBuildParams(t *testing.T) {
	c := newTestClient(AnthropicOptions{DefaultModel: "claude-sonnet-4-5", MaxTokens: 8000})

	t.Run("basic request", func(t *testing.T) {
		params, err := c.buildParams(Request{
			APIKey: "sk-test",
			System: "you are helpful",
			Messages: []Message{
				{Role: RoleUser, Content: "hi"},
				{Role: RoleAssistant, Content: "hello"},
				{Role: RoleUser, Content: "build me an app"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, sdk.Model("claude-sonnet-4-5"), params.Model)
		assert.Equal(t, int64(8000), params.MaxTokens)
		require.Len(t, params.Messages, 3)
		require.Len(t, params.System, 1)
		assert.Equal(t, "you are helpful", params.System[0].Text)
	})

	t.Run("request model wins over default", func(t *testing.T) {
		params, err := c.buildParams(Request{
			APIKey:   "sk-test",
			Model:    "claude-opus-4-5",
			Messages: []Message{{Role: RoleUser, Content: "hi"}},
		})
		require.NoError(t, err)
		assert.Equal(t, sdk.Model("claude-opus-4-5"), params.Model)
	})

	t.Run("system messages ride in params.System only", func(t *testing.T) {
		params, err := c.buildParams(Request{
			APIKey: "sk-test",
			Messages: []Message{
				{Role: RoleSystem, Content: "ignored here"},
				{Role: RoleUser, Content: "hi"},
			},
		})
		require.NoError(t, err)
		assert.Len(t, params.Messages, 1)
	})

	t.Run("missing api key", func(t *testing.T) {
		_, err := c.buildParams(Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
		assert.Error(t, err)
	})

	t.Run("no messages", func(t *testing.T) {
		_, err := c.buildParams(Request{APIKey: "sk-test"})
		assert.Error(t, err)
	})

	t.Run("no model anywhere", func(t *testing.T) {
		bare := newTestClient(AnthropicOptions{})
		_, err := bare.buildParams(Request{APIKey: "sk-test", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
		assert.Error(t, err)
	})
}
