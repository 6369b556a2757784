// Package events defines the typed stream events a run emits, the
// publisher that appends them to the run event log with transactional
// NOTIFY fan-out, the dedicated LISTEN connection, and the in-process
// hub that routes notifications to SSE subscribers.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/pragnya-works/edward/pkg/models"
)

// EventVersion is the wire envelope version stamped on every event.
const EventVersion = 1

// Event type discriminators.
const (
	EventTypeMeta            = "meta"
	EventTypeText            = "text"
	EventTypeThinkingStart   = "thinking_start"
	EventTypeThinkingContent = "thinking_content"
	EventTypeThinkingEnd     = "thinking_end"
	EventTypeSandboxStart    = "sandbox_start"
	EventTypeSandboxEnd      = "sandbox_end"
	EventTypeFileStart       = "file_start"
	EventTypeFileContent     = "file_content"
	EventTypeFileEnd         = "file_end"
	EventTypeCommand         = "command"
	EventTypeWebSearch       = "web_search"
	EventTypeURLScrape       = "url_scrape"
	EventTypeMetrics         = "metrics"
	EventTypeBuildStatus     = "build_status"
	EventTypeError           = "error"
)

// Meta phases.
const (
	PhaseSessionStart    = "session_start"
	PhaseSessionComplete = "session_complete"
)

// StreamEvent is the sum type for run stream events. Exactly one concrete
// variant exists per event kind; the parser and agent loop only ever emit
// concrete variants.
type StreamEvent interface {
	EventType() string
}

// BaseEvent carries the common wire envelope. It is embedded in every
// concrete event; constructors fill Type and Version.
type BaseEvent struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
}

// EventType returns the discriminator.
func (b BaseEvent) EventType() string { return b.Type }

func base(t string) BaseEvent {
	return BaseEvent{Type: t, Version: EventVersion}
}

// MetaEvent brackets a run: one with phase session_start, one with
// session_complete carrying the stop reasons.
type MetaEvent struct {
	BaseEvent
	ChatID             string `json:"chatId"`
	UserMessageID      string `json:"userMessageId"`
	AssistantMessageID string `json:"assistantMessageId"`
	IsNewChat          bool   `json:"isNewChat"`
	RunID              string `json:"runId"`
	Phase              string `json:"phase"`
	LoopStopReason     string `json:"loopStopReason,omitempty"`
	TerminationReason  string `json:"terminationReason,omitempty"`
}

// NewMetaEvent builds a meta event for the given phase.
func NewMetaEvent(run *models.Run, phase string, isNewChat bool) MetaEvent {
	return MetaEvent{
		BaseEvent:          base(EventTypeMeta),
		ChatID:             run.ChatID,
		UserMessageID:      run.UserMessageID,
		AssistantMessageID: run.AssistantMessageID,
		IsNewChat:          isNewChat,
		RunID:              run.ID,
		Phase:              phase,
		LoopStopReason:     run.LoopStopReason,
		TerminationReason:  run.TerminationReason,
	}
}

// TextEvent is plain assistant prose.
type TextEvent struct {
	BaseEvent
	Content string `json:"content"`
}

// NewTextEvent builds a text event.
func NewTextEvent(content string) TextEvent {
	return TextEvent{BaseEvent: base(EventTypeText), Content: content}
}

// ThinkingStartEvent opens a thinking block.
type ThinkingStartEvent struct {
	BaseEvent
}

// NewThinkingStartEvent builds a thinking_start event.
func NewThinkingStartEvent() ThinkingStartEvent {
	return ThinkingStartEvent{BaseEvent: base(EventTypeThinkingStart)}
}

// ThinkingContentEvent is one chunk of thinking text.
type ThinkingContentEvent struct {
	BaseEvent
	Content string `json:"content"`
}

// NewThinkingContentEvent builds a thinking_content event.
func NewThinkingContentEvent(content string) ThinkingContentEvent {
	return ThinkingContentEvent{BaseEvent: base(EventTypeThinkingContent), Content: content}
}

// ThinkingEndEvent closes a thinking block.
type ThinkingEndEvent struct {
	BaseEvent
}

// NewThinkingEndEvent builds a thinking_end event.
func NewThinkingEndEvent() ThinkingEndEvent {
	return ThinkingEndEvent{BaseEvent: base(EventTypeThinkingEnd)}
}

// SandboxStartEvent opens a sandbox block in the model output.
type SandboxStartEvent struct {
	BaseEvent
	Project string `json:"project,omitempty"`
	Base    string `json:"base,omitempty"`
}

// NewSandboxStartEvent builds a sandbox_start event.
func NewSandboxStartEvent(project, baseAttr string) SandboxStartEvent {
	return SandboxStartEvent{BaseEvent: base(EventTypeSandboxStart), Project: project, Base: baseAttr}
}

// SandboxEndEvent closes a sandbox block.
type SandboxEndEvent struct {
	BaseEvent
}

// NewSandboxEndEvent builds a sandbox_end event.
func NewSandboxEndEvent() SandboxEndEvent {
	return SandboxEndEvent{BaseEvent: base(EventTypeSandboxEnd)}
}

// FileStartEvent opens a streamed file write.
type FileStartEvent struct {
	BaseEvent
	Path string `json:"path"`
}

// NewFileStartEvent builds a file_start event.
func NewFileStartEvent(path string) FileStartEvent {
	return FileStartEvent{BaseEvent: base(EventTypeFileStart), Path: path}
}

// FileContentEvent is one chunk of streamed file content.
type FileContentEvent struct {
	BaseEvent
	Content string `json:"content"`
}

// NewFileContentEvent builds a file_content event.
func NewFileContentEvent(content string) FileContentEvent {
	return FileContentEvent{BaseEvent: base(EventTypeFileContent), Content: content}
}

// FileEndEvent closes a streamed file write.
type FileEndEvent struct {
	BaseEvent
	Path string `json:"path"`
}

// NewFileEndEvent builds a file_end event.
func NewFileEndEvent(path string) FileEndEvent {
	return FileEndEvent{BaseEvent: base(EventTypeFileEnd), Path: path}
}

// CommandEvent records a gateway command execution and its outcome.
type CommandEvent struct {
	BaseEvent
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	Stdout   string   `json:"stdout,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
	ExitCode *int     `json:"exitCode,omitempty"`
}

// NewCommandEvent builds a command event.
func NewCommandEvent(command string, args []string) CommandEvent {
	return CommandEvent{BaseEvent: base(EventTypeCommand), Command: command, Args: args}
}

// WebSearchEvent records a web search tool call.
type WebSearchEvent struct {
	BaseEvent
	Query      string `json:"query"`
	MaxResults int    `json:"maxResults"`
}

// NewWebSearchEvent builds a web_search event.
func NewWebSearchEvent(query string, maxResults int) WebSearchEvent {
	return WebSearchEvent{BaseEvent: base(EventTypeWebSearch), Query: query, MaxResults: maxResults}
}

// URLScrapeResult is the per-URL outcome of a scrape tool call.
type URLScrapeResult struct {
	Status   string `json:"status"`
	URL      string `json:"url"`
	FinalURL string `json:"finalUrl,omitempty"`
	Title    string `json:"title,omitempty"`
	Snippet  string `json:"snippet,omitempty"`
	Excerpt  string `json:"excerpt,omitempty"`
	Error    string `json:"error,omitempty"`
}

// URLScrapeEvent records a url scrape tool call.
type URLScrapeEvent struct {
	BaseEvent
	Results []URLScrapeResult `json:"results"`
}

// NewURLScrapeEvent builds a url_scrape event.
func NewURLScrapeEvent(results []URLScrapeResult) URLScrapeEvent {
	return URLScrapeEvent{BaseEvent: base(EventTypeURLScrape), Results: results}
}

// MetricsEvent reports run-level token and timing usage.
type MetricsEvent struct {
	BaseEvent
	CompletionTime int64 `json:"completionTime"`
	InputTokens    int64 `json:"inputTokens"`
	OutputTokens   int64 `json:"outputTokens"`
}

// NewMetricsEvent builds a metrics event.
func NewMetricsEvent(completionTimeMs, inputTokens, outputTokens int64) MetricsEvent {
	return MetricsEvent{
		BaseEvent:      base(EventTypeMetrics),
		CompletionTime: completionTimeMs,
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
	}
}

// BuildStatusEvent reports a preview build transition.
type BuildStatusEvent struct {
	BaseEvent
	ChatID     string             `json:"chatId"`
	Status     models.BuildStatus `json:"status"`
	BuildID    string             `json:"buildId"`
	PreviewURL string             `json:"previewUrl,omitempty"`
	ErrorLog   string             `json:"errorLog,omitempty"`
}

// NewBuildStatusEvent builds a build_status event.
func NewBuildStatusEvent(chatID string, status models.BuildStatus, buildID, previewURL, errorLog string) BuildStatusEvent {
	return BuildStatusEvent{
		BaseEvent:  base(EventTypeBuildStatus),
		ChatID:     chatID,
		Status:     status,
		BuildID:    buildID,
		PreviewURL: previewURL,
		ErrorLog:   errorLog,
	}
}

// ErrorEvent carries a user-visible error message inside the stream.
type ErrorEvent struct {
	BaseEvent
	Message string `json:"message"`
}

// NewErrorEvent builds an error event.
func NewErrorEvent(message string) ErrorEvent {
	return ErrorEvent{BaseEvent: base(EventTypeError), Message: message}
}

// Marshal encodes a stream event to its wire JSON.
func Marshal(e StreamEvent) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.EventType(), err)
	}
	return data, nil
}

// --- Channel naming ---

// PGNotifyChannel is the single Postgres NOTIFY channel all run event
// notifications flow through; the logical channel travels inside the
// JSON envelope.
const PGNotifyChannel = "run_events"

// RunChannel returns the logical routing channel for a run.
func RunChannel(runID string) string {
	return "run-events:" + runID
}

// BuildStatusChannel returns the Redis pub/sub channel for a chat's build
// status updates.
func BuildStatusChannel(chatID string) string {
	return "build-status:" + chatID
}
