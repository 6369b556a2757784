// Package models contains the plain domain structs shared across packages.
package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the coarse lifecycle status of a run, visible to clients.
type RunStatus string

// Run status values.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunState is the fine-grained agent-loop state machine position.
type RunState string

// Run state machine values: INIT → LLM_STREAM (→ TOOL_EXEC → NEXT_TURN)* →
// COMPLETE|FAILED|CANCELLED.
const (
	RunStateInit      RunState = "INIT"
	RunStateLLMStream RunState = "LLM_STREAM"
	RunStateToolExec  RunState = "TOOL_EXEC"
	RunStateApply     RunState = "APPLY"
	RunStateNextTurn  RunState = "NEXT_TURN"
	RunStateComplete  RunState = "COMPLETE"
	RunStateFailed    RunState = "FAILED"
	RunStateCancelled RunState = "CANCELLED"
)

// Stop reasons reported by the agent loop when it ends a session.
const (
	StopReasonNoToolCalls   = "no_tool_calls"
	StopReasonTurnBudget    = "turn_budget"
	StopReasonToolBudget    = "tool_budget"
	StopReasonTurnToolLimit = "turn_tool_limit"
	StopReasonWallClock     = "wall_clock"
	StopReasonCancelled     = "cancelled"
	StopReasonError         = "error"
)

// Run is one streaming agent invocation producing an ordered event log.
// The run owns its event sequence (NextEventSeq) and its tool-call log.
type Run struct {
	ID                 string     `json:"id"`
	ChatID             string     `json:"chat_id"`
	UserID             string     `json:"user_id"`
	UserMessageID      string     `json:"user_message_id"`
	AssistantMessageID string     `json:"assistant_message_id"`
	Model              string     `json:"model,omitempty"`
	Status             RunStatus  `json:"status"`
	State              RunState   `json:"state"`
	CurrentTurn        int        `json:"current_turn"`
	LoopStopReason     string     `json:"loop_stop_reason,omitempty"`
	TerminationReason  string     `json:"termination_reason,omitempty"`
	NextEventSeq       int64      `json:"next_event_seq"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the run has reached a terminal status.
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// RunEvent is one append-only event row. (RunID, Seq) is unique; Seq is
// assigned inside the append transaction and is the authoritative order.
type RunEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	EventType string          `json:"event_type"`
	Event     json.RawMessage `json:"event"`
	CreatedAt time.Time       `json:"created_at"`
}

// ToolCallStatus is the lifecycle status of one persisted tool call.
type ToolCallStatus string

// Tool call status values.
const (
	ToolCallStatusRunning   ToolCallStatus = "running"
	ToolCallStatusCompleted ToolCallStatus = "completed"
	ToolCallStatusFailed    ToolCallStatus = "failed"
)

// RunToolCall records one executed tool call. (RunID, IdempotencyKey) is
// unique; replays with the same key return the stored output.
type RunToolCall struct {
	ID             int64           `json:"id"`
	RunID          string          `json:"run_id"`
	Turn           int             `json:"turn"`
	ToolName       string          `json:"tool_name"`
	IdempotencyKey string          `json:"idempotency_key"`
	Input          json.RawMessage `json:"input"`
	Output         json.RawMessage `json:"output,omitempty"`
	Status         ToolCallStatus  `json:"status"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	DurationMs     int64           `json:"duration_ms,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CreateRunRequest contains fields for starting a new run.
type CreateRunRequest struct {
	ChatID        string `json:"chat_id"`
	UserID        string `json:"user_id"`
	UserMessageID string `json:"user_message_id"`
	Prompt        string `json:"prompt"`
	Model         string `json:"model,omitempty"`
}
