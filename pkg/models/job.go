package models

import "time"

// JobType discriminates the tagged job payload variants.
type JobType string

// Job types handled by the worker pool.
const (
	JobTypeBuild   JobType = "build"
	JobTypeBackup  JobType = "backup"
	JobTypeCleanup JobType = "cleanup"
)

// JobStatus is the queue lifecycle status of a job row.
type JobStatus string

// Job status values.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// BackoffKind selects the retry delay curve for a job.
type BackoffKind string

// Backoff kinds.
const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// JobPayload is the tagged variant carried by every queue job. Type selects
// which fields are meaningful; SandboxID and UserID are always present.
type JobPayload struct {
	Type      JobType `json:"type"`
	SandboxID string  `json:"sandbox_id"`
	UserID    string  `json:"user_id"`
	ChatID    string  `json:"chat_id,omitempty"`
	MessageID string  `json:"message_id,omitempty"`
	RunID     string  `json:"run_id,omitempty"`
	BuildID   string  `json:"build_id,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// Job is one persisted queue job with its retry bookkeeping.
type Job struct {
	ID          string      `json:"id"`
	Type        JobType     `json:"type"`
	Payload     JobPayload  `json:"payload"`
	Status      JobStatus   `json:"status"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	Backoff     BackoffKind `json:"backoff"`
	BackoffBase time.Duration
	RunAfter    time.Time  `json:"run_after"`
	ClaimedBy   string     `json:"claimed_by,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
