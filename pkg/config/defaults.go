package config

import "time"

// Agent loop budgets. Every stop condition maps to a distinct loop stop
// reason on the run record.
const (
	// DefaultMaxActiveRunsPerUser caps runs in {queued, running} per user.
	DefaultMaxActiveRunsPerUser = 2

	// MaxAgentTurns is the maximum number of LLM turns per run.
	MaxAgentTurns = 5

	// DefaultMaxAgentToolCallsPerRun caps tool calls across the whole run.
	DefaultMaxAgentToolCallsPerRun = 18

	// MaxAgentToolCallsPerTurn caps tool calls within a single turn.
	MaxAgentToolCallsPerTurn = 6

	// MaxStreamDuration is the wall-clock budget for one run.
	MaxStreamDuration = 5 * time.Minute
)

// Continuation prompt budgets. Truncation is always marker-terminated so
// the model can tell content was cut.
const (
	MaxContinuationPromptChars = 18000
	MaxToolResultPayloadChars  = 24000
	MaxToolStdioChars          = 4000
)

// Per-user slot limiter.
const (
	// MaxConcurrentPerUser is the slot cap enforced atomically in the KV store.
	MaxConcurrentPerUser = 2

	// SlotTTL bounds how long an orphaned slot counter survives.
	SlotTTL = 300 * time.Second
)

// Sandbox lifecycle.
const (
	// SandboxTTL is refreshed on activity; expiry makes the sweeper
	// destroy the container.
	SandboxTTL = 30 * time.Minute

	// ProvisionLockTTL bounds how long one provisioner can hold a chat.
	ProvisionLockTTL = 60 * time.Second

	// ReconcileInterval is how often containers are reconciled against
	// the state store.
	ReconcileInterval = 60 * time.Second

	// LivenessCacheTTL is how long a positive container-alive check is
	// trusted without re-inspecting.
	LivenessCacheTTL = 10 * time.Second
)

// Command execution timeouts.
const (
	DefaultExecTimeout    = 10 * time.Second
	DefaultGatewayTimeout = 15 * time.Second
	BuildTimeout          = 10 * time.Minute
)

// Worker pool.
const (
	DefaultWorkerConcurrency = 3
)

// Stream resumption.
const (
	// EventsPageLimit is the page size for catch-up reads of the run
	// event log.
	EventsPageLimit = 500

	// DisconnectGrace delays run cancellation after an SSE client
	// disconnect so transient TCP glitches don't kill runs.
	DisconnectGrace = 2 * time.Second
)
