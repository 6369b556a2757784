package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pragnya-works/edward/pkg/agent"
	"github.com/pragnya-works/edward/pkg/build"
	"github.com/pragnya-works/edward/pkg/events"
	"github.com/pragnya-works/edward/pkg/gateway"
	"github.com/pragnya-works/edward/pkg/llm"
	"github.com/pragnya-works/edward/pkg/models"
	"github.com/pragnya-works/edward/pkg/sandbox"
)

// Provisioner returns a live sandbox for a chat.
type Provisioner interface {
	Provision(ctx context.Context, userID, chatID string) (*sandbox.State, error)
}

// LoopRunner drives one agent run to completion.
type LoopRunner interface {
	Run(ctx context.Context, in agent.Input) (*agent.Result, error)
}

// RunRegistry tracks in-flight runs for cancellation.
type RunRegistry interface {
	RegisterRun(runID string, cancel context.CancelFunc)
	UnregisterRun(runID string)
}

// RunFollowupStore persists follow-up work after a run.
type RunFollowupStore interface {
	CompleteRun(ctx context.Context, id string, status models.RunStatus, state models.RunState, stopReason, terminationReason string) error
	CreateBuild(ctx context.Context, chatID, userID, sandboxID, messageID string) (*models.Build, error)
	EnqueueJob(ctx context.Context, job *models.Job) (inserted bool, err error)
}

// RunRequest is one run invocation handed to the executor.
type RunRequest struct {
	Run       *models.Run
	Prompt    string
	History   []llm.Message
	System    string
	APIKey    string
	Model     string
	IsNewChat bool
}

// RunExecutor executes runs end to end: provision the chat's sandbox,
// drive the agent loop against it, then enqueue the preview build and
// workspace backup for completed runs.
type RunExecutor struct {
	loop        LoopRunner
	provisioner Provisioner
	store       RunFollowupStore
	sink        RunEventSink
	registry    RunRegistry
	driver      sandbox.Driver
	gateway     *gateway.Gateway
	resolver    *build.Resolver
	logger      *slog.Logger
}

// NewRunExecutor wires the executor. registry may be nil when no
// cancellation surface exists (tests).
func NewRunExecutor(loop LoopRunner, provisioner Provisioner, followups RunFollowupStore, sink RunEventSink, registry RunRegistry, driver sandbox.Driver, gw *gateway.Gateway, resolver *build.Resolver, logger *slog.Logger) *RunExecutor {
	return &RunExecutor{
		loop:        loop,
		provisioner: provisioner,
		store:       followups,
		sink:        sink,
		registry:    registry,
		driver:      driver,
		gateway:     gw,
		resolver:    resolver,
		logger:      logger.With("component", "queue.runner"),
	}
}

// Execute runs one run to its terminal state. Errors are infrastructure
// failures; run-level failures land on the run row and event stream.
func (e *RunExecutor) Execute(ctx context.Context, req RunRequest) (*agent.Result, error) {
	run := req.Run
	logger := e.logger.With("run_id", run.ID, "chat_id", run.ChatID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if e.registry != nil {
		e.registry.RegisterRun(run.ID, cancel)
		defer e.registry.UnregisterRun(run.ID)
	}

	state, err := e.provisioner.Provision(runCtx, run.UserID, run.ChatID)
	if err != nil {
		logger.Error("sandbox provisioning failed", "error", err)
		e.failBeforeLoop(ctx, run, "sandbox unavailable")
		return &agent.Result{
			Status:            models.RunStatusFailed,
			StopReason:        models.StopReasonError,
			TerminationReason: "sandbox_unavailable",
		}, nil
	}

	executor := agent.NewToolExecutor(agent.ToolExecutorConfig{
		Gateway:     e.gateway,
		Driver:      e.driver,
		ContainerID: state.ContainerID,
		Resolver:    e.resolver,
	}, e.logger)

	result, err := e.loop.Run(runCtx, agent.Input{
		Run:       run,
		Prompt:    req.Prompt,
		History:   req.History,
		System:    req.System,
		APIKey:    req.APIKey,
		Model:     req.Model,
		IsNewChat: req.IsNewChat,
		Executor:  executor,
	})
	if err != nil {
		return nil, fmt.Errorf("agent loop: %w", err)
	}

	if result.Status == models.RunStatusCompleted {
		e.enqueueFollowups(ctx, run, state, logger)
	}
	return result, nil
}

// failBeforeLoop records a failure that happened before the loop could
// own the run's lifecycle.
func (e *RunExecutor) failBeforeLoop(ctx context.Context, run *models.Run, message string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := e.sink.Publish(ctx, run.ID, events.NewErrorEvent(message)); err != nil {
		e.logger.Warn("failed to publish run error", "run_id", run.ID, "error", err)
	}
	if err := e.store.CompleteRun(ctx, run.ID, models.RunStatusFailed, models.RunStateFailed,
		models.StopReasonError, "sandbox_unavailable"); err != nil {
		e.logger.Warn("failed to complete run", "run_id", run.ID, "error", err)
	}
	run.Status = models.RunStatusFailed
	run.State = models.RunStateFailed
	run.TerminationReason = "sandbox_unavailable"
	if _, err := e.sink.Publish(ctx, run.ID, events.NewMetaEvent(run, events.PhaseSessionComplete, false)); err != nil {
		e.logger.Warn("failed to publish session_complete", "run_id", run.ID, "error", err)
	}
}

// enqueueFollowups creates the build row and queues the build and
// backup jobs. Uses an uncancelled context: a completed run gets its
// preview even when the client has gone away.
func (e *RunExecutor) enqueueFollowups(ctx context.Context, run *models.Run, state *sandbox.State, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)

	buildRow, err := e.store.CreateBuild(ctx, run.ChatID, run.UserID, state.SandboxID, run.AssistantMessageID)
	if err != nil {
		logger.Error("failed to create build", "error", err)
		return
	}

	payload := models.JobPayload{
		SandboxID: state.SandboxID,
		UserID:    run.UserID,
		ChatID:    run.ChatID,
		MessageID: run.AssistantMessageID,
		RunID:     run.ID,
		BuildID:   buildRow.ID,
	}
	if _, err := e.store.EnqueueJob(ctx, NewBuildJob(payload)); err != nil {
		logger.Error("failed to enqueue build job", "build_id", buildRow.ID, "error", err)
	}
	if _, err := e.store.EnqueueJob(ctx, NewBackupJob(payload, run.ID)); err != nil {
		logger.Error("failed to enqueue backup job", "error", err)
	}
}
