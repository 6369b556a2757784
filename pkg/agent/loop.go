// Package agent drives the streaming LLM loop for one run: it feeds
// model output through the tag parser, publishes every event to the run
// log, executes the tools the model requested under the command gateway,
// and recurses with a continuation prompt until a stop condition fires.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pragnya-works/edward/pkg/config"
	"github.com/pragnya-works/edward/pkg/events"
	"github.com/pragnya-works/edward/pkg/kv"
	"github.com/pragnya-works/edward/pkg/llm"
	"github.com/pragnya-works/edward/pkg/models"
	"github.com/pragnya-works/edward/pkg/store"
	"github.com/pragnya-works/edward/pkg/stream"
)

// Loop budgets. Each stop condition maps to its own loop stop reason.
const (
	DefaultMaxTurns            = config.MaxAgentTurns
	DefaultMaxToolCallsPerTurn = config.MaxAgentToolCallsPerTurn
	DefaultMaxToolCallsPerRun  = config.DefaultMaxAgentToolCallsPerRun
	DefaultMaxStreamDuration   = config.MaxStreamDuration
)

// Config tunes the loop budgets. Zero values take the defaults.
type Config struct {
	MaxTurns            int
	MaxToolCallsPerTurn int
	MaxToolCallsPerRun  int
	MaxStreamDuration   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.MaxToolCallsPerTurn <= 0 {
		c.MaxToolCallsPerTurn = DefaultMaxToolCallsPerTurn
	}
	if c.MaxToolCallsPerRun <= 0 {
		c.MaxToolCallsPerRun = DefaultMaxToolCallsPerRun
	}
	if c.MaxStreamDuration <= 0 {
		c.MaxStreamDuration = DefaultMaxStreamDuration
	}
	return c
}

// RunStore is the persistence surface the loop needs.
type RunStore interface {
	MarkRunStarted(ctx context.Context, id string) (*models.Run, error)
	SetRunState(ctx context.Context, id string, state models.RunState, currentTurn int) error
	CompleteRun(ctx context.Context, id string, status models.RunStatus, state models.RunState, stopReason, terminationReason string) error
	BeginToolCall(ctx context.Context, runID string, turn int, toolName, idempotencyKey string, input json.RawMessage) (*models.RunToolCall, bool, error)
	FinishToolCall(ctx context.Context, id int64, output json.RawMessage, status models.ToolCallStatus, errorMessage string, durationMs int64) error
	CountToolCalls(ctx context.Context, runID string) (int, error)
}

// EventSink appends events to the run's ordered log.
type EventSink interface {
	Publish(ctx context.Context, runID string, event events.StreamEvent) (int64, error)
}

// Input is everything one run invocation needs.
type Input struct {
	Run       *models.Run
	Prompt    string
	History   []llm.Message
	System    string
	APIKey    string
	Model     string
	IsNewChat bool

	// Executor is bound to the run's provisioned sandbox.
	Executor *ToolExecutor
}

// Result summarizes a finished run for the caller.
type Result struct {
	StopReason        string
	TerminationReason string
	Status            models.RunStatus
	Plan              *models.Plan
	FilesWritten      []string
	InputTokens       int64
	OutputTokens      int64
}

// Loop is the agent loop. One Loop serves many runs; per-run state lives
// on the stack of Run.
type Loop struct {
	llm     llm.Client
	store   RunStore
	sink    EventSink
	limiter *kv.SlotLimiter
	cfg     Config
	logger  *slog.Logger
}

// NewLoop wires the loop.
func NewLoop(client llm.Client, store RunStore, sink EventSink, limiter *kv.SlotLimiter, cfg Config, logger *slog.Logger) *Loop {
	return &Loop{
		llm:     client,
		store:   store,
		sink:    sink,
		limiter: limiter,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "agent.loop"),
	}
}

// pendingFile is a streamed file capture awaiting its tool execution.
type pendingFile struct {
	path    string
	content string
}

// turnOutcome is what one LLM streaming turn produced.
type turnOutcome struct {
	text         string
	files        []pendingFile
	inputTokens  int64
	outputTokens int64
	llmErr       error
}

// Run executes the full loop for one run. The returned error covers
// infrastructure failures only; model and tool failures terminate the
// run through its own event stream.
func (l *Loop) Run(ctx context.Context, in Input) (*Result, error) {
	run := in.Run
	logger := l.logger.With("run_id", run.ID, "chat_id", run.ChatID)

	if err := l.limiter.Acquire(ctx, run.UserID); err != nil {
		if errors.Is(err, kv.ErrRateLimited) {
			_, _ = l.sink.Publish(context.WithoutCancel(ctx), run.ID, events.NewErrorEvent("too many concurrent requests"))
			return l.finish(ctx, run, nil, models.RunStatusFailed, models.RunStateFailed,
				models.StopReasonError, "rate_limited", nil, time.Time{})
		}
		return nil, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		l.limiter.Release(releaseCtx, run.UserID)
	}()

	started, err := l.store.MarkRunStarted(ctx, run.ID)
	if err != nil {
		if errors.Is(err, store.ErrRunTerminal) {
			logger.Info("run cancelled before start")
			return &Result{Status: models.RunStatusCancelled, TerminationReason: "cancelled"}, nil
		}
		return nil, err
	}
	run = started

	if _, err := l.sink.Publish(ctx, run.ID, events.NewMetaEvent(run, events.PhaseSessionStart, in.IsNewChat)); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, l.cfg.MaxStreamDuration)
	defer cancel()

	plan := NewDefaultPlan(truncateChars(in.Prompt, 200))
	MarkInProgress(plan, StepAnalyze)

	messages := append(append([]llm.Message{}, in.History...), llm.Message{Role: llm.RoleUser, Content: in.Prompt})

	result := &Result{Plan: plan}
	totalTools, err := l.store.CountToolCalls(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	turn := run.CurrentTurn

	for {
		if err := l.store.SetRunState(runCtx, run.ID, models.RunStateLLMStream, turn); err != nil {
			logger.Warn("failed to persist run state", "error", err)
		}

		outcome := l.streamTurn(runCtx, run.ID, in, messages)
		result.InputTokens += outcome.inputTokens
		result.OutputTokens += outcome.outputTokens
		UpdateForStep(plan, StepAnalyze, true)

		if outcome.llmErr != nil {
			if reason, ok := cancellationReason(runCtx); ok {
				return l.finishInterrupted(ctx, run, plan, reason, result, start)
			}
			_, _ = l.sink.Publish(context.WithoutCancel(ctx), run.ID, events.NewErrorEvent("model stream failed: "+outcome.llmErr.Error()))
			return l.finish(ctx, run, plan, models.RunStatusFailed, models.RunStateFailed,
				models.StopReasonError, "llm_failure", result, start)
		}

		pending := collectPending(outcome)
		if len(pending) == 0 {
			run.LoopStopReason = models.StopReasonNoToolCalls
			return l.finish(ctx, run, plan, models.RunStatusCompleted, models.RunStateComplete,
				models.StopReasonNoToolCalls, "", result, start)
		}

		// Budget trims happen before execution so the stop reason reflects
		// which limit actually bit.
		stopReason := ""
		if len(pending) > l.cfg.MaxToolCallsPerTurn {
			pending = pending[:l.cfg.MaxToolCallsPerTurn]
			stopReason = models.StopReasonTurnToolLimit
		}
		if totalTools+len(pending) >= l.cfg.MaxToolCallsPerRun {
			pending = pending[:l.cfg.MaxToolCallsPerRun-totalTools]
			stopReason = models.StopReasonToolBudget
		}

		if err := l.store.SetRunState(runCtx, run.ID, models.RunStateToolExec, turn); err != nil {
			logger.Warn("failed to persist run state", "error", err)
		}

		results, interrupted := l.executeTools(runCtx, run.ID, turn, in.Executor, pending, plan, result)
		totalTools += len(results)
		if interrupted {
			if reason, ok := cancellationReason(runCtx); ok {
				return l.finishInterrupted(ctx, run, plan, reason, result, start)
			}
		}

		if stopReason != "" {
			run.LoopStopReason = stopReason
			return l.finish(ctx, run, plan, models.RunStatusCompleted, models.RunStateComplete,
				stopReason, "", result, start)
		}

		turn++
		if turn >= l.cfg.MaxTurns {
			run.LoopStopReason = models.StopReasonTurnBudget
			return l.finish(ctx, run, plan, models.RunStatusCompleted, models.RunStateComplete,
				models.StopReasonTurnBudget, "", result, start)
		}

		if err := l.store.SetRunState(runCtx, run.ID, models.RunStateNextTurn, turn); err != nil {
			logger.Warn("failed to persist run state", "error", err)
		}
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: outcome.text},
			llm.Message{Role: llm.RoleUser, Content: BuildContinuation(results)},
		)

		if reason, ok := cancellationReason(runCtx); ok {
			return l.finishInterrupted(ctx, run, plan, reason, result, start)
		}
	}
}

// streamTurn runs one LLM streaming call, publishing parsed events as
// they complete and capturing files and prose for the tool phase.
func (l *Loop) streamTurn(ctx context.Context, runID string, in Input, messages []llm.Message) turnOutcome {
	var outcome turnOutcome

	chunks, errs := l.llm.Stream(ctx, llm.Request{
		Model:    in.Model,
		APIKey:   in.APIKey,
		System:   in.System,
		Messages: messages,
	})

	parser := stream.NewParser()
	var currentFile *pendingFile
	inThinking := false

	handle := func(evts []events.StreamEvent) {
		for _, ev := range evts {
			switch e := ev.(type) {
			case events.TextEvent:
				outcome.text += e.Content
			case events.FileStartEvent:
				if e.Path == "" {
					_, _ = l.sink.Publish(ctx, runID, events.NewErrorEvent("file path rejected after normalization"))
					continue
				}
				currentFile = &pendingFile{path: e.Path}
			case events.FileContentEvent:
				if currentFile != nil {
					currentFile.content += e.Content
				}
			case events.FileEndEvent:
				if currentFile != nil {
					outcome.files = append(outcome.files, *currentFile)
					currentFile = nil
				}
			}
			if _, err := l.sink.Publish(ctx, runID, ev); err != nil {
				outcome.llmErr = fmt.Errorf("event append failed: %w", err)
				return
			}
		}
	}

	for chunk := range chunks {
		if outcome.llmErr != nil {
			continue
		}
		if chunk.Usage != nil {
			outcome.inputTokens += int64(chunk.Usage.InputTokens)
			outcome.outputTokens += int64(chunk.Usage.OutputTokens)
			continue
		}
		if chunk.IsThinking {
			// Native thinking deltas arrive outside the tag grammar; bracket
			// them directly.
			if !inThinking {
				inThinking = true
				handle([]events.StreamEvent{events.NewThinkingStartEvent()})
			}
			handle([]events.StreamEvent{events.NewThinkingContentEvent(chunk.Content)})
			continue
		}
		if inThinking {
			inThinking = false
			handle([]events.StreamEvent{events.NewThinkingEndEvent()})
		}
		handle(parser.Feed(chunk.Content))
	}
	if inThinking {
		handle([]events.StreamEvent{events.NewThinkingEndEvent()})
	}
	handle(parser.Flush())

	if err := <-errs; err != nil && outcome.llmErr == nil {
		outcome.llmErr = err
	}
	return outcome
}

// pendingCall pairs a tool call with its streamed file content, present
// only for the file tool.
type pendingCall struct {
	call ToolCall
	file *pendingFile
}

func collectPending(outcome turnOutcome) []pendingCall {
	var pending []pendingCall
	for i := range outcome.files {
		f := outcome.files[i]
		pending = append(pending, pendingCall{
			call: ToolCall{Name: ToolFile, Input: FileInput(f.path, f.content)},
			file: &f,
		})
	}
	for _, call := range ParseDirectives(outcome.text) {
		pending = append(pending, pendingCall{call: call})
	}
	return pending
}

// executeTools runs the pending calls sequentially with idempotent
// replay. Returns the results for the continuation prompt and whether
// execution was cut short by cancellation.
func (l *Loop) executeTools(ctx context.Context, runID string, turn int, executor *ToolExecutor, pending []pendingCall, plan *models.Plan, result *Result) ([]ToolResult, bool) {
	var results []ToolResult

	for _, p := range pending {
		if ctx.Err() != nil {
			return results, true
		}

		key := IdempotencyKey(turn, p.call.Name, p.call.Input)
		tc, created, err := l.store.BeginToolCall(ctx, runID, turn, p.call.Name, key, p.call.Input)
		if err != nil {
			results = append(results, ToolResult{Name: p.call.Name, Input: p.call.Input, Err: err.Error()})
			continue
		}
		if !created {
			// Replay: reuse the stored output without re-executing.
			results = append(results, ToolResult{Name: p.call.Name, Input: p.call.Input, Output: tc.Output, Err: tc.ErrorMessage})
			continue
		}

		started := time.Now()
		output, event, execErr := l.runTool(ctx, executor, p)
		duration := time.Since(started).Milliseconds()

		tr := ToolResult{Name: p.call.Name, Input: p.call.Input, Output: output}
		status := models.ToolCallStatusCompleted
		if execErr != nil {
			tr.Err = execErr.Error()
			status = models.ToolCallStatusFailed
			_, _ = l.sink.Publish(ctx, runID, events.NewErrorEvent(fmt.Sprintf("%s tool failed: %s", p.call.Name, execErr)))
		} else if event != nil {
			if _, err := l.sink.Publish(ctx, runID, event); err != nil {
				l.logger.Warn("failed to publish tool event", "run_id", runID, "tool", p.call.Name, "error", err)
			}
		}

		if err := l.store.FinishToolCall(ctx, tc.ID, output, status, tr.Err, duration); err != nil {
			l.logger.Warn("failed to persist tool outcome", "run_id", runID, "tool", p.call.Name, "error", err)
		}

		l.updatePlanForTool(plan, p, execErr == nil, result)
		results = append(results, tr)
	}
	return results, false
}

func (l *Loop) runTool(ctx context.Context, executor *ToolExecutor, p pendingCall) (json.RawMessage, events.StreamEvent, error) {
	if p.call.Name == ToolFile {
		output, err := executor.WriteFile(ctx, p.file.path, p.file.content)
		return output, nil, err
	}
	return executor.Execute(ctx, p.call)
}

func (l *Loop) updatePlanForTool(plan *models.Plan, p pendingCall, ok bool, result *Result) {
	switch p.call.Name {
	case ToolInstall:
		UpdateForStep(plan, StepResolveDeps, ok)
	case ToolFile:
		MarkInProgress(plan, StepGenerateCode)
		if ok {
			result.FilesWritten = append(result.FilesWritten, p.file.path)
		}
	}
}

// finish writes the terminal run state and emits metrics plus the
// session_complete meta event. Uses an uncancelled context so a
// cancelled run still records its ending.
func (l *Loop) finish(ctx context.Context, run *models.Run, plan *models.Plan, status models.RunStatus, state models.RunState, stopReason, terminationReason string, result *Result, start time.Time) (*Result, error) {
	ctx = context.WithoutCancel(ctx)

	if result == nil {
		result = &Result{}
	}
	result.Status = status
	result.StopReason = stopReason
	result.TerminationReason = terminationReason
	result.Plan = plan

	if plan != nil {
		if status == models.RunStatusCompleted {
			UpdateForStep(plan, StepGenerateCode, true)
		} else {
			FinalizeBeforeCompletion(plan, terminationReason)
		}
	}

	if err := l.store.CompleteRun(ctx, run.ID, status, state, stopReason, terminationReason); err != nil {
		l.logger.Warn("failed to complete run", "run_id", run.ID, "error", err)
	}

	if !start.IsZero() {
		metrics := events.NewMetricsEvent(time.Since(start).Milliseconds(), result.InputTokens, result.OutputTokens)
		if _, err := l.sink.Publish(ctx, run.ID, metrics); err != nil {
			l.logger.Warn("failed to publish metrics", "run_id", run.ID, "error", err)
		}
	}

	run.Status = status
	run.State = state
	run.LoopStopReason = stopReason
	run.TerminationReason = terminationReason
	if _, err := l.sink.Publish(ctx, run.ID, events.NewMetaEvent(run, events.PhaseSessionComplete, false)); err != nil {
		return result, fmt.Errorf("failed to publish session_complete: %w", err)
	}
	return result, nil
}

func (l *Loop) finishInterrupted(ctx context.Context, run *models.Run, plan *models.Plan, reason string, result *Result, start time.Time) (*Result, error) {
	if reason == models.StopReasonWallClock {
		return l.finish(ctx, run, plan, models.RunStatusCompleted, models.RunStateComplete,
			models.StopReasonWallClock, "", result, start)
	}
	return l.finish(ctx, run, plan, models.RunStatusCancelled, models.RunStateCancelled,
		models.StopReasonCancelled, "cancelled", result, start)
}

// cancellationReason classifies a context interruption.
func cancellationReason(ctx context.Context) (string, bool) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return models.StopReasonWallClock, true
	case ctx.Err() != nil:
		return models.StopReasonCancelled, true
	}
	return "", false
}
