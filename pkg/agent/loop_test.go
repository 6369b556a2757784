package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pragnya-works/edward/pkg/build"
	"github.com/pragnya-works/edward/pkg/config"
	"github.com/pragnya-works/edward/pkg/events"
	"github.com/pragnya-works/edward/pkg/kv"
	"github.com/pragnya-works/edward/pkg/llm"
	"github.com/pragnya-works/edward/pkg/models"
)

// scriptedLLM plays back fixed chunk sequences, one per Stream call.
type scriptedLLM struct {
	mu    sync.Mutex
	turns [][]llm.Chunk
	errs  []error
	calls []llm.Request
}

func (s *scriptedLLM) Stream(_ context.Context, req llm.Request) (<-chan llm.Chunk, <-chan error) {
	s.mu.Lock()
	idx := len(s.calls)
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	chunks := make(chan llm.Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(chunks)
		if idx < len(s.turns) {
			for _, c := range s.turns[idx] {
				chunks <- c
			}
		}
		if idx < len(s.errs) && s.errs[idx] != nil {
			errs <- s.errs[idx]
		}
	}()
	return chunks, errs
}

func (s *scriptedLLM) requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.calls...)
}

func textChunks(parts ...string) []llm.Chunk {
	out := make([]llm.Chunk, 0, len(parts))
	for _, p := range parts {
		out = append(out, llm.Chunk{Content: p})
	}
	return out
}

// memRunStore is an in-memory RunStore.
type memRunStore struct {
	mu        sync.Mutex
	run       *models.Run
	states    []models.RunState
	toolCalls map[string]*models.RunToolCall
	nextID    int64

	completedStatus models.RunStatus
	completedStop   string
	completedTerm   string
}

func newMemRunStore(run *models.Run) *memRunStore {
	return &memRunStore{run: run, toolCalls: make(map[string]*models.RunToolCall)}
}

func (m *memRunStore) MarkRunStarted(_ context.Context, _ string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *m.run
	r.Status = models.RunStatusRunning
	r.State = models.RunStateLLMStream
	return &r, nil
}

func (m *memRunStore) SetRunState(_ context.Context, _ string, state models.RunState, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
	return nil
}

func (m *memRunStore) CompleteRun(_ context.Context, _ string, status models.RunStatus, _ models.RunState, stopReason, terminationReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completedStatus = status
	m.completedStop = stopReason
	m.completedTerm = terminationReason
	return nil
}

func (m *memRunStore) BeginToolCall(_ context.Context, runID string, turn int, toolName, key string, input json.RawMessage) (*models.RunToolCall, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.toolCalls[key]; ok {
		return existing, false, nil
	}
	m.nextID++
	tc := &models.RunToolCall{
		ID: m.nextID, RunID: runID, Turn: turn, ToolName: toolName,
		IdempotencyKey: key, Input: input, Status: models.ToolCallStatusRunning,
	}
	m.toolCalls[key] = tc
	return tc, true, nil
}

func (m *memRunStore) FinishToolCall(_ context.Context, id int64, output json.RawMessage, status models.ToolCallStatus, errorMessage string, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tc := range m.toolCalls {
		if tc.ID == id {
			tc.Output = output
			tc.Status = status
			tc.ErrorMessage = errorMessage
			return nil
		}
	}
	return fmt.Errorf("tool call %d not found", id)
}

func (m *memRunStore) CountToolCalls(context.Context, string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.toolCalls), nil
}

// memSink records published events in order.
type memSink struct {
	mu     sync.Mutex
	seq    int64
	events []events.StreamEvent
}

func (s *memSink) Publish(_ context.Context, _ string, ev events.StreamEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.events = append(s.events, ev)
	return s.seq, nil
}

func (s *memSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.EventType()
	}
	return out
}

func (s *memSink) lastMeta() events.MetaEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if meta, ok := s.events[i].(events.MetaEvent); ok {
			return meta
		}
	}
	return events.MetaEvent{}
}

type loopHarness struct {
	loop    *Loop
	store   *memRunStore
	sink    *memSink
	driver  *toolDriver
	client  llm.Client
	limiter *kv.SlotLimiter
	run     *models.Run
}

func newLoopHarness(t *testing.T, client llm.Client, cfg Config) *loopHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	kvClient := kv.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { _ = kvClient.Close() })
	limiter := kv.NewSlotLimiter(kvClient, 2, time.Minute)

	run := &models.Run{
		ID: "r1", ChatID: "c1", UserID: "u1",
		UserMessageID: "m1", AssistantMessageID: "m2",
		Status: models.RunStatusQueued, State: models.RunStateInit,
	}
	store := newMemRunStore(run)
	sink := &memSink{}
	driver := &toolDriver{stdout: "ok\n"}

	return &loopHarness{
		loop:    NewLoop(client, store, sink, limiter, cfg, slog.Default()),
		store:   store,
		sink:    sink,
		driver:  driver,
		client:  client,
		limiter: limiter,
		run:     run,
	}
}

func (h *loopHarness) input() Input {
	return Input{
		Run:      h.run,
		Prompt:   "build me a todo app",
		APIKey:   "sk-test",
		Model:    "test-model",
		Executor: newTestExecutor(h.driver, &fakeResolver{result: &build.ResolveResult{}}),
	}
}

func TestLoop_NoToolCalls(t *testing.T) {
	client := &scriptedLLM{
		turns: [][]llm.Chunk{
			append(textChunks("Hello, I can help", " with that."), llm.Chunk{Usage: &llm.Usage{InputTokens: 10, OutputTokens: 20}}),
		},
	}
	h := newLoopHarness(t, client, Config{})

	res, err := h.loop.Run(context.Background(), h.input())
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, res.Status)
	assert.Equal(t, models.StopReasonNoToolCalls, res.StopReason)
	assert.Equal(t, int64(10), res.InputTokens)
	assert.Equal(t, int64(20), res.OutputTokens)

	types := h.sink.types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.EventTypeMeta, types[0])
	assert.Contains(t, types, events.EventTypeText)
	assert.Contains(t, types, events.EventTypeMetrics)

	meta := h.sink.lastMeta()
	assert.Equal(t, events.PhaseSessionComplete, meta.Phase)
	assert.Equal(t, models.StopReasonNoToolCalls, meta.LoopStopReason)
	assert.Equal(t, models.RunStatusCompleted, h.store.completedStatus)
}

func TestLoop_CommandToolAndContinuation(t *testing.T) {
	client := &scriptedLLM{
		turns: [][]llm.Chunk{
			textChunks(`Checking. <edward_tool name="command">{"command":"ls","args":["src"]}</edward_tool>`),
			textChunks("src looks good, done."),
		},
	}
	h := newLoopHarness(t, client, Config{})

	res, err := h.loop.Run(context.Background(), h.input())
	require.NoError(t, err)
	assert.Equal(t, models.StopReasonNoToolCalls, res.StopReason)

	// The command ran against the sandbox and produced a command event.
	require.Len(t, h.driver.execs, 1)
	assert.Equal(t, []string{"ls", "src"}, h.driver.execs[0])
	assert.Contains(t, h.sink.types(), events.EventTypeCommand)

	// The second LLM call got the assistant turn plus the continuation.
	reqs := client.requests()
	require.Len(t, reqs, 2)
	msgs := reqs[1].Messages
	require.GreaterOrEqual(t, len(msgs), 3)
	assert.Equal(t, llm.RoleAssistant, msgs[len(msgs)-2].Role)
	last := msgs[len(msgs)-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.Contains(t, last.Content, "Tool results")
	assert.Contains(t, last.Content, "command")
}

func TestLoop_FileStreaming(t *testing.T) {
	client := &scriptedLLM{
		turns: [][]llm.Chunk{
			textChunks(
				`Here you go: <edward_sandbox project="todo"><file path="src/App.tsx">`,
				"export default ",
				"App",
				`</file></edward_sandbox>`,
			),
			textChunks("All files written."),
		},
	}
	h := newLoopHarness(t, client, Config{})

	res, err := h.loop.Run(context.Background(), h.input())
	require.NoError(t, err)

	assert.Equal(t, []string{"src/App.tsx"}, res.FilesWritten)
	assert.Equal(t, "export default App", h.driver.files["src/App.tsx"])

	types := h.sink.types()
	assert.Contains(t, types, events.EventTypeFileStart)
	assert.Contains(t, types, events.EventTypeFileContent)
	assert.Contains(t, types, events.EventTypeFileEnd)

	// Generate code reached done on the completed run.
	var genStatus models.PlanStepStatus
	for _, s := range res.Plan.Steps {
		if s.Title == StepGenerateCode {
			genStatus = s.Status
		}
	}
	assert.Equal(t, models.PlanStepDone, genStatus)
}

func TestLoop_ToolBudget(t *testing.T) {
	directive := `<edward_tool name="command">{"command":"ls","args":["%s"]}</edward_tool>`
	client := &scriptedLLM{
		turns: [][]llm.Chunk{
			textChunks(fmt.Sprintf(directive, "a") + fmt.Sprintf(directive, "b")),
		},
	}
	h := newLoopHarness(t, client, Config{MaxToolCallsPerRun: 2})

	res, err := h.loop.Run(context.Background(), h.input())
	require.NoError(t, err)

	assert.Equal(t, models.StopReasonToolBudget, res.StopReason)
	assert.Len(t, h.driver.execs, 2)
	assert.Len(t, client.requests(), 1)
	assert.Equal(t, models.StopReasonToolBudget, h.sink.lastMeta().LoopStopReason)
}

func TestLoop_TurnToolLimit(t *testing.T) {
	var text string
	for i := 0; i < 4; i++ {
		text += fmt.Sprintf(`<edward_tool name="command">{"command":"ls","args":["d%d"]}</edward_tool>`, i)
	}
	client := &scriptedLLM{turns: [][]llm.Chunk{textChunks(text)}}
	h := newLoopHarness(t, client, Config{MaxToolCallsPerTurn: 3})

	res, err := h.loop.Run(context.Background(), h.input())
	require.NoError(t, err)
	assert.Equal(t, models.StopReasonTurnToolLimit, res.StopReason)
	assert.Len(t, h.driver.execs, 3)
}

func TestLoop_TurnBudget(t *testing.T) {
	directive := `<edward_tool name="command">{"command":"pwd"}</edward_tool>`
	client := &scriptedLLM{
		turns: [][]llm.Chunk{
			textChunks(directive), textChunks(directive),
		},
	}
	h := newLoopHarness(t, client, Config{MaxTurns: 2})

	res, err := h.loop.Run(context.Background(), h.input())
	require.NoError(t, err)
	assert.Equal(t, models.StopReasonTurnBudget, res.StopReason)
	assert.Len(t, client.requests(), 2)
}

func TestLoop_RateLimited(t *testing.T) {
	client := &scriptedLLM{turns: [][]llm.Chunk{textChunks("never reached")}}
	h := newLoopHarness(t, client, Config{})

	// Exhaust the user's two slots up front.
	require.NoError(t, h.limiter.Acquire(context.Background(), "u1"))
	require.NoError(t, h.limiter.Acquire(context.Background(), "u1"))

	res, err := h.loop.Run(context.Background(), h.input())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, res.Status)
	assert.Equal(t, "rate_limited", res.TerminationReason)
	assert.Empty(t, client.requests())
	assert.Contains(t, h.sink.types(), events.EventTypeError)
}

func TestLoop_LLMFailure(t *testing.T) {
	client := &scriptedLLM{
		turns: [][]llm.Chunk{textChunks("partial out")},
		errs:  []error{fmt.Errorf("upstream 529")},
	}
	h := newLoopHarness(t, client, Config{})

	res, err := h.loop.Run(context.Background(), h.input())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, res.Status)
	assert.Equal(t, "llm_failure", res.TerminationReason)
	assert.Contains(t, h.sink.types(), events.EventTypeError)
	// Partial text still made it into the log.
	assert.Contains(t, h.sink.types(), events.EventTypeText)
}

func TestLoop_IdempotentReplay(t *testing.T) {
	input := json.RawMessage(`{"command":"ls","args":["src"]}`)
	client := &scriptedLLM{
		turns: [][]llm.Chunk{
			textChunks(`<edward_tool name="command">{"command":"ls","args":["src"]}</edward_tool>`),
			textChunks("done"),
		},
	}
	h := newLoopHarness(t, client, Config{})

	// Seed the stored outcome under the key the loop will derive.
	key := IdempotencyKey(0, ToolCommand, input)
	h.store.toolCalls[key] = &models.RunToolCall{
		ID: 99, RunID: "r1", ToolName: ToolCommand, IdempotencyKey: key,
		Input: input, Output: json.RawMessage(`{"exitCode":0,"stdout":"cached"}`),
		Status: models.ToolCallStatusCompleted,
	}

	_, err := h.loop.Run(context.Background(), h.input())
	require.NoError(t, err)

	// Replay: the command never re-executed, the cached output fed the
	// continuation.
	assert.Empty(t, h.driver.execs)
	reqs := client.requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[1].Messages[len(reqs[1].Messages)-1].Content, "cached")
}

// blockingLLM emits one text chunk, cancels the run's root context, and
// then ends the stream with the context error, the way a streaming
// client surfaces a cancellation between deltas.
type blockingLLM struct {
	cancel context.CancelFunc
}

func (b *blockingLLM) Stream(ctx context.Context, _ llm.Request) (<-chan llm.Chunk, <-chan error) {
	chunks := make(chan llm.Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(chunks)
		chunks <- llm.Chunk{Content: "working on it"}
		b.cancel()
		<-ctx.Done()
		errs <- ctx.Err()
	}()
	return chunks, errs
}

func TestLoop_CancelledMidStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newLoopHarness(t, &blockingLLM{cancel: cancel}, Config{})

	res, err := h.loop.Run(ctx, h.input())
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCancelled, res.Status)
	assert.Equal(t, models.StopReasonCancelled, res.StopReason)
	assert.Equal(t, "cancelled", res.TerminationReason)
	assert.Equal(t, models.RunStatusCancelled, h.store.completedStatus)
	assert.Equal(t, "cancelled", h.store.completedTerm)

	// The run still closed its own stream: partial text, then the
	// terminal meta event, both written despite the dead context.
	assert.Contains(t, h.sink.types(), events.EventTypeText)
	meta := h.sink.lastMeta()
	assert.Equal(t, events.PhaseSessionComplete, meta.Phase)
	assert.Equal(t, models.StopReasonCancelled, meta.LoopStopReason)
	assert.Equal(t, "cancelled", meta.TerminationReason)
}

func TestLoop_BudgetDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, config.MaxAgentTurns, cfg.MaxTurns)
	assert.Equal(t, config.MaxAgentToolCallsPerTurn, cfg.MaxToolCallsPerTurn)
	assert.Equal(t, config.DefaultMaxAgentToolCallsPerRun, cfg.MaxToolCallsPerRun)
	assert.Equal(t, config.MaxStreamDuration, cfg.MaxStreamDuration)
}

func TestLoop_ThinkingChunksBracketed(t *testing.T) {
	client := &scriptedLLM{
		turns: [][]llm.Chunk{{
			{Content: "let me think", IsThinking: true},
			{Content: " about this", IsThinking: true},
			{Content: "The answer is 42."},
		}},
	}
	h := newLoopHarness(t, client, Config{})

	_, err := h.loop.Run(context.Background(), h.input())
	require.NoError(t, err)

	types := h.sink.types()
	startIdx, endIdx, contentIdx := -1, -1, -1
	for i, typ := range types {
		switch typ {
		case events.EventTypeThinkingStart:
			startIdx = i
		case events.EventTypeThinkingContent:
			contentIdx = i
		case events.EventTypeThinkingEnd:
			endIdx = i
		}
	}
	require.GreaterOrEqual(t, startIdx, 0)
	assert.Greater(t, contentIdx, startIdx)
	assert.Greater(t, endIdx, contentIdx)
}
