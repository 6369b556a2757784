package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pragnya-works/edward/pkg/database"
	"github.com/pragnya-works/edward/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping store integration test in short mode")
	}
	client := database.NewTestClient(t)
	return New(client.DB())
}

func createTestRun(t *testing.T, s *Store, chatID, userID string) *models.Run {
	t.Helper()
	run, err := s.CreateRun(context.Background(), models.CreateRunRequest{
		ChatID:        chatID,
		UserID:        userID,
		UserMessageID: "msg-1",
		Prompt:        "build me a landing page",
	}, 10)
	require.NoError(t, err)
	return run
}

func TestCreateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("creates a queued run with an assistant message id", func(t *testing.T) {
		run := createTestRun(t, s, "chat-1", "user-1")
		assert.Equal(t, models.RunStatusQueued, run.Status)
		assert.Equal(t, models.RunStateInit, run.State)
		assert.NotEmpty(t, run.AssistantMessageID)
		assert.EqualValues(t, 0, run.NextEventSeq)
	})

	t.Run("rejects missing fields", func(t *testing.T) {
		_, err := s.CreateRun(ctx, models.CreateRunRequest{UserID: "u", Prompt: "p"}, 10)
		assert.True(t, IsValidationError(err))
		_, err = s.CreateRun(ctx, models.CreateRunRequest{ChatID: "c", UserID: "u"}, 10)
		assert.True(t, IsValidationError(err))
	})

	t.Run("enforces the active run cap per user", func(t *testing.T) {
		req := models.CreateRunRequest{ChatID: "chat-cap", UserID: "user-cap", Prompt: "p"}
		_, err := s.CreateRun(ctx, req, 2)
		require.NoError(t, err)
		_, err = s.CreateRun(ctx, req, 2)
		require.NoError(t, err)

		_, err = s.CreateRun(ctx, req, 2)
		assert.ErrorIs(t, err, ErrTooManyActiveRuns)
	})

	t.Run("terminal runs do not count against the cap", func(t *testing.T) {
		req := models.CreateRunRequest{ChatID: "chat-cap2", UserID: "user-cap2", Prompt: "p"}
		run, err := s.CreateRun(ctx, req, 1)
		require.NoError(t, err)

		_, err = s.CreateRun(ctx, req, 1)
		require.ErrorIs(t, err, ErrTooManyActiveRuns)

		require.NoError(t, s.CompleteRun(ctx, run.ID, models.RunStatusCompleted,
			models.RunStateComplete, models.StopReasonNoToolCalls, ""))

		_, err = s.CreateRun(ctx, req, 1)
		assert.NoError(t, err)
	})
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("queued to running to completed", func(t *testing.T) {
		run := createTestRun(t, s, "chat-lc", "user-lc")

		started, err := s.MarkRunStarted(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusRunning, started.Status)
		assert.NotNil(t, started.StartedAt)

		require.NoError(t, s.SetRunState(ctx, run.ID, models.RunStateToolExec, 2))

		require.NoError(t, s.CompleteRun(ctx, run.ID, models.RunStatusCompleted,
			models.RunStateComplete, models.StopReasonNoToolCalls, ""))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.True(t, got.Terminal())
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("completing a terminal run is rejected", func(t *testing.T) {
		run := createTestRun(t, s, "chat-term", "user-term")
		require.NoError(t, s.CompleteRun(ctx, run.ID, models.RunStatusFailed,
			models.RunStateFailed, models.StopReasonError, "llm stream error"))

		err := s.CompleteRun(ctx, run.ID, models.RunStatusCompleted,
			models.RunStateComplete, models.StopReasonNoToolCalls, "")
		assert.ErrorIs(t, err, ErrRunTerminal)
	})

	t.Run("starting a cancelled run is rejected", func(t *testing.T) {
		run := createTestRun(t, s, "chat-cx", "user-cx")
		wasActive, err := s.RequestCancel(ctx, run.ID)
		require.NoError(t, err)
		assert.True(t, wasActive)

		_, err = s.MarkRunStarted(ctx, run.ID)
		assert.ErrorIs(t, err, ErrRunTerminal)
	})

	t.Run("cancel of a terminal run reports inactive", func(t *testing.T) {
		run := createTestRun(t, s, "chat-cx2", "user-cx2")
		require.NoError(t, s.CompleteRun(ctx, run.ID, models.RunStatusCompleted,
			models.RunStateComplete, models.StopReasonNoToolCalls, ""))

		wasActive, err := s.RequestCancel(ctx, run.ID)
		require.NoError(t, err)
		assert.False(t, wasActive)
	})

	t.Run("missing run", func(t *testing.T) {
		_, err := s.GetRun(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestToolCalls(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, s, "chat-tc", "user-tc")

	input := json.RawMessage(`{"command":"ls -la"}`)

	t.Run("first begin creates, replay returns the stored call", func(t *testing.T) {
		tc, created, err := s.BeginToolCall(ctx, run.ID, 1, "command", "key-1", input)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, models.ToolCallStatusRunning, tc.Status)

		require.NoError(t, s.FinishToolCall(ctx, tc.ID,
			json.RawMessage(`{"exit_code":0}`), models.ToolCallStatusCompleted, "", 120))

		replay, created, err := s.BeginToolCall(ctx, run.ID, 1, "command", "key-1", input)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, tc.ID, replay.ID)
		assert.Equal(t, models.ToolCallStatusCompleted, replay.Status)
		assert.JSONEq(t, `{"exit_code":0}`, string(replay.Output))
	})

	t.Run("count covers all recorded calls", func(t *testing.T) {
		_, _, err := s.BeginToolCall(ctx, run.ID, 2, "install_packages", "key-2", input)
		require.NoError(t, err)

		n, err := s.CountToolCalls(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}

func TestBuilds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, err := s.CreateBuild(ctx, "chat-b", "user-b", "sbx-1", "msg-1")
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusQueued, b.Status)

	require.NoError(t, s.MarkBuildBuilding(ctx, b.ID))

	diags := []models.BuildDiagnostic{{Tool: "tsc", File: "src/App.tsx", Line: 10, Col: 5, Code: "TS2304", Message: "Cannot find name 'foo'."}}
	require.NoError(t, s.FinishBuild(ctx, b.ID, models.BuildStatusFailed, "", "tsc exited 2", diags, 4200))

	got, err := s.LatestBuildForChat(ctx, "chat-b")
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusFailed, got.Status)
	assert.Equal(t, "tsc exited 2", got.ErrorLog)
	require.Len(t, got.Diagnostics, 1)
	assert.Equal(t, "TS2304", got.Diagnostics[0].Code)
	assert.EqualValues(t, 4200, got.BuildDuration)
}

func TestJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	newJob := func(id string) *models.Job {
		return &models.Job{
			ID:          id,
			Type:        models.JobTypeBuild,
			Payload:     models.JobPayload{Type: models.JobTypeBuild, SandboxID: "sbx-1", UserID: "user-j", ChatID: "chat-j"},
			MaxAttempts: 3,
			Backoff:     models.BackoffExponential,
			BackoffBase: 2 * time.Second,
		}
	}

	t.Run("deterministic ids dedupe enqueues", func(t *testing.T) {
		inserted, err := s.EnqueueJob(ctx, newJob("build-sbx-1-msg-1"))
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = s.EnqueueJob(ctx, newJob("build-sbx-1-msg-1"))
		require.NoError(t, err)
		assert.False(t, inserted)
	})

	t.Run("claim marks running and counts the attempt", func(t *testing.T) {
		job, err := s.ClaimJob(ctx, []models.JobType{models.JobTypeBuild}, "worker-1")
		require.NoError(t, err)
		assert.Equal(t, "build-sbx-1-msg-1", job.ID)
		assert.Equal(t, models.JobStatusRunning, job.Status)
		assert.Equal(t, 1, job.Attempts)
		assert.Equal(t, "worker-1", job.ClaimedBy)

		// Nothing else claimable.
		_, err = s.ClaimJob(ctx, []models.JobType{models.JobTypeBuild}, "worker-2")
		assert.ErrorIs(t, err, ErrNoJobsAvailable)

		require.NoError(t, s.CompleteJob(ctx, job.ID))
	})

	t.Run("failure requeues with backoff until attempts are exhausted", func(t *testing.T) {
		_, err := s.EnqueueJob(ctx, newJob("build-sbx-1-msg-2"))
		require.NoError(t, err)

		job, err := s.ClaimJob(ctx, []models.JobType{models.JobTypeBuild}, "worker-1")
		require.NoError(t, err)

		retrying, err := s.FailJob(ctx, job, assert.AnError)
		require.NoError(t, err)
		assert.True(t, retrying)

		// Backed off into the future, so not claimable yet.
		_, err = s.ClaimJob(ctx, []models.JobType{models.JobTypeBuild}, "worker-1")
		assert.ErrorIs(t, err, ErrNoJobsAvailable)

		// Exhaust the remaining attempts directly.
		job.Attempts = job.MaxAttempts
		retrying, err = s.FailJob(ctx, job, assert.AnError)
		require.NoError(t, err)
		assert.False(t, retrying)
	})

	t.Run("claim filters by type", func(t *testing.T) {
		cleanup := newJob("cleanup-sbx-9")
		cleanup.Type = models.JobTypeCleanup
		cleanup.Payload.Type = models.JobTypeCleanup
		_, err := s.EnqueueJob(ctx, cleanup)
		require.NoError(t, err)

		_, err = s.ClaimJob(ctx, []models.JobType{models.JobTypeBackup}, "worker-1")
		assert.ErrorIs(t, err, ErrNoJobsAvailable)

		job, err := s.ClaimJob(ctx, []models.JobType{models.JobTypeCleanup}, "worker-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobTypeCleanup, job.Type)
		require.NoError(t, s.CompleteJob(ctx, job.ID))
	})

	t.Run("orphaned running jobs are requeued", func(t *testing.T) {
		_, err := s.EnqueueJob(ctx, newJob("build-sbx-1-msg-3"))
		require.NoError(t, err)
		job, err := s.ClaimJob(ctx, []models.JobType{models.JobTypeBuild}, "worker-dead")
		require.NoError(t, err)

		// Age the heartbeat past the cutoff.
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET heartbeat_at = now() - interval '10 minutes' WHERE id = $1`, job.ID)
		require.NoError(t, err)

		n, err := s.RequeueOrphanJobs(ctx, 5*time.Minute)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		reclaimed, err := s.ClaimJob(ctx, []models.JobType{models.JobTypeBuild}, "worker-alive")
		require.NoError(t, err)
		assert.Equal(t, job.ID, reclaimed.ID)
		assert.Equal(t, 2, reclaimed.Attempts)
	})
}

func TestRetention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("purges events of terminal runs only", func(t *testing.T) {
		done := createTestRun(t, s, "chat-ret-1", "user-ret")
		active := createTestRun(t, s, "chat-ret-2", "user-ret2")
		require.NoError(t, s.CompleteRun(ctx, done.ID,
			models.RunStatusCompleted, models.RunStateComplete, models.StopReasonNoToolCalls, ""))

		insertEvent := func(runID string) {
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO run_events (run_id, seq, event_type, event, created_at)
				VALUES ($1, 0, 'text', '{"content":"x"}', now() - interval '8 days')`, runID)
			require.NoError(t, err)
		}
		insertEvent(done.ID)
		insertEvent(active.ID)

		n, err := s.PurgeRunEvents(ctx, time.Now().Add(-7*24*time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		// The active run's log survives regardless of age.
		var remaining int
		require.NoError(t, s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM run_events WHERE run_id = $1`, active.ID).Scan(&remaining))
		assert.Equal(t, 1, remaining)
	})

	t.Run("purges finished jobs, keeps pending ones", func(t *testing.T) {
		oldJob := &models.Job{
			ID: "cleanup-ret-1", Type: models.JobTypeCleanup,
			Payload:     models.JobPayload{Type: models.JobTypeCleanup, SandboxID: "sbx-r", UserID: "user-ret"},
			MaxAttempts: 2,
		}
		_, err := s.EnqueueJob(ctx, oldJob)
		require.NoError(t, err)
		pending := &models.Job{
			ID: "cleanup-ret-2", Type: models.JobTypeCleanup,
			Payload:     models.JobPayload{Type: models.JobTypeCleanup, SandboxID: "sbx-r", UserID: "user-ret"},
			MaxAttempts: 2,
		}
		_, err = s.EnqueueJob(ctx, pending)
		require.NoError(t, err)

		_, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'completed', updated_at = now() - interval '2 days'
			WHERE id = $1`, oldJob.ID)
		require.NoError(t, err)

		n, err := s.PurgeTerminalJobs(ctx, time.Now().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		var remaining int
		require.NoError(t, s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE id = $1`, pending.ID).Scan(&remaining))
		assert.Equal(t, 1, remaining)
	})
}
