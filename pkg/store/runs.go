package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pragnya-works/edward/pkg/models"
)

const runColumns = `id, chat_id, user_id, user_message_id, assistant_message_id, model,
	status, state, current_turn, loop_stop_reason, termination_reason, next_event_seq,
	created_at, updated_at, started_at, completed_at`

func scanRun(row interface{ Scan(...any) error }) (*models.Run, error) {
	var r models.Run
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.ChatID, &r.UserID, &r.UserMessageID, &r.AssistantMessageID, &r.Model,
		&r.Status, &r.State, &r.CurrentTurn, &r.LoopStopReason, &r.TerminationReason, &r.NextEventSeq,
		&r.CreatedAt, &r.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return &r, nil
}

// CreateRun inserts a new queued run after enforcing the per-user active
// run cap. The admission check and insert run under a transaction-scoped
// advisory lock keyed by the user, so two concurrent creates for the same
// user cannot both pass the count.
func (s *Store) CreateRun(ctx context.Context, req models.CreateRunRequest, maxActive int) (*models.Run, error) {
	if strings.TrimSpace(req.ChatID) == "" {
		return nil, NewValidationError("chat_id", "required")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, NewValidationError("user_id", "required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, NewValidationError("prompt", "required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "runs:"+req.UserID); err != nil {
		return nil, fmt.Errorf("failed to take admission lock: %w", err)
	}

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE user_id = $1 AND status IN ('queued', 'running')`,
		req.UserID).Scan(&active)
	if err != nil {
		return nil, fmt.Errorf("failed to count active runs: %w", err)
	}
	if active >= maxActive {
		return nil, ErrTooManyActiveRuns
	}

	// The assistant message is allocated up front so clients can render a
	// placeholder before the first event arrives.
	id := uuid.NewString()
	assistantMessageID := uuid.NewString()
	row := tx.QueryRowContext(ctx, `
		INSERT INTO runs (id, chat_id, user_id, user_message_id, assistant_message_id, model, status, state)
		VALUES ($1, $2, $3, $4, $5, $6, 'queued', 'INIT')
		RETURNING `+runColumns,
		id, req.ChatID, req.UserID, req.UserMessageID, assistantMessageID, req.Model)
	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit run creation: %w", err)
	}
	return run, nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

// MarkRunStarted transitions a queued run to running and stamps started_at.
// Returns ErrRunTerminal when the run was cancelled before it started.
func (s *Store) MarkRunStarted(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE runs SET status = 'running', state = 'LLM_STREAM', started_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'queued'
		RETURNING `+runColumns, id)
	run, err := scanRun(row)
	if errors.Is(err, ErrNotFound) {
		// Distinguish a missing run from one that already left 'queued'.
		if _, gerr := s.GetRun(ctx, id); gerr == nil {
			return nil, ErrRunTerminal
		}
		return nil, ErrNotFound
	}
	return run, err
}

// SetRunState updates the loop state and current turn of a running run.
func (s *Store) SetRunState(ctx context.Context, id string, state models.RunState, currentTurn int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = $2, current_turn = $3, updated_at = now() WHERE id = $1`,
		id, state, currentTurn)
	if err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteRun writes the terminal status of a run. It never downgrades a
// run that is already terminal.
func (s *Store) CompleteRun(ctx context.Context, id string, status models.RunStatus, state models.RunState, stopReason, terminationReason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, state = $3, loop_stop_reason = $4, termination_reason = $5,
			completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')`,
		id, status, state, stopReason, terminationReason)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := s.GetRun(ctx, id); gerr != nil {
			return ErrNotFound
		}
		return ErrRunTerminal
	}
	return nil
}

// RequestCancel marks a non-terminal run cancelled. A queued run is
// finalized immediately; a running run keeps status 'running' and relies
// on the agent loop observing the cancel flag, so this returns whether
// the run was still active.
func (s *Store) RequestCancel(ctx context.Context, id string) (wasActive bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = 'cancelled', state = 'CANCELLED',
			termination_reason = 'cancelled', completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'queued'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel queued run: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	run, err := s.GetRun(ctx, id)
	if err != nil {
		return false, err
	}
	return !run.Terminal(), nil
}

// ActiveRunForChat returns the newest non-terminal run for a chat, or
// ErrNotFound.
func (s *Store) ActiveRunForChat(ctx context.Context, chatID string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE chat_id = $1 AND status IN ('queued', 'running')
		ORDER BY created_at DESC LIMIT 1`, chatID)
	return scanRun(row)
}

// StaleRunsBefore lists running runs whose updated_at is older than the
// cutoff, used by the orphan sweeper after a process crash.
func (s *Store) StaleRunsBefore(ctx context.Context, cutoff time.Time) ([]*models.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status = 'running' AND updated_at < $1
		ORDER BY updated_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
