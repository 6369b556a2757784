package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pragnya-works/edward/pkg/models"
)

const toolCallColumns = `id, run_id, turn, tool_name, idempotency_key, input,
	COALESCE(output, 'null'::jsonb), status, error_message, duration_ms, created_at`

func scanToolCall(row interface{ Scan(...any) error }) (*models.RunToolCall, error) {
	var tc models.RunToolCall
	err := row.Scan(
		&tc.ID, &tc.RunID, &tc.Turn, &tc.ToolName, &tc.IdempotencyKey, &tc.Input,
		&tc.Output, &tc.Status, &tc.ErrorMessage, &tc.DurationMs, &tc.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &tc, nil
}

// BeginToolCall records a tool call before execution, keyed by its
// idempotency key. When a call with the same key already exists (a retried
// turn replaying the same tool call), the stored row is returned with
// created=false so the caller can reuse its output instead of re-executing.
func (s *Store) BeginToolCall(ctx context.Context, runID string, turn int, toolName, idempotencyKey string, input json.RawMessage) (tc *models.RunToolCall, created bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO run_tool_calls (run_id, turn, tool_name, idempotency_key, input)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, idempotency_key) DO NOTHING
		RETURNING `+toolCallColumns,
		runID, turn, toolName, idempotencyKey, input)

	tc, err = scanToolCall(row)
	if err == nil {
		return tc, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("failed to insert tool call: %w", err)
	}

	// Conflict: fetch the existing call.
	row = s.db.QueryRowContext(ctx,
		`SELECT `+toolCallColumns+` FROM run_tool_calls WHERE run_id = $1 AND idempotency_key = $2`,
		runID, idempotencyKey)
	tc, err = scanToolCall(row)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch existing tool call: %w", err)
	}
	return tc, false, nil
}

// FinishToolCall writes the outcome of an executed tool call.
func (s *Store) FinishToolCall(ctx context.Context, id int64, output json.RawMessage, status models.ToolCallStatus, errorMessage string, durationMs int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_tool_calls SET output = $2, status = $3, error_message = $4, duration_ms = $5
		WHERE id = $1`,
		id, output, status, errorMessage, durationMs)
	if err != nil {
		return fmt.Errorf("failed to finish tool call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountToolCalls returns how many tool calls the run has recorded, for
// budget enforcement across resumed turns.
func (s *Store) CountToolCalls(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_tool_calls WHERE run_id = $1`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count tool calls: %w", err)
	}
	return n, nil
}

// ToolCallsForRun lists a run's tool calls in execution order.
func (s *Store) ToolCallsForRun(ctx context.Context, runID string) ([]*models.RunToolCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+toolCallColumns+` FROM run_tool_calls WHERE run_id = $1 ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var calls []*models.RunToolCall
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}
