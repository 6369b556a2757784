package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pragnya-works/edward/pkg/models"
)

const buildColumns = `id, chat_id, user_id, sandbox_id, message_id, status,
	error_log, preview_url, COALESCE(diagnostics, 'null'::jsonb), build_duration_ms,
	created_at, updated_at`

func scanBuild(row interface{ Scan(...any) error }) (*models.Build, error) {
	var b models.Build
	var diagnostics []byte
	err := row.Scan(
		&b.ID, &b.ChatID, &b.UserID, &b.SandboxID, &b.MessageID, &b.Status,
		&b.ErrorLog, &b.PreviewURL, &diagnostics, &b.BuildDuration,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(diagnostics) > 0 && string(diagnostics) != "null" {
		if err := json.Unmarshal(diagnostics, &b.Diagnostics); err != nil {
			return nil, fmt.Errorf("failed to decode build diagnostics: %w", err)
		}
	}
	return &b, nil
}

// CreateBuild records a new queued build.
func (s *Store) CreateBuild(ctx context.Context, chatID, userID, sandboxID, messageID string) (*models.Build, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO builds (id, chat_id, user_id, sandbox_id, message_id, status)
		VALUES ($1, $2, $3, $4, $5, 'queued')
		RETURNING `+buildColumns,
		uuid.NewString(), chatID, userID, sandboxID, messageID)
	b, err := scanBuild(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert build: %w", err)
	}
	return b, nil
}

// GetBuild fetches a build by ID.
func (s *Store) GetBuild(ctx context.Context, id string) (*models.Build, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1`, id)
	return scanBuild(row)
}

// LatestBuildForChat returns the newest build of a chat, or ErrNotFound.
func (s *Store) LatestBuildForChat(ctx context.Context, chatID string) (*models.Build, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+buildColumns+` FROM builds WHERE chat_id = $1 ORDER BY created_at DESC LIMIT 1`,
		chatID)
	return scanBuild(row)
}

// MarkBuildBuilding transitions a queued build into the building status.
func (s *Store) MarkBuildBuilding(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE builds SET status = 'building', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark build building: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishBuild writes the terminal result of a build. Diagnostics may be
// nil; a failed build keeps its error log and structured diagnostics.
func (s *Store) FinishBuild(ctx context.Context, id string, status models.BuildStatus, previewURL, errorLog string, diagnostics []models.BuildDiagnostic, durationMs int64) error {
	var diagJSON any
	if len(diagnostics) > 0 {
		b, err := json.Marshal(diagnostics)
		if err != nil {
			return fmt.Errorf("failed to encode build diagnostics: %w", err)
		}
		diagJSON = b
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE builds SET status = $2, preview_url = $3, error_log = $4,
			diagnostics = $5, build_duration_ms = $6, updated_at = now()
		WHERE id = $1`,
		id, status, previewURL, errorLog, diagJSON, durationMs)
	if err != nil {
		return fmt.Errorf("failed to finish build: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
