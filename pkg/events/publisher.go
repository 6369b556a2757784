package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pragnya-works/edward/pkg/masking"
	"github.com/pragnya-works/edward/pkg/models"
)

// notifyLimit is the usable portion of PostgreSQL's 8000-byte NOTIFY
// payload limit. Larger envelopes are truncated to routing fields only;
// subscribers fetch the full row by seq.
const notifyLimit = 7900

// Notification is the envelope delivered over NOTIFY. When Truncated is
// set, Event is absent and must be fetched from the event log by seq.
type Notification struct {
	Channel   string          `json:"channel"`
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	EventType string          `json:"event_type"`
	Event     json.RawMessage `json:"event,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
}

// Publisher appends run events to the persistent log and broadcasts them
// via NOTIFY. The seq claim, the event row insert, and pg_notify all run
// in one transaction, so a delivered notification always refers to a
// committed row and the per-run sequence is gapless.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a Publisher over the shared connection pool.
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// Publish appends one event to the run's log and notifies subscribers.
// Returns the seq assigned to the event.
func (p *Publisher) Publish(ctx context.Context, runID string, event StreamEvent) (int64, error) {
	payload, err := Marshal(event)
	if err != nil {
		return 0, err
	}
	// Events are client-visible and long-lived; secret-bearing fields
	// never reach the log.
	payload = masking.RedactJSON(payload)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Claim the next seq on the run row. The row lock this takes also
	// serializes concurrent appends for the run.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`UPDATE runs SET next_event_seq = next_event_seq + 1, updated_at = now()
		 WHERE id = $1 RETURNING next_event_seq - 1`, runID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to claim event seq for run %s: %w", runID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, event_type, event) VALUES ($1, $2, $3, $4)`,
		runID, seq, event.EventType(), payload)
	if err != nil {
		return 0, fmt.Errorf("failed to persist event: %w", err)
	}

	notifyPayload, err := buildNotifyPayload(runID, seq, event.EventType(), payload)
	if err != nil {
		return 0, err
	}

	// pg_notify within the same transaction is held until COMMIT.
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", PGNotifyChannel, notifyPayload); err != nil {
		return 0, fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return seq, nil
}

// buildNotifyPayload wraps the event in its routing envelope, falling
// back to a truncated envelope when it exceeds the NOTIFY limit.
func buildNotifyPayload(runID string, seq int64, eventType string, eventJSON []byte) (string, error) {
	n := Notification{
		Channel:   RunChannel(runID),
		RunID:     runID,
		Seq:       seq,
		EventType: eventType,
		Event:     eventJSON,
	}
	full, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("failed to marshal notify envelope: %w", err)
	}
	if len(full) <= notifyLimit {
		return string(full), nil
	}

	n.Event = nil
	n.Truncated = true
	truncated, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated notify envelope: %w", err)
	}
	return string(truncated), nil
}

// EventsAfter returns up to limit persisted events of a run with seq
// strictly greater than afterSeq, in ascending seq order. Used for SSE
// catch-up replay and truncated-notification resolution.
func (p *Publisher) EventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]models.RunEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, run_id, seq, event_type, event, created_at
		FROM run_events
		WHERE run_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events after seq %d: %w", afterSeq, err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.RunEvent
	for rows.Next() {
		var e models.RunEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.Seq, &e.EventType, &e.Event, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
