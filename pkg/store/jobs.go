package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pragnya-works/edward/pkg/models"
)

// ErrNoJobsAvailable is returned by ClaimJob when no claimable job exists.
var ErrNoJobsAvailable = errors.New("no jobs available")

const jobColumns = `id, type, payload, status, attempts, max_attempts, backoff,
	backoff_base_ms, run_after, claimed_by, heartbeat_at, last_error, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*models.Job, error) {
	var j models.Job
	var payload []byte
	var backoffBaseMs int64
	var heartbeatAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Type, &payload, &j.Status, &j.Attempts, &j.MaxAttempts, &j.Backoff,
		&backoffBaseMs, &j.RunAfter, &j.ClaimedBy, &heartbeatAt, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(payload, &j.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode job payload: %w", err)
	}
	j.BackoffBase = time.Duration(backoffBaseMs) * time.Millisecond
	if heartbeatAt.Valid {
		j.HeartbeatAt = &heartbeatAt.Time
	}
	return &j, nil
}

// EnqueueJob inserts a job. Job IDs are deterministic per logical
// operation, so enqueueing the same work twice is a no-op; the return
// value reports whether a new row was created.
func (s *Store) EnqueueJob(ctx context.Context, job *models.Job) (inserted bool, err error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to encode job payload: %w", err)
	}
	runAfter := job.RunAfter
	if runAfter.IsZero() {
		runAfter = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload, max_attempts, backoff, backoff_base_ms, run_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, job.Type, payload, job.MaxAttempts, job.Backoff,
		job.BackoffBase.Milliseconds(), runAfter)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClaimJob atomically claims the oldest due pending job of the given types
// using FOR UPDATE SKIP LOCKED, marks it running, and increments its
// attempt counter.
func (s *Store) ClaimJob(ctx context.Context, types []models.JobType, claimedBy string) (*models.Job, error) {
	if len(types) == 0 {
		return nil, ErrNoJobsAvailable
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	typeNames := make([]string, len(types))
	for i, t := range types {
		typeNames[i] = string(t)
	}
	typesJSON, _ := json.Marshal(typeNames)

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE status = 'pending' AND run_after <= now()
		  AND type IN (SELECT jsonb_array_elements_text($1::jsonb))
		ORDER BY run_after ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, typesJSON).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoJobsAvailable
		}
		return nil, fmt.Errorf("failed to query pending job: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'running', claimed_by = $2, attempts = attempts + 1,
			heartbeat_at = now(), updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns, id, claimedBy)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return job, nil
}

// HeartbeatJob refreshes a running job's heartbeat for orphan detection.
func (s *Store) HeartbeatJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = now(), updated_at = now() WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return fmt.Errorf("heartbeat update failed: %w", err)
	}
	return nil
}

// CompleteJob marks a running job completed.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', claimed_by = '', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. When attempts remain, the job goes
// back to pending with run_after pushed out by the job's backoff curve;
// otherwise it is marked failed permanently. Returns whether the job will
// be retried.
func (s *Store) FailJob(ctx context.Context, job *models.Job, jobErr error) (retrying bool, err error) {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	if job.Attempts >= job.MaxAttempts {
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'failed', last_error = $2, claimed_by = '', updated_at = now()
			WHERE id = $1`, job.ID, msg)
		if err != nil {
			return false, fmt.Errorf("failed to mark job failed: %w", err)
		}
		return false, nil
	}

	delay := job.BackoffBase
	if job.Backoff == models.BackoffExponential && job.Attempts > 1 {
		delay = job.BackoffBase << (job.Attempts - 1)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', last_error = $2, claimed_by = '',
			run_after = now() + $3 * interval '1 millisecond', updated_at = now()
		WHERE id = $1`, job.ID, msg, delay.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("failed to requeue job: %w", err)
	}
	return true, nil
}

// RequeueOrphanJobs returns running jobs whose heartbeat is older than
// the cutoff back to pending so another worker can pick them up. The
// attempt already counted stays counted.
func (s *Store) RequeueOrphanJobs(ctx context.Context, staleAfter time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', claimed_by = '', heartbeat_at = NULL,
			last_error = 'orphaned: worker heartbeat lost', updated_at = now()
		WHERE status = 'running' AND heartbeat_at < now() - $1 * interval '1 millisecond'`,
		staleAfter.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue orphan jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
