package store

import (
	"context"
	"fmt"
	"time"
)

// PurgeRunEvents deletes event rows of terminal runs created before the
// cutoff. Events of active runs are never touched, whatever their age:
// a resuming client must always be able to replay the full log.
func (s *Store) PurgeRunEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM run_events
		WHERE created_at < $1
		  AND run_id IN (
			SELECT id FROM runs WHERE status IN ('completed', 'failed', 'cancelled')
		  )`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge run events: %w", err)
	}
	return res.RowsAffected()
}

// PurgeTerminalJobs deletes completed and permanently failed job rows
// last touched before the cutoff. Pending and running jobs are kept.
func (s *Store) PurgeTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed') AND updated_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal jobs: %w", err)
	}
	return res.RowsAffected()
}
