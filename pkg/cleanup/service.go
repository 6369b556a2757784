// Package cleanup enforces data retention in the background: stale runs
// are failed, and old run events and finished job rows are purged. All
// operations are idempotent and safe to run from multiple replicas.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/pragnya-works/edward/pkg/models"
)

const (
	defaultInterval      = 10 * time.Minute
	defaultEventTTL      = 7 * 24 * time.Hour
	defaultJobTTL        = 24 * time.Hour
	defaultStaleRunAfter = 10 * time.Minute
)

// RetentionStore is the persistence surface the service sweeps.
type RetentionStore interface {
	StaleRunsBefore(ctx context.Context, cutoff time.Time) ([]*models.Run, error)
	CompleteRun(ctx context.Context, id string, status models.RunStatus, state models.RunState, stopReason, terminationReason string) error
	PurgeRunEvents(ctx context.Context, olderThan time.Time) (int64, error)
	PurgeTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error)
}

// Config tunes the retention windows. Zero values take defaults.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration

	// EventTTL is how long terminal runs keep their event log.
	EventTTL time.Duration

	// JobTTL is how long finished job rows are kept for inspection.
	JobTTL time.Duration

	// StaleRunAfter is how long a running run may go without a
	// heartbeat (updated_at) before it is declared dead.
	StaleRunAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.EventTTL <= 0 {
		c.EventTTL = defaultEventTTL
	}
	if c.JobTTL <= 0 {
		c.JobTTL = defaultJobTTL
	}
	if c.StaleRunAfter <= 0 {
		c.StaleRunAfter = defaultStaleRunAfter
	}
	return c
}

// Service is the periodic retention sweeper.
type Service struct {
	store  RetentionStore
	cfg    Config
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a stopped retention service.
func NewService(store RetentionStore, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "cleanup"),
	}
}

// Start launches the background sweep loop. Calling Start twice is a
// no-op.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("retention service started",
		"interval", s.cfg.Interval,
		"event_ttl", s.cfg.EventTTL,
		"job_ttl", s.cfg.JobTTL,
		"stale_run_after", s.cfg.StaleRunAfter)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs every retention task once.
func (s *Service) Sweep(ctx context.Context) {
	s.failStaleRuns(ctx)
	s.purgeRunEvents(ctx)
	s.purgeTerminalJobs(ctx)
}

// failStaleRuns finalizes runs whose owner process died mid-flight. The
// run row's updated_at acts as the heartbeat; it is bumped on every
// event append.
func (s *Service) failStaleRuns(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.StaleRunAfter)
	runs, err := s.store.StaleRunsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("stale run query failed", "error", err)
		return
	}
	for _, run := range runs {
		err := s.store.CompleteRun(ctx, run.ID, models.RunStatusFailed, models.RunStateFailed,
			models.StopReasonError, "stale")
		if err != nil {
			s.logger.Error("failed to finalize stale run", "run_id", run.ID, "error", err)
			continue
		}
		s.logger.Warn("finalized stale run", "run_id", run.ID, "chat_id", run.ChatID,
			"last_update", run.UpdatedAt)
	}
}

func (s *Service) purgeRunEvents(ctx context.Context) {
	count, err := s.store.PurgeRunEvents(ctx, time.Now().Add(-s.cfg.EventTTL))
	if err != nil {
		s.logger.Error("run event purge failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("purged run events", "count", count)
	}
}

func (s *Service) purgeTerminalJobs(ctx context.Context) {
	count, err := s.store.PurgeTerminalJobs(ctx, time.Now().Add(-s.cfg.JobTTL))
	if err != nil {
		s.logger.Error("job purge failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("purged finished jobs", "count", count)
	}
}
