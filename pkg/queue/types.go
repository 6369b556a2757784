// Package queue runs the persistent job queue: a pool of workers that
// claim build, backup, and cleanup jobs from Postgres with SKIP LOCKED,
// heartbeat while running, and retry failures on the per-type backoff
// curve. It also hosts the run executor that drives the agent loop for
// newly created runs.
package queue

import (
	"fmt"
	"time"

	"github.com/pragnya-works/edward/pkg/models"
)

// Per-type retry defaults.
const (
	buildMaxAttempts = 3
	buildBackoffBase = 2 * time.Second

	backupMaxAttempts = 2
	backupBackoffBase = time.Second

	cleanupMaxAttempts = 2
	cleanupDelay       = time.Second
)

// JobID builds the deterministic job identity. Re-enqueueing the same
// logical operation produces the same ID, which the insert dedupes.
func JobID(jobType models.JobType, sandboxID, suffix string) string {
	return fmt.Sprintf("%s-%s-%s", jobType, sandboxID, suffix)
}

// NewBuildJob creates a build job for the payload's build ID.
func NewBuildJob(payload models.JobPayload) *models.Job {
	payload.Type = models.JobTypeBuild
	return &models.Job{
		ID:          JobID(models.JobTypeBuild, payload.SandboxID, payload.BuildID),
		Type:        models.JobTypeBuild,
		Payload:     payload,
		MaxAttempts: buildMaxAttempts,
		Backoff:     models.BackoffExponential,
		BackoffBase: buildBackoffBase,
	}
}

// NewBackupJob creates a backup job. The suffix distinguishes logical
// backups of the same sandbox; callers pass the run or message ID.
func NewBackupJob(payload models.JobPayload, suffix string) *models.Job {
	payload.Type = models.JobTypeBackup
	return &models.Job{
		ID:          JobID(models.JobTypeBackup, payload.SandboxID, suffix),
		Type:        models.JobTypeBackup,
		Payload:     payload,
		MaxAttempts: backupMaxAttempts,
		Backoff:     models.BackoffFixed,
		BackoffBase: backupBackoffBase,
	}
}

// NewCleanupJob creates a cleanup job delayed by one second so callers
// racing the sandbox have a moment to finish.
func NewCleanupJob(payload models.JobPayload, reason string) *models.Job {
	payload.Type = models.JobTypeCleanup
	payload.Reason = reason
	return &models.Job{
		ID:          JobID(models.JobTypeCleanup, payload.SandboxID, reason),
		Type:        models.JobTypeCleanup,
		Payload:     payload,
		MaxAttempts: cleanupMaxAttempts,
		Backoff:     models.BackoffFixed,
		BackoffBase: cleanupDelay,
		RunAfter:    time.Now().Add(cleanupDelay),
	}
}

// Config tunes the worker pool. Zero values take the defaults.
type Config struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int

	// PollInterval is the idle sleep between claim attempts; each sleep
	// is jittered by up to PollJitter in either direction.
	PollInterval time.Duration
	PollJitter   time.Duration

	// HeartbeatInterval refreshes the claimed job's heartbeat.
	HeartbeatInterval time.Duration

	// JobTimeout bounds a single handler invocation.
	JobTimeout time.Duration

	// OrphanStaleAfter is the heartbeat age past which a running job is
	// considered abandoned; OrphanSweepInterval is how often to check.
	OrphanStaleAfter    time.Duration
	OrphanSweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.PollJitter < 0 {
		c.PollJitter = 0
	}
	if c.PollJitter == 0 {
		c.PollJitter = 250 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 15 * time.Minute
	}
	if c.OrphanStaleAfter <= 0 {
		c.OrphanStaleAfter = time.Minute
	}
	if c.OrphanSweepInterval <= 0 {
		c.OrphanSweepInterval = 30 * time.Second
	}
	return c
}
