package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pragnya-works/edward/pkg/models"
)

type fakeOrphanStore struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeOrphanStore) RequeueOrphanJobs(context.Context, time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 0, nil
}

func TestPoolProcessesAcrossWorkers(t *testing.T) {
	jobs := newMemJobStore(
		testJob("cleanup-sb1-a", models.JobTypeCleanup),
		testJob("cleanup-sb2-a", models.JobTypeCleanup),
		testJob("cleanup-sb3-a", models.JobTypeCleanup),
	)

	var handled atomic.Int32
	handlers := map[models.JobType]Handler{
		models.JobTypeCleanup: HandlerFunc(func(context.Context, *models.Job) error {
			handled.Add(1)
			return nil
		}),
	}

	cfg := fastConfig()
	cfg.Concurrency = 2
	pool := NewPool("node1", jobs, &fakeOrphanStore{}, handlers, cfg, testLogger())
	pool.Start(context.Background())
	defer pool.Stop()

	waitFor(t, func() bool { return handled.Load() == 3 })
	waitFor(t, func() bool {
		completed, _ := jobs.snapshot()
		return len(completed) == 3
	})
}

func TestPoolOrphanSweep(t *testing.T) {
	orphans := &fakeOrphanStore{}
	pool := NewPool("node1", newMemJobStore(), orphans, nil, fastConfig(), testLogger())
	pool.Start(context.Background())
	defer pool.Stop()

	waitFor(t, func() bool {
		orphans.mu.Lock()
		defer orphans.mu.Unlock()
		return orphans.calls >= 2
	})
}

func TestPoolRunRegistry(t *testing.T) {
	pool := NewPool("node1", newMemJobStore(), nil, nil, fastConfig(), testLogger())

	var cancelled atomic.Bool
	pool.RegisterRun("r1", func() { cancelled.Store(true) })
	assert.Equal(t, []string{"r1"}, pool.ActiveRuns())

	assert.False(t, pool.CancelRun("missing"))
	assert.True(t, pool.CancelRun("r1"))
	assert.True(t, cancelled.Load())

	pool.UnregisterRun("r1")
	assert.Empty(t, pool.ActiveRuns())
}

func TestPoolStopCancelsRemainingRuns(t *testing.T) {
	pool := NewPool("node1", newMemJobStore(), nil, map[models.JobType]Handler{}, fastConfig(), testLogger())
	pool.Start(context.Background())

	var cancelled atomic.Bool
	pool.RegisterRun("r1", func() { cancelled.Store(true) })

	pool.Stop()
	assert.True(t, cancelled.Load())
	assert.Empty(t, pool.ActiveRuns())
}
