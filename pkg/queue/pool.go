package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pragnya-works/edward/pkg/models"
)

// OrphanStore requeues running jobs whose worker stopped heartbeating.
type OrphanStore interface {
	RequeueOrphanJobs(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// Pool runs a fixed set of workers plus the orphan sweep, and tracks
// cancel functions for in-flight runs so the API can cancel them.
type Pool struct {
	nodeID   string
	store    JobStore
	orphans  OrphanStore
	handlers map[models.JobType]Handler
	cfg      Config
	logger   *slog.Logger

	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu         sync.RWMutex
	activeRuns map[string]context.CancelFunc
	started    bool
}

// NewPool wires a worker pool. The nodeID namespaces worker claim IDs
// across processes.
func NewPool(nodeID string, jobStore JobStore, orphans OrphanStore, handlers map[models.JobType]Handler, cfg Config, logger *slog.Logger) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		nodeID:     nodeID,
		store:      jobStore,
		orphans:    orphans,
		handlers:   handlers,
		cfg:        cfg,
		logger:     logger.With("component", "queue.pool", "node_id", nodeID),
		workers:    make([]*Worker, 0, cfg.Concurrency),
		stopCh:     make(chan struct{}),
		activeRuns: make(map[string]context.CancelFunc),
	}
}

// Start spawns the workers and the orphan sweep. Duplicate calls are
// no-ops.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		p.logger.Warn("pool already started")
		return
	}
	p.started = true
	p.mu.Unlock()

	p.logger.Info("starting worker pool", "concurrency", p.cfg.Concurrency)
	for i := 0; i < p.cfg.Concurrency; i++ {
		worker := NewWorker(fmt.Sprintf("%s-worker-%d", p.nodeID, i), p.store, p.handlers, p.cfg, p.logger)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	if p.orphans != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runOrphanSweep(ctx)
		}()
	}
}

// Stop drains the pool: workers finish their current jobs, the sweep
// exits, and any still-registered runs are cancelled.
func (p *Pool) Stop() {
	p.logger.Info("stopping worker pool")

	for _, worker := range p.workers {
		worker.Stop()
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.activeRuns))
	for _, cancel := range p.activeRuns {
		cancels = append(cancels, cancel)
	}
	p.activeRuns = make(map[string]context.CancelFunc)
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	p.logger.Info("worker pool stopped")
}

// RegisterRun records a run's cancel function for API-triggered
// cancellation.
func (p *Pool) RegisterRun(runID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeRuns[runID] = cancel
}

// UnregisterRun removes a run's cancel function once it finishes.
func (p *Pool) UnregisterRun(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeRuns, runID)
}

// CancelRun cancels a run executing on this node. Reports whether the
// run was found here.
func (p *Pool) CancelRun(runID string) bool {
	p.mu.RLock()
	cancel, ok := p.activeRuns[runID]
	p.mu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

// ActiveRuns returns the IDs of runs currently executing on this node.
func (p *Pool) ActiveRuns() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeRuns))
	for id := range p.activeRuns {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pool) runOrphanSweep(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.OrphanSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.orphans.RequeueOrphanJobs(ctx, p.cfg.OrphanStaleAfter)
			if err != nil {
				p.logger.Error("orphan sweep failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Warn("requeued orphaned jobs", "count", n)
			}
		}
	}
}
