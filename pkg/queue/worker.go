package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pragnya-works/edward/pkg/models"
	"github.com/pragnya-works/edward/pkg/store"
)

// JobStore is the persistence surface a worker needs.
type JobStore interface {
	ClaimJob(ctx context.Context, types []models.JobType, claimedBy string) (*models.Job, error)
	HeartbeatJob(ctx context.Context, id string) error
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, job *models.Job, jobErr error) (retrying bool, err error)
}

// Handler processes one claimed job.
type Handler interface {
	Handle(ctx context.Context, job *models.Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *models.Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job *models.Job) error { return f(ctx, job) }

// Worker polls the queue, claims one job at a time, and dispatches it.
type Worker struct {
	id       string
	store    JobStore
	handlers map[models.JobType]Handler
	types    []models.JobType
	cfg      Config
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu            sync.Mutex
	currentJobID  string
	jobsProcessed int
}

// NewWorker builds a worker that handles the job types present in the
// handlers map.
func NewWorker(id string, jobStore JobStore, handlers map[models.JobType]Handler, cfg Config, logger *slog.Logger) *Worker {
	types := make([]models.JobType, 0, len(handlers))
	for t := range handlers {
		types = append(types, t)
	}
	return &Worker{
		id:       id,
		store:    jobStore,
		handlers: handlers,
		types:    types,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "queue.worker", "worker_id", id),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop after its current job and waits for
// it to exit. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Stats reports the worker's current job and lifetime counter.
func (w *Worker) Stats() (currentJobID string, processed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentJobID, w.jobsProcessed
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	w.logger.Info("worker started")

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("worker shutting down")
			return
		case <-ctx.Done():
			w.logger.Info("context cancelled, worker shutting down")
			return
		default:
			if err := w.pollOnce(ctx); err != nil {
				if errors.Is(err, store.ErrNoJobsAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				w.logger.Error("job processing error", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// pollOnce claims and processes a single job.
func (w *Worker) pollOnce(ctx context.Context) error {
	job, err := w.store.ClaimJob(ctx, w.types, w.id)
	if err != nil {
		return err
	}

	logger := w.logger.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts)
	logger.Info("job claimed")

	w.setCurrent(job.ID)
	defer w.setCurrent("")

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	heartbeatCtx, stopHeartbeat := context.WithCancel(jobCtx)
	defer stopHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job.ID)

	handleErr := w.dispatch(jobCtx, job)
	stopHeartbeat()

	// Terminal bookkeeping survives job and shutdown cancellation.
	doneCtx := context.WithoutCancel(ctx)
	if handleErr != nil {
		retrying, failErr := w.store.FailJob(doneCtx, job, handleErr)
		if failErr != nil {
			return fmt.Errorf("record job failure: %w", failErr)
		}
		logger.Warn("job failed", "error", handleErr, "retrying", retrying)
	} else {
		if err := w.store.CompleteJob(doneCtx, job.ID); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		logger.Info("job completed")
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()
	return nil
}

// dispatch runs the handler, converting panics into job failures so a
// broken handler burns an attempt instead of the process.
func (w *Worker) dispatch(ctx context.Context, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			w.logger.Error("recovered handler panic",
				"job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	handler, ok := w.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler for job type %q", job.Type)
	}
	if job.Payload.Type != job.Type {
		return fmt.Errorf("payload type %q does not match job type %q", job.Payload.Type, job.Type)
	}
	return handler.Handle(ctx, job)
}

func (w *Worker) runHeartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.HeartbeatJob(ctx, jobID); err != nil {
				w.logger.Warn("heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval
	jitter := w.cfg.PollJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setCurrent(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.currentJobID = jobID
}
