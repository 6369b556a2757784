package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/pragnya-works/edward/pkg/config"
	"github.com/pragnya-works/edward/pkg/kv"
)

const (
	provisionLockTTL = config.ProvisionLockTTL

	// Waiting for another provisioner to populate the index.
	provisionPollInterval = 500 * time.Millisecond
	provisionWaitTimeout  = 30 * time.Second

	provisionMaxAttempts = 10

	reconcileInterval = config.ReconcileInterval
)

func provisionLockKey(chatID string) string { return "provision:" + chatID }

// Restorer restores a workspace backup into a fresh container. Wired to
// the storage-backed restore; nil skips restore.
type Restorer interface {
	Restore(ctx context.Context, containerID, userID, chatID string) error
}

// Manager provisions and destroys sandboxes, one provisioner per chat at
// a time.
type Manager struct {
	driver   Driver
	state    *StateStore
	lock     *kv.Lock
	restorer Restorer
	logger   *slog.Logger
}

// NewManager wires the provisioning manager.
func NewManager(driver Driver, state *StateStore, client kv.Client, restorer Restorer, logger *slog.Logger) *Manager {
	return &Manager{
		driver:   driver,
		state:    state,
		lock:     kv.NewLock(client),
		restorer: restorer,
		logger:   logger.With("component", "sandbox.manager"),
	}
}

// Driver exposes the underlying container driver.
func (m *Manager) Driver() Driver { return m.driver }

// State exposes the state store.
func (m *Manager) State() *StateStore { return m.state }

// Provision returns a live sandbox for the chat, creating one when
// needed. Fast path: an existing live sandbox gets its TTL refreshed.
func (m *Manager) Provision(ctx context.Context, userID, chatID string) (*State, error) {
	if state, err := m.state.GetActive(ctx, chatID); err == nil {
		if err := m.driver.EnsureRunning(ctx, state.ContainerID); err == nil {
			_ = m.state.RefreshTTL(ctx, state)
			return state, nil
		}
		// Container is unrecoverable; drop the record and provision fresh.
		_ = m.state.Drop(ctx, state)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	for attempt := 1; attempt <= provisionMaxAttempts; attempt++ {
		state, err := m.tryProvision(ctx, userID, chatID)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, ErrProvisionContention) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(contentionBackoff()):
		}
	}
	return nil, ErrProvisionContention
}

func (m *Manager) tryProvision(ctx context.Context, userID, chatID string) (*State, error) {
	lockKey := provisionLockKey(chatID)
	token, acquired, err := m.lock.Acquire(ctx, lockKey, provisionLockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		// Someone else is provisioning; wait for them to populate the index.
		return m.waitForOther(ctx, chatID)
	}
	defer func() {
		released, err := m.lock.Release(context.WithoutCancel(ctx), lockKey, token)
		if err != nil {
			m.logger.Warn("failed to release provision lock", "chat_id", chatID, "error", err)
		} else if !released {
			m.logger.Warn("provision lock expired before release", "chat_id", chatID)
		}
	}()

	// Re-check under the lock; the previous holder may have finished
	// between our fast path and acquisition.
	if state, err := m.state.GetActive(ctx, chatID); err == nil {
		_ = m.state.RefreshTTL(ctx, state)
		return state, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	sandboxID := uuid.NewString()
	containerID, err := m.driver.Create(ctx, userID, chatID, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}

	if m.restorer != nil {
		if err := m.restorer.Restore(ctx, containerID, userID, chatID); err != nil {
			// Restore is best effort; a fresh workspace is acceptable.
			m.logger.Warn("workspace restore failed", "chat_id", chatID, "error", err)
		}
	}

	state := State{
		SandboxID:   sandboxID,
		UserID:      userID,
		ChatID:      chatID,
		ContainerID: containerID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.state.Save(ctx, state); err != nil {
		_ = m.driver.Destroy(context.WithoutCancel(ctx), containerID)
		return nil, err
	}

	m.logger.Info("sandbox provisioned", "sandbox_id", sandboxID, "chat_id", chatID)
	return &state, nil
}

func (m *Manager) waitForOther(ctx context.Context, chatID string) (*State, error) {
	deadline := time.Now().Add(provisionWaitTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(provisionPollInterval):
		}
		state, err := m.state.GetActive(ctx, chatID)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrProvisionContention
}

// Destroy tears down the sandbox and drops its state. Idempotent.
func (m *Manager) Destroy(ctx context.Context, sandboxID string) error {
	state, err := m.state.Get(ctx, sandboxID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if err := m.driver.Destroy(ctx, state.ContainerID); err != nil {
		return err
	}
	return m.state.Drop(ctx, state)
}

// RunReconciler destroys labelled containers with no live state record
// every minute until ctx is cancelled. Run it on its own goroutine.
func (m *Manager) RunReconciler(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.reconcile(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("reconcile pass failed", "error", err)
			}
		}
	}
}

func (m *Manager) reconcile(ctx context.Context) error {
	containers, err := m.driver.ListManaged(ctx)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.SandboxID != "" {
			if _, err := m.state.Get(ctx, c.SandboxID); err == nil {
				continue
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		m.logger.Info("destroying orphaned sandbox container",
			"container_id", shortID(c.ContainerID), "sandbox_id", c.SandboxID)
		if err := m.driver.Destroy(ctx, c.ContainerID); err != nil {
			m.logger.Warn("failed to destroy orphaned container",
				"container_id", shortID(c.ContainerID), "error", err)
		}
	}
	return nil
}

func contentionBackoff() time.Duration {
	return 200*time.Millisecond + time.Duration(rand.Int63n(int64(300*time.Millisecond)))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
