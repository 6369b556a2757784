package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pragnya-works/edward/pkg/config"
	"github.com/pragnya-works/edward/pkg/kv"
)

const (
	// stateTTL covers both the sandbox record and the chat index; the two
	// keys are written and refreshed as a pair.
	stateTTL = config.SandboxTTL

	// livenessCacheTTL bounds how often GetActive re-checks the container
	// with the driver.
	livenessCacheTTL = config.LivenessCacheTTL
)

func sandboxKey(sandboxID string) string { return "sandbox:" + sandboxID }
func chatIndexKey(chatID string) string  { return "chat:sandbox:" + chatID }
func frameworkKey(chatID string) string  { return "chat:framework:" + chatID }

// StateStore persists sandbox records and the chat index in Redis.
type StateStore struct {
	kv     kv.Client
	driver Driver

	mu       sync.Mutex
	liveness map[string]livenessEntry
}

type livenessEntry struct {
	alive     bool
	checkedAt time.Time
}

// NewStateStore builds a store; driver is used for liveness validation.
func NewStateStore(client kv.Client, driver Driver) *StateStore {
	return &StateStore{
		kv:       client,
		driver:   driver,
		liveness: make(map[string]livenessEntry),
	}
}

// Save writes the sandbox record and the chat index with a shared TTL.
func (s *StateStore) Save(ctx context.Context, state State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal sandbox state: %w", err)
	}
	if err := s.kv.Set(ctx, sandboxKey(state.SandboxID), string(payload), stateTTL); err != nil {
		return fmt.Errorf("failed to save sandbox record: %w", err)
	}
	if err := s.kv.Set(ctx, chatIndexKey(state.ChatID), state.SandboxID, stateTTL); err != nil {
		return fmt.Errorf("failed to save chat index: %w", err)
	}
	return nil
}

// Get returns the record for a sandbox ID.
func (s *StateStore) Get(ctx context.Context, sandboxID string) (*State, error) {
	raw, err := s.kv.Get(ctx, sandboxKey(sandboxID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read sandbox record: %w", err)
	}
	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("failed to decode sandbox record: %w", err)
	}
	return &state, nil
}

// GetActive resolves the chat index to a live sandbox. A record whose
// container is gone is dropped and reported as absent. Readers that see
// the index without the record treat the sandbox as absent too.
func (s *StateStore) GetActive(ctx context.Context, chatID string) (*State, error) {
	sandboxID, err := s.kv.Get(ctx, chatIndexKey(chatID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read chat index: %w", err)
	}

	state, err := s.Get(ctx, sandboxID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = s.kv.Del(ctx, chatIndexKey(chatID))
		}
		return nil, err
	}

	alive, err := s.containerAlive(ctx, state.ContainerID)
	if err != nil {
		return nil, err
	}
	if !alive {
		_ = s.Drop(ctx, state)
		return nil, ErrNotFound
	}
	return state, nil
}

// RefreshTTL re-applies the shared TTL to both keys.
func (s *StateStore) RefreshTTL(ctx context.Context, state *State) error {
	if _, err := s.kv.Expire(ctx, sandboxKey(state.SandboxID), stateTTL); err != nil {
		return fmt.Errorf("failed to refresh sandbox TTL: %w", err)
	}
	if _, err := s.kv.Expire(ctx, chatIndexKey(state.ChatID), stateTTL); err != nil {
		return fmt.Errorf("failed to refresh chat index TTL: %w", err)
	}
	return nil
}

// Drop removes the record, the chat index, and the liveness cache entry.
func (s *StateStore) Drop(ctx context.Context, state *State) error {
	s.mu.Lock()
	delete(s.liveness, state.ContainerID)
	s.mu.Unlock()
	return s.kv.Del(ctx, sandboxKey(state.SandboxID), chatIndexKey(state.ChatID), frameworkKey(state.ChatID))
}

// SetFramework caches the detected framework for a chat.
func (s *StateStore) SetFramework(ctx context.Context, chatID, framework string) error {
	return s.kv.Set(ctx, frameworkKey(chatID), framework, stateTTL)
}

// Framework returns the cached framework, or "" when unknown.
func (s *StateStore) Framework(ctx context.Context, chatID string) (string, error) {
	raw, err := s.kv.Get(ctx, frameworkKey(chatID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return raw, nil
}

func (s *StateStore) containerAlive(ctx context.Context, containerID string) (bool, error) {
	s.mu.Lock()
	entry, ok := s.liveness[containerID]
	s.mu.Unlock()
	if ok && time.Since(entry.checkedAt) < livenessCacheTTL {
		return entry.alive, nil
	}

	alive, err := s.driver.Alive(ctx, containerID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.liveness[containerID] = livenessEntry{alive: alive, checkedAt: time.Now()}
	s.mu.Unlock()
	return alive, nil
}
