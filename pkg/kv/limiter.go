package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrRateLimited is returned when a user already holds the maximum number
// of concurrent slots.
var ErrRateLimited = errors.New("too many concurrent requests")

// acquireScript increments the per-user counter, stamps a TTL on the
// first acquisition, and rolls the increment back when the cap is
// exceeded. Returns 1 on success and 0 when at capacity.
const acquireScript = `
local count = redis.call("incr", KEYS[1])
if count == 1 then
    redis.call("expire", KEYS[1], ARGV[2])
end
if count > tonumber(ARGV[1]) then
    redis.call("decr", KEYS[1])
    return 0
end
return 1`

// releaseSlotScript decrements the counter and removes the key once it
// reaches zero so an idle user leaves no residue.
const releaseSlotScript = `
local count = redis.call("decr", KEYS[1])
if count <= 0 then
    redis.call("del", KEYS[1])
end
return count`

// SlotLimiter caps concurrent operations per user with an atomically
// maintained counter. The counter TTL bounds leakage when a process dies
// between acquire and release.
type SlotLimiter struct {
	kv      Client
	max     int
	slotTTL time.Duration
}

// NewSlotLimiter builds a limiter with the given per-user cap.
func NewSlotLimiter(kv Client, maxConcurrent int, slotTTL time.Duration) *SlotLimiter {
	return &SlotLimiter{kv: kv, max: maxConcurrent, slotTTL: slotTTL}
}

func (s *SlotLimiter) key(userID string) string {
	return "slots:" + userID
}

// Acquire takes one slot for the user. Returns ErrRateLimited at
// capacity. A KV error fails closed: no slot is granted.
func (s *SlotLimiter) Acquire(ctx context.Context, userID string) error {
	res, err := s.kv.Eval(ctx, acquireScript, []string{s.key(userID)},
		s.max, int(s.slotTTL.Seconds()))
	if err != nil {
		return fmt.Errorf("acquire slot for %s: %w", userID, err)
	}
	if n, _ := res.(int64); n != 1 {
		return ErrRateLimited
	}
	return nil
}

// Release frees one slot for the user. Errors are logged, not returned:
// the TTL reclaims the counter if the release is lost.
func (s *SlotLimiter) Release(ctx context.Context, userID string) {
	if _, err := s.kv.Eval(ctx, releaseSlotScript, []string{s.key(userID)}); err != nil {
		slog.Warn("Failed to release concurrency slot", "user_id", userID, "error", err)
	}
}

// With runs fn while holding a slot, releasing it on every exit path
// including panics. Release uses a fresh context so a cancelled request
// still frees its slot.
func (s *SlotLimiter) With(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	if err := s.Acquire(ctx, userID); err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Release(releaseCtx, userID)
	}()
	return fn(ctx)
}
