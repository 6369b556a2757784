package kv

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// releaseScript deletes the lock key only when it still holds our token,
// so a lock that expired and was re-acquired by another owner is never
// released by the stale holder.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end`

// Lock is a best-effort distributed lock over the KV store. Acquisition
// is SET NX with a TTL; release is token-checked. TTL expiry is the
// liveness guarantee, so critical sections must finish well within it.
type Lock struct {
	kv Client
}

// NewLock returns a lock helper bound to a KV client.
func NewLock(kv Client) *Lock {
	return &Lock{kv: kv}
}

// Acquire attempts to take the lock. On success it returns the owner
// token needed to release; on contention it returns ok=false.
func (l *Lock) Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", false, fmt.Errorf("generate lock token: %w", err)
	}
	token = hex.EncodeToString(buf)

	ok, err = l.kv.SetNX(ctx, key, token, ttl)
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the lock if the token still owns it. Returns whether the
// lock was actually released; false means it expired or changed hands.
func (l *Lock) Release(ctx context.Context, key, token string) (bool, error) {
	res, err := l.kv.Eval(ctx, releaseScript, []string{key}, token)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}
