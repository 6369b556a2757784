// Package kv wraps the Redis client and provides the distributed
// primitives built on it: the token-bound lock and the per-user slot
// limiter. Higher-level packages (sandbox state store, registry cache,
// build-status channel) depend on the Client interface rather than the
// go-redis types so tests can swap in miniredis or fakes.
package kv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the minimal Redis surface used across the codebase.
type Client interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
	Close() error
}

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = redis.Nil

// RedisClient adapts go-redis v9 to the Client interface.
type RedisClient struct {
	rdb *redis.Client
}

// Options configure the Redis connection. URL wins when set.
type Options struct {
	URL      string
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and verifies connectivity with a ping.
func NewRedisClient(opts Options) (*RedisClient, error) {
	var ropts *redis.Options
	if opts.URL != "" {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		ropts = parsed
	} else {
		ropts = &redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}
	}
	ropts.DialTimeout = 3 * time.Second
	ropts.ReadTimeout = 2 * time.Second
	ropts.WriteTimeout = 2 * time.Second
	ropts.PoolSize = 20

	rdb := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", ropts.Addr, err)
	}

	slog.Info("Redis connected", "addr", ropts.Addr, "db", ropts.DB)
	return &RedisClient{rdb: rdb}, nil
}

// NewRedisClientFromAddr wraps an already-known address, for tests.
func NewRedisClientFromAddr(addr string) *RedisClient {
	return &RedisClient{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// Close shuts down the underlying client.
func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

// Get returns the string value of a key; ErrNotFound when absent.
func (c *RedisClient) Get(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

// Set writes a key with a TTL (0 = no expiry).
func (c *RedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// SetNX writes a key only when absent. Returns whether the write happened.
func (c *RedisClient) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

// Del removes keys; missing keys are not an error.
func (c *RedisClient) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// Expire re-applies a TTL. Returns false when the key does not exist.
func (c *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.Expire(ctx, key, ttl).Result()
}

// Eval runs a Lua script atomically.
func (c *RedisClient) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	return c.rdb.Eval(ctx, script, keys, args...).Result()
}

// Publish sends a message to a pub/sub channel.
func (c *RedisClient) Publish(ctx context.Context, channel string, message []byte) error {
	return c.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for messages on a pub/sub channel and
// returns an unsubscribe function. The handler runs on a dedicated
// goroutine; it must not block indefinitely.
func (c *RedisClient) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := c.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation before returning so callers can
	// rely on delivery of messages published after Subscribe returns.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { _ = sub.Close() }, nil
}
