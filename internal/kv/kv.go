// Package kv abstracts the shared keyed store used by the cache and the
// rate limiter. The primary backend is an external Redis server; an
// in-process store serves tests and the degraded mode entered when Redis
// is unreachable.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get for absent or expired keys.
var ErrMiss = errors.New("kv: key not found")

// WindowResult reports the outcome of a rolling-window add.
type WindowResult struct {
	// Total weight inside the window after this call.
	Total int64
	// Oldest surviving entry; zero when the window is empty.
	Oldest time.Time
	// Whether the entry was admitted.
	Allowed bool
}

// Store is the keyed-store capability set.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key beginning with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	// IncrBy atomically adds delta to a counter, setting its TTL on first
	// touch, and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// WindowAdd prunes window entries older than now-window, then admits a
	// new entry of the given cost if the surviving total plus cost stays
	// within limit.
	WindowAdd(ctx context.Context, key string, now time.Time, window time.Duration, cost, limit int64) (WindowResult, error)
	Ping(ctx context.Context) error
	Close() error
}
