package kv

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

const (
	breakerMaxFailures uint32 = 5
	breakerTimeout            = 30 * time.Second
	breakerInterval           = 60 * time.Second
)

// Breaker guards a remote Store with a circuit breaker. While the circuit
// is open, or when a remote call fails, operations run against an
// in-process fallback so the cache and rate limiter keep working in a
// degraded, instance-local mode.
type Breaker struct {
	remote   Store
	fallback *Memory
	cb       *gobreaker.CircuitBreaker[any]
}

// NewBreaker wraps remote with failure detection and an in-process
// fallback store.
func NewBreaker(remote Store) *Breaker {
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "kv",
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrMiss)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("KV circuit breaker state change")
			if to == gobreaker.StateOpen {
				log.Warn().Msg("KV store unreachable, running in degraded in-process mode")
			}
		},
	})
	return &Breaker{remote: remote, fallback: NewMemory(0), cb: cb}
}

// execute runs op through the breaker, falling back in-process when the
// remote is unavailable. ErrMiss is a result, not a failure.
func (b *Breaker) execute(op func(Store) (any, error)) (any, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return op(b.remote)
	})
	if err != nil && !errors.Is(err, ErrMiss) {
		return op(b.fallback)
	}
	return result, err
}

func (b *Breaker) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := b.execute(func(s Store) (any, error) { return s.Get(ctx, key) })
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (b *Breaker) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := b.execute(func(s Store) (any, error) { return nil, s.Set(ctx, key, value, ttl) })
	return err
}

func (b *Breaker) Delete(ctx context.Context, keys ...string) error {
	_, err := b.execute(func(s Store) (any, error) { return nil, s.Delete(ctx, keys...) })
	return err
}

func (b *Breaker) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := b.execute(func(s Store) (any, error) { return nil, s.DeletePrefix(ctx, prefix) })
	return err
}

func (b *Breaker) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	result, err := b.execute(func(s Store) (any, error) { return s.IncrBy(ctx, key, delta, ttl) })
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

func (b *Breaker) WindowAdd(ctx context.Context, key string, now time.Time, window time.Duration, cost, limit int64) (WindowResult, error) {
	result, err := b.execute(func(s Store) (any, error) {
		return s.WindowAdd(ctx, key, now, window, cost, limit)
	})
	if err != nil {
		return WindowResult{}, err
	}
	return result.(WindowResult), nil
}

func (b *Breaker) Ping(ctx context.Context) error {
	return b.remote.Ping(ctx)
}

func (b *Breaker) Close() error {
	_ = b.fallback.Close()
	return b.remote.Close()
}
