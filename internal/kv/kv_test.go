package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSet(t *testing.T) {
	m := NewMemory(10)
	ctx := context.Background()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := NewMemory(10)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(25 * time.Millisecond)
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryDeletePrefix(t *testing.T) {
	m := NewMemory(10)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "search:ds1:a", []byte("1"), 0))
	require.NoError(t, m.Set(ctx, "search:ds1:b", []byte("2"), 0))
	require.NoError(t, m.Set(ctx, "search:ds2:a", []byte("3"), 0))

	require.NoError(t, m.DeletePrefix(ctx, "search:ds1:"))

	_, err := m.Get(ctx, "search:ds1:a")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = m.Get(ctx, "search:ds2:a")
	assert.NoError(t, err)
}

func TestMemoryIncrBy(t *testing.T) {
	m := NewMemory(10)
	ctx := context.Background()

	v, err := m.IncrBy(ctx, "counter", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = m.IncrBy(ctx, "counter", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

func TestMemoryWindowAdd(t *testing.T) {
	m := NewMemory(10)
	ctx := context.Background()
	base := time.Now()

	// Fill the window to the limit with weighted entries.
	res, err := m.WindowAdd(ctx, "w", base, time.Minute, 3, 5)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(3), res.Total)

	res, err = m.WindowAdd(ctx, "w", base.Add(2*time.Second), time.Minute, 2, 5)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(5), res.Total)

	// Over the limit: denied, total unchanged.
	res, err = m.WindowAdd(ctx, "w", base.Add(3*time.Second), time.Minute, 1, 5)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(5), res.Total)
	assert.Equal(t, base, res.Oldest)

	// After the window slides past the first entry, capacity frees up:
	// only the cost-2 entry at base+2s survives the prune.
	res, err = m.WindowAdd(ctx, "w", base.Add(61*time.Second), time.Minute, 1, 5)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(3), res.Total)
}

// failingStore simulates an unreachable remote.
type failingStore struct{}

var errDown = errors.New("connection refused")

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errDown }
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errDown
}
func (failingStore) Delete(context.Context, ...string) error      { return errDown }
func (failingStore) DeletePrefix(context.Context, string) error   { return errDown }
func (failingStore) IncrBy(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errDown
}
func (failingStore) WindowAdd(context.Context, string, time.Time, time.Duration, int64, int64) (WindowResult, error) {
	return WindowResult{}, errDown
}
func (failingStore) Ping(context.Context) error { return errDown }
func (failingStore) Close() error               { return nil }

func TestBreakerFallsBackInProcess(t *testing.T) {
	b := NewBreaker(failingStore{})
	ctx := context.Background()

	// Remote down: writes land in the fallback and reads come back from it.
	require.NoError(t, b.Set(ctx, "k", []byte("v"), 0))
	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	v, err := b.IncrBy(ctx, "c", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestBreakerMissIsNotFailure(t *testing.T) {
	b := NewBreaker(NewMemory(10))
	ctx := context.Background()

	// Repeated misses on a healthy remote must not trip the circuit.
	for i := 0; i < 20; i++ {
		_, err := b.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrMiss)
	}
	require.NoError(t, b.Set(ctx, "k", []byte("v"), 0))
	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}
