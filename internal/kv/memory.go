package kv

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMemoryEntries = 10_000

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

type windowEntry struct {
	at   time.Time
	cost int64
}

// Memory is an in-process Store backed by an LRU cache for values and a
// plain map for counters and windows. It is the test backend and the
// fallback the breaker switches to when Redis is down.
type Memory struct {
	values *lru.Cache[string, memoryEntry]

	mu       sync.Mutex
	counters map[string]*counterState
	windows  map[string][]windowEntry
}

type counterState struct {
	value     int64
	expiresAt time.Time
}

// NewMemory creates an in-process store holding up to maxEntries values.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryEntries
	}
	values, _ := lru.New[string, memoryEntry](maxEntries)
	return &Memory{
		values:   values,
		counters: make(map[string]*counterState),
		windows:  make(map[string][]windowEntry),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	entry, ok := m.values.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.values.Remove(key)
		return nil, ErrMiss
	}
	return entry.value, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.values.Add(key, entry)
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, key := range keys {
		m.values.Remove(key)
		delete(m.counters, key)
		delete(m.windows, key)
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) error {
	for _, key := range m.values.Keys() {
		if strings.HasPrefix(key, prefix) {
			m.values.Remove(key)
		}
	}
	m.mu.Lock()
	for key := range m.counters {
		if strings.HasPrefix(key, prefix) {
			delete(m.counters, key)
		}
	}
	for key := range m.windows {
		if strings.HasPrefix(key, prefix) {
			delete(m.windows, key)
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.counters[key]
	if ok && !state.expiresAt.IsZero() && time.Now().After(state.expiresAt) {
		ok = false
	}
	if !ok {
		state = &counterState{}
		if ttl > 0 {
			state.expiresAt = time.Now().Add(ttl)
		}
		m.counters[key] = state
	}
	state.value += delta
	return state.value, nil
}

func (m *Memory) WindowAdd(_ context.Context, key string, now time.Time, window time.Duration, cost, limit int64) (WindowResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-window)
	kept := m.windows[key][:0]
	for _, e := range m.windows[key] {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}

	var total int64
	for _, e := range kept {
		total += e.cost
	}

	res := WindowResult{Total: total}
	if total+cost <= limit {
		kept = append(kept, windowEntry{at: now, cost: cost})
		res.Total += cost
		res.Allowed = true
	}
	if len(kept) > 0 {
		res.Oldest = kept[0].at
	}
	m.windows[key] = kept
	return res, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.values.Purge()
	return nil
}
