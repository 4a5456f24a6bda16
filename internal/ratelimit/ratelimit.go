// Package ratelimit enforces per-tenant quotas over the shared KV store.
// Four interchangeable strategies cover the per-minute window; hourly and
// daily quotas always use fixed counters. Operation-specific caps are
// checked before tenant quotas, and expensive operations charge more than
// one unit.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/vexdb/internal/kv"
	"github.com/thebtf/vexdb/pkg/verrors"
)

// Strategy selects the per-minute limiting algorithm.
type Strategy string

const (
	StrategySlidingWindow Strategy = "sliding_window"
	StrategyFixedWindow   Strategy = "fixed_window"
	StrategyTokenBucket   Strategy = "token_bucket"
	StrategyLeakyBucket   Strategy = "leaky_bucket"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySlidingWindow, StrategyFixedWindow, StrategyTokenBucket, StrategyLeakyBucket:
		return true
	}
	return false
}

// Quota is a tenant's allowance across the three windows plus burst.
// Burst is extra headroom on top of PerMinute: the bucket strategies use
// it as bucket capacity, the windowed strategies admit PerMinute+Burst
// requests within the minute window. Hour and day windows ignore it.
type Quota struct {
	PerMinute int64 `json:"per_minute" yaml:"per_minute"`
	PerHour   int64 `json:"per_hour" yaml:"per_hour"`
	PerDay    int64 `json:"per_day" yaml:"per_day"`
	Burst     int64 `json:"burst" yaml:"burst"`
}

// DefaultQuota applies to tenants without an override.
var DefaultQuota = Quota{PerMinute: 300, PerHour: 10_000, PerDay: 100_000, Burst: 50}

// Per-minute caps for specific operations, checked before tenant quotas.
var operationCaps = map[string]int64{
	"search":         100,
	"batch_insert":   1000,
	"create_dataset": 10,
	"import":         5,
}

// Request costs; operations not listed charge 1.
var operationCosts = map[string]int64{
	"batch_insert":    10,
	"import":          50,
	"export":          20,
	"create_dataset":  5,
	"index_operation": 20,
	"hybrid_search":   3,
}

// CostOf returns the quota units an operation charges.
func CostOf(operation string) int64 {
	if cost, ok := operationCosts[operation]; ok {
		return cost
	}
	return 1
}

// Decision carries the outcome plus the numbers the HTTP layer exposes in
// X-RateLimit headers.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter int // seconds; 0 when allowed
}

// Limiter applies quotas for all tenants through one shared store.
type Limiter struct {
	store    kv.Store
	strategy Strategy

	mu        sync.RWMutex
	defaults  Quota
	overrides map[string]Quota
}

// New creates a limiter using the given strategy over the store.
func New(store kv.Store, strategy Strategy) *Limiter {
	if !strategy.Valid() {
		strategy = StrategySlidingWindow
	}
	return &Limiter{
		store:     store,
		strategy:  strategy,
		defaults:  DefaultQuota,
		overrides: make(map[string]Quota),
	}
}

// Strategy returns the per-minute algorithm in use.
func (l *Limiter) Strategy() Strategy { return l.strategy }

// SetDefault replaces the quota applied to tenants without an override.
func (l *Limiter) SetDefault(q Quota) {
	l.mu.Lock()
	l.defaults = q
	l.mu.Unlock()
}

// SetQuota installs a tenant-specific quota override.
func (l *Limiter) SetQuota(tenantID string, q Quota) {
	l.mu.Lock()
	l.overrides[tenantID] = q
	l.mu.Unlock()
}

// QuotaFor returns the effective quota for a tenant.
func (l *Limiter) QuotaFor(tenantID string) Quota {
	return l.quotaFor(tenantID)
}

func (l *Limiter) quotaFor(tenantID string) Quota {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if q, ok := l.overrides[tenantID]; ok {
		return q
	}
	return l.defaults
}

// Allow charges one request of the given operation against the tenant's
// quotas. A denial returns a RateLimitExceeded error carrying retry_after;
// store failures fail open so the KV tier cannot take the service down.
func (l *Limiter) Allow(ctx context.Context, tenantID, operation string) (Decision, error) {
	cost := CostOf(operation)
	quota := l.quotaFor(tenantID)

	// Operation caps come first and always count single requests.
	if opCap, ok := operationCaps[operation]; ok {
		d, err := l.checkMinute(ctx, fmt.Sprintf("rl:op:%s:%s", tenantID, operation), 1, opCap, 0)
		if err != nil {
			return l.failOpen(err)
		}
		if !d.Allowed {
			return d, verrors.RateLimited(d.RetryAfter).WithDetail("operation", operation)
		}
	}

	d, err := l.checkMinute(ctx, "rl:min:"+tenantID, cost, quota.PerMinute, quota.Burst)
	if err != nil {
		return l.failOpen(err)
	}
	if !d.Allowed {
		return d, verrors.RateLimited(d.RetryAfter).WithDetail("window", "minute")
	}

	for _, w := range []struct {
		name   string
		window time.Duration
		limit  int64
	}{
		{"hour", time.Hour, quota.PerHour},
		{"day", 24 * time.Hour, quota.PerDay},
	} {
		if w.limit <= 0 {
			continue
		}
		wd, err := l.checkFixed(ctx, fmt.Sprintf("rl:%s:%s", w.name, tenantID), cost, w.limit, w.window)
		if err != nil {
			return l.failOpen(err)
		}
		if !wd.Allowed {
			return wd, verrors.RateLimited(wd.RetryAfter).WithDetail("window", w.name)
		}
	}
	return d, nil
}

func (l *Limiter) failOpen(err error) (Decision, error) {
	log.Warn().Err(err).Msg("Rate limit store error, failing open")
	return Decision{Allowed: true}, nil
}

func (l *Limiter) checkMinute(ctx context.Context, key string, cost, limit, burst int64) (Decision, error) {
	switch l.strategy {
	case StrategyFixedWindow:
		return l.checkFixed(ctx, key, cost, limit+burst, time.Minute)
	case StrategyTokenBucket, StrategyLeakyBucket:
		return l.checkBucket(ctx, key, cost, limit, burst)
	default:
		return l.checkSliding(ctx, key, cost, limit+burst)
	}
}

// checkSliding keeps a weighted rolling window of the last 60 seconds.
func (l *Limiter) checkSliding(ctx context.Context, key string, cost, limit int64) (Decision, error) {
	now := time.Now()
	res, err := l.store.WindowAdd(ctx, key, now, time.Minute, cost, limit)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Allowed: res.Allowed, Limit: limit, Remaining: limit - res.Total}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !res.Allowed {
		retry := time.Minute - now.Sub(res.Oldest)
		d.RetryAfter = secondsCeil(retry)
	}
	return d, nil
}

// checkFixed counts against the current window bucket; the counter key
// embeds the window number so it resets on rollover.
func (l *Limiter) checkFixed(ctx context.Context, key string, cost, limit int64, window time.Duration) (Decision, error) {
	now := time.Now()
	bucket := now.Unix() / int64(window.Seconds())
	total, err := l.store.IncrBy(ctx, fmt.Sprintf("%s:%d", key, bucket), cost, window)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Limit: limit, Remaining: limit - total}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if total <= limit {
		d.Allowed = true
		return d, nil
	}
	windowEnd := time.Unix((bucket+1)*int64(window.Seconds()), 0)
	d.RetryAfter = secondsCeil(time.Until(windowEnd))
	return d, nil
}

type bucketState struct {
	Tokens     float64 `json:"tokens"`
	LastRefill int64   `json:"last_refill_ns"`
}

// checkBucket refills tokens at limit/60 per second up to the burst
// capacity, then charges cost. The leaky bucket is the same computation
// with continuous drain.
func (l *Limiter) checkBucket(ctx context.Context, key string, cost, limit, burst int64) (Decision, error) {
	capacity := float64(burst)
	if capacity <= 0 {
		capacity = float64(limit)
	}
	rate := float64(limit) / 60.0
	now := time.Now()

	state := bucketState{Tokens: capacity, LastRefill: now.UnixNano()}
	if data, err := l.store.Get(ctx, key); err == nil {
		if err := json.Unmarshal(data, &state); err != nil {
			state = bucketState{Tokens: capacity, LastRefill: now.UnixNano()}
		}
		elapsed := time.Duration(now.UnixNano() - state.LastRefill).Seconds()
		state.Tokens = math.Min(capacity, state.Tokens+elapsed*rate)
		state.LastRefill = now.UnixNano()
	} else if err != kv.ErrMiss {
		return Decision{}, err
	}

	d := Decision{Limit: limit}
	if state.Tokens >= float64(cost) {
		state.Tokens -= float64(cost)
		d.Allowed = true
	} else {
		d.RetryAfter = secondsCeil(time.Duration((float64(cost) - state.Tokens) / rate * float64(time.Second)))
	}
	d.Remaining = int64(state.Tokens)

	encoded, err := json.Marshal(state)
	if err != nil {
		return Decision{}, err
	}
	if err := l.store.Set(ctx, key, encoded, 2*time.Minute); err != nil {
		return Decision{}, err
	}
	return d, nil
}

func secondsCeil(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}
