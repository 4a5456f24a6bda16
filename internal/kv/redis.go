package kv

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gomodule/redigo/redis"
)

// RedisConfig holds connection settings for the external store.
type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	MaxIdle     int
	IdleTimeout time.Duration
}

// Redis is a Store backed by a redigo connection pool.
type Redis struct {
	pool *redis.Pool
	seq  atomic.Uint64 // disambiguates window members added in the same instant
}

// ParseURL parses a redis://[:password@]host:port[/db] URL into a
// RedisConfig.
func ParseURL(raw string) (RedisConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return RedisConfig{}, fmt.Errorf("parse redis url: %w", err)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return RedisConfig{}, fmt.Errorf("unsupported redis scheme %q", u.Scheme)
	}
	cfg := RedisConfig{Address: u.Host}
	if u.User != nil {
		cfg.Password, _ = u.User.Password()
	}
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		db, err := strconv.Atoi(p)
		if err != nil {
			return RedisConfig{}, fmt.Errorf("invalid redis database %q", p)
		}
		cfg.DB = db
	}
	return cfg, nil
}

// NewRedis creates a pooled Redis store. Connectivity is not verified
// here; callers probe with Ping.
func NewRedis(cfg RedisConfig) *Redis {
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = 10
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &Redis{
		pool: &redis.Pool{
			MaxIdle:     maxIdle,
			IdleTimeout: idleTimeout,
			Dial: func() (redis.Conn, error) {
				opts := []redis.DialOption{redis.DialDatabase(cfg.DB)}
				if cfg.Password != "" {
					opts = append(opts, redis.DialPassword(cfg.Password))
				}
				return redis.Dial("tcp", cfg.Address, opts...)
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				if time.Since(t) < time.Minute {
					return nil
				}
				_, err := c.Do("PING")
				return err
			},
		},
	}
}

func (r *Redis) conn(ctx context.Context) (redis.Conn, error) {
	return r.pool.GetContext(ctx)
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	data, err := redis.Bytes(redis.DoContext(c, ctx, "GET", key))
	if errors.Is(err, redis.ErrNil) {
		return nil, ErrMiss
	}
	return data, err
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if ttl > 0 {
		_, err = redis.DoContext(c, ctx, "SET", key, value, "PX", ttl.Milliseconds())
	} else {
		_, err = redis.DoContext(c, ctx, "SET", key, value)
	}
	return err
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	_, err = redis.DoContext(c, ctx, "DEL", args...)
	return err
}

func (r *Redis) DeletePrefix(ctx context.Context, prefix string) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	cursor := 0
	for {
		values, err := redis.Values(redis.DoContext(c, ctx, "SCAN", cursor, "MATCH", prefix+"*", "COUNT", 200))
		if err != nil {
			return err
		}
		var keys []string
		if _, err := redis.Scan(values, &cursor, &keys); err != nil {
			return err
		}
		if len(keys) > 0 {
			args := make([]any, len(keys))
			for i, k := range keys {
				args[i] = k
			}
			if _, err := redis.DoContext(c, ctx, "DEL", args...); err != nil {
				return err
			}
		}
		if cursor == 0 {
			return nil
		}
	}
}

func (r *Redis) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	value, err := redis.Int64(redis.DoContext(c, ctx, "INCRBY", key, delta))
	if err != nil {
		return 0, err
	}
	if value == delta && ttl > 0 {
		// First touch of the counter; arm its expiry.
		if _, err := redis.DoContext(c, ctx, "PEXPIRE", key, ttl.Milliseconds()); err != nil {
			return value, err
		}
	}
	return value, nil
}

// WindowAdd keeps the rolling window in a sorted set scored by unix
// milliseconds; members carry their cost as a suffix. Prune, sum, and
// conditional add run on one connection but are not transactional across
// instances, which is an accepted approximation for limiting.
func (r *Redis) WindowAdd(ctx context.Context, key string, now time.Time, window time.Duration, cost, limit int64) (WindowResult, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return WindowResult{}, err
	}
	defer c.Close()

	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()
	if _, err := redis.DoContext(c, ctx, "ZREMRANGEBYSCORE", key, "-inf", cutoff); err != nil {
		return WindowResult{}, err
	}

	members, err := redis.Strings(redis.DoContext(c, ctx, "ZRANGEBYSCORE", key, "-inf", "+inf", "WITHSCORES"))
	if err != nil {
		return WindowResult{}, err
	}

	var res WindowResult
	for i := 0; i+1 < len(members); i += 2 {
		res.Total += memberCost(members[i])
		if res.Oldest.IsZero() {
			if score, err := strconv.ParseInt(members[i+1], 10, 64); err == nil {
				res.Oldest = time.UnixMilli(score)
			}
		}
	}

	if res.Total+cost <= limit {
		member := fmt.Sprintf("%d:%d:%d", now.UnixNano(), r.seq.Add(1), cost)
		if _, err := redis.DoContext(c, ctx, "ZADD", key, nowMs, member); err != nil {
			return WindowResult{}, err
		}
		if _, err := redis.DoContext(c, ctx, "PEXPIRE", key, window.Milliseconds()); err != nil {
			return WindowResult{}, err
		}
		res.Total += cost
		res.Allowed = true
		if res.Oldest.IsZero() {
			res.Oldest = now
		}
	}
	return res, nil
}

func memberCost(member string) int64 {
	idx := strings.LastIndexByte(member, ':')
	if idx < 0 {
		return 1
	}
	cost, err := strconv.ParseInt(member[idx+1:], 10, 64)
	if err != nil || cost < 1 {
		return 1
	}
	return cost
}

func (r *Redis) Ping(ctx context.Context) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	_, err = redis.DoContext(c, ctx, "PING")
	return err
}

func (r *Redis) Close() error {
	return r.pool.Close()
}
