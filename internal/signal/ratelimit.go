package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"peercall/internal/clock"
	"peercall/internal/domain"
)

// Limiter bounds how many operations an identity may send per window.
// Allow returns a RateLimitError when the budget is spent; the operation
// fails instead of queuing.
type Limiter interface {
	Allow(ctx context.Context, identity, op string) error
}

// MemoryLimiter is a sliding-window limiter for single-process setups.
type MemoryLimiter struct {
	clk    clock.Clock
	limit  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string][]time.Time
}

// NewMemoryLimiter creates a limiter allowing limit operations per window
// for each (identity, op) pair.
func NewMemoryLimiter(clk clock.Clock, limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		clk:     clk,
		limit:   limit,
		window:  window,
		buckets: make(map[string][]time.Time),
	}
}

func (l *MemoryLimiter) Allow(ctx context.Context, identity, op string) error {
	key := identity + ":" + op
	now := l.clk.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.buckets[key]
	kept := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.limit {
		l.buckets[key] = kept
		retryAfter := kept[0].Add(l.window).Sub(now)
		return &domain.RateLimitError{Identity: identity, Op: op, RetryAfter: retryAfter}
	}

	l.buckets[key] = append(kept, now)
	return nil
}

// RedisLimiter is a fixed-window limiter shared across processes. It
// fails open: if the store is unreachable the operation is allowed and
// the error logged, so a degraded limiter never takes calls down.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRedisLimiter creates a limiter allowing limit operations per window
// for each (identity, op) pair.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, identity, op string) error {
	key := fmt.Sprintf("ratelimit:%s:%s", identity, op)

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "signal",
			"identity":  identity,
			"op":        op,
		}).WithError(err).Warn("rate limiter unavailable, allowing")
		return nil
	}

	if count := incr.Val(); count > int64(l.limit) {
		ttl, err := l.client.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = l.window
		}
		return &domain.RateLimitError{Identity: identity, Op: op, RetryAfter: ttl}
	}
	return nil
}
