package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const dispatchRateLimitPrefix = "ratelimit:dispatch:"

// Limiter bounds the request rate towards a provider.
type Limiter interface {
	Allow(ctx context.Context, providerID string) (bool, error)
}

type allowAll struct{}

func (allowAll) Allow(context.Context, string) (bool, error) { return true, nil }

// RedisLimiter is a sliding-window limiter shared by every process that
// dispatches to the same provider.
type RedisLimiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
}

// NewRedisLimiter allows limit requests per window per provider. A nil client
// or non-positive limit returns a limiter that always allows.
func NewRedisLimiter(client redis.UniversalClient, limit int, window time.Duration) Limiter {
	if client == nil || limit <= 0 {
		return allowAll{}
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{client: client, limit: limit, window: window}
}

// Allow records one request if the window has room.
func (l *RedisLimiter) Allow(ctx context.Context, providerID string) (bool, error) {
	key := dispatchRateLimitPrefix + providerID
	now := time.Now().UnixNano()
	windowStart := now - l.window.Nanoseconds()

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("read window: %w", err)
	}

	if countCmd.Val() >= int64(l.limit) {
		return false, nil
	}

	pipe = l.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: ulid.Make().String()})
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("record request: %w", err)
	}
	return true, nil
}

// Remaining returns how many requests the current window still admits.
func (l *RedisLimiter) Remaining(ctx context.Context, providerID string) (int, error) {
	key := dispatchRateLimitPrefix + providerID
	windowStart := time.Now().UnixNano() - l.window.Nanoseconds()

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	remaining := l.limit - int(countCmd.Val())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
