package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rateLimitPrefix = "ratelimit:"
)

// RateLimiter is a fixed one-minute window counter shared by all replicas.
// Webhook deliveries and live channel connects use separate scopes.
type RateLimiter struct {
	client            *Client
	scope             string
	requestsPerMinute int
	burst             int
	now               func() time.Time
}

// NewRateLimiter creates a new rate limiter for a scope
func NewRateLimiter(client *Client, scope string, requestsPerMinute, burst int) *RateLimiter {
	return &RateLimiter{
		client:            client,
		scope:             scope,
		requestsPerMinute: requestsPerMinute,
		burst:             burst,
		now:               time.Now,
	}
}

// Limit is the number of requests allowed per window
func (r *RateLimiter) Limit() int {
	return r.requestsPerMinute + r.burst
}

// Allow checks if a request should be allowed based on rate limits
// Returns (allowed, remaining, resetTime, error)
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, int, time.Time, error) {
	windowEnd := r.now().Truncate(time.Minute).Add(time.Minute)
	if r.requestsPerMinute <= 0 {
		return true, 0, windowEnd, nil
	}

	fullKey := r.key(key)
	pipe := r.client.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, time.Minute)

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, 0, time.Time{}, fmt.Errorf("failed to execute rate limit check: %w", err)
	}

	count := incrCmd.Val()
	limit := int64(r.Limit())
	remaining := int(limit - count)
	if remaining < 0 {
		remaining = 0
	}

	return count <= limit, remaining, windowEnd, nil
}

func (r *RateLimiter) key(key string) string {
	return fmt.Sprintf("%s%s:%s", rateLimitPrefix, r.scope, key)
}
