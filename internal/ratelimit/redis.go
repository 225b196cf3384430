package ratelimit

import (
	"context"
	"time"

	"github.com/ebrovalley/learngate/internal/cache"
	"github.com/ebrovalley/learngate/pkg/models"
)

// RedisLimiter approximates the sliding window with fixed Redis windows:
// one INCR-with-TTL counter per identity per window. Coarser at the window
// boundary than SlidingWindow, but shared across gateway replicas.
type RedisLimiter struct {
	cache cache.Cache
	now   func() time.Time
}

// NewRedisLimiter creates a limiter backed by the given cache.
func NewRedisLimiter(c cache.Cache) *RedisLimiter {
	return &RedisLimiter{cache: c, now: time.Now}
}

func (rl *RedisLimiter) Allow(ctx context.Context, identity string, policy models.RateLimitPolicy) (Decision, error) {
	if policy.Limit <= 0 || policy.Window <= 0 {
		return Decision{Allowed: true, Limit: policy.Limit}, nil
	}

	now := rl.now()
	windowSecs := int64(policy.Window / time.Second)
	if windowSecs < 1 {
		windowSecs = 1
	}
	windowStart := now.Unix() / windowSecs

	key := cache.RateLimitKey(identity, windowStart)
	count, err := rl.cache.IncrWithExpiry(ctx, key, policy.Window)
	if err != nil {
		return Decision{}, err
	}

	resetAt := time.Unix((windowStart+1)*windowSecs, 0)
	remaining := policy.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		Allowed:   count <= int64(policy.Limit),
		Limit:     policy.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = resetAt.Sub(now)
	}
	return d, nil
}
