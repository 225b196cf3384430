// Package ratelimit implements sliding-window request admission for the
// gateway. Two call sites consult it: the API key registry (per-key quotas)
// and the admission guard (per-IP / per-user quotas).
package ratelimit

import (
	"context"
	"time"

	"github.com/ebrovalley/learngate/pkg/models"
)

// Decision is the outcome of one admission check. Limit, Remaining and
// ResetAt are populated on both outcomes so callers can always emit
// rate-limit response headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter decides whether one more request for identity fits within policy.
// Implementations must be safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, identity string, policy models.RateLimitPolicy) (Decision, error)
}
