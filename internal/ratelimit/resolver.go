package ratelimit

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ebrovalley/learngate/internal/config"
	"github.com/ebrovalley/learngate/pkg/models"
)

// PrefixClass assigns a quota to every path under a prefix. Authentication
// routes get the tightest window; bulk/analytics routes the most permissive.
type PrefixClass struct {
	Prefix string
	Policy models.RateLimitPolicy
}

// Resolver maps a route to its quota: an exact-path override wins, then the
// longest matching prefix class, then the global default.
type Resolver struct {
	overrides map[string]models.RateLimitPolicy
	classes   []PrefixClass
	fallback  models.RateLimitPolicy
}

// NewResolver builds a Resolver from gateway configuration.
func NewResolver(cfg config.RateLimitConfig) (*Resolver, error) {
	r := &Resolver{
		overrides: make(map[string]models.RateLimitPolicy),
		classes: []PrefixClass{
			{Prefix: "/auth", Policy: models.RateLimitPolicy{Limit: cfg.AuthLimit, Window: cfg.AuthWindow}},
			{Prefix: "/analytics", Policy: models.RateLimitPolicy{Limit: cfg.BulkLimit, Window: cfg.BulkWindow}},
			{Prefix: "/bulk", Policy: models.RateLimitPolicy{Limit: cfg.BulkLimit, Window: cfg.BulkWindow}},
		},
		fallback: models.RateLimitPolicy{Limit: cfg.DefaultLimit, Window: cfg.DefaultWindow},
	}

	for path, raw := range cfg.Overrides {
		policy, err := ParsePolicy(raw)
		if err != nil {
			return nil, fmt.Errorf("rate limit override for %s: %w", path, err)
		}
		r.overrides[path] = policy
	}

	// Longest prefix first so /auth/bulk-style overlaps resolve deterministically.
	sort.Slice(r.classes, func(i, j int) bool {
		return len(r.classes[i].Prefix) > len(r.classes[j].Prefix)
	})
	return r, nil
}

// Resolve returns the quota for a path.
func (r *Resolver) Resolve(path string) models.RateLimitPolicy {
	if policy, ok := r.overrides[path]; ok {
		return policy
	}
	for _, class := range r.classes {
		if strings.HasPrefix(path, class.Prefix) {
			return class.Policy
		}
	}
	return r.fallback
}

// ParsePolicy parses a "limit/window" value such as "10/1m" or "500/1h".
func ParsePolicy(raw string) (models.RateLimitPolicy, error) {
	limitStr, windowStr, ok := strings.Cut(raw, "/")
	if !ok {
		return models.RateLimitPolicy{}, fmt.Errorf("expected limit/window, got %q", raw)
	}
	limit, err := strconv.Atoi(strings.TrimSpace(limitStr))
	if err != nil || limit <= 0 {
		return models.RateLimitPolicy{}, fmt.Errorf("invalid limit %q", limitStr)
	}
	window, err := time.ParseDuration(strings.TrimSpace(windowStr))
	if err != nil || window <= 0 {
		return models.RateLimitPolicy{}, fmt.Errorf("invalid window %q", windowStr)
	}
	return models.RateLimitPolicy{Limit: limit, Window: window}, nil
}
