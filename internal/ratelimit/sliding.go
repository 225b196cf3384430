package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/ebrovalley/learngate/pkg/models"
)

const shardCount = 32

// SlidingWindow is an in-process sliding-window limiter. Each identity owns a
// fixed-size ring of admission timestamps (capacity = policy limit), so a
// check is O(1) amortized instead of a scan over the full event history.
// The window is inclusive: an event at exactly now−W still counts.
type SlidingWindow struct {
	shards [shardCount]*shard
	now    func() time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*ring
}

type ring struct {
	events []time.Time
	head   int
	count  int
	last   time.Time
}

// NewSlidingWindow creates an empty limiter.
func NewSlidingWindow() *SlidingWindow {
	sw := &SlidingWindow{now: time.Now}
	for i := range sw.shards {
		sw.shards[i] = &shard{windows: make(map[string]*ring)}
	}
	return sw
}

func (sw *SlidingWindow) shardFor(identity string) *shard {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return sw.shards[h.Sum32()%shardCount]
}

// Allow admits the request iff fewer than policy.Limit events fall within the
// trailing policy.Window, recording the event on admission.
func (sw *SlidingWindow) Allow(_ context.Context, identity string, policy models.RateLimitPolicy) (Decision, error) {
	if policy.Limit <= 0 || policy.Window <= 0 {
		return Decision{Allowed: true, Limit: policy.Limit}, nil
	}

	now := sw.now()
	cutoff := now.Add(-policy.Window)

	sh := sw.shardFor(identity)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r, ok := sh.windows[identity]
	if !ok || cap(r.events) != policy.Limit {
		// New identity, or the policy limit changed under us: start a
		// fresh ring sized to the current limit.
		r = &ring{events: make([]time.Time, policy.Limit)}
		sh.windows[identity] = r
	}
	r.last = now

	// Drop events that have left the window.
	for r.count > 0 && r.events[r.head].Before(cutoff) {
		r.head = (r.head + 1) % len(r.events)
		r.count--
	}

	if r.count >= policy.Limit {
		oldest := r.events[r.head]
		resetAt := oldest.Add(policy.Window)
		return Decision{
			Allowed:    false,
			Limit:      policy.Limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}, nil
	}

	r.events[(r.head+r.count)%len(r.events)] = now
	r.count++

	return Decision{
		Allowed:   true,
		Limit:     policy.Limit,
		Remaining: policy.Limit - r.count,
		ResetAt:   r.events[r.head].Add(policy.Window),
	}, nil
}

// Cleanup drops identities idle longer than maxIdle to bound memory. Run it
// on a timer, off the request path.
func (sw *SlidingWindow) Cleanup(maxIdle time.Duration) int {
	now := sw.now()
	removed := 0
	for _, sh := range sw.shards {
		sh.mu.Lock()
		for id, r := range sh.windows {
			if now.Sub(r.last) > maxIdle {
				delete(sh.windows, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
