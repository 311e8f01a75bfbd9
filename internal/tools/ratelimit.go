package tools

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-(user,tool) sliding-window limiter, the teacher's
// agent.RateLimiter (internal/agent/handler.go) generalized from a
// per-user key to a per-(user,tool) key so one noisy tool cannot starve
// a user's other tool calls.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter and starts the background
// eviction goroutine exactly as the teacher's NewRateLimiter does.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given (user, tool) key.
func (r *RateLimiter) Allow(userID, toolName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := userID + ":" + toolName
	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for range ticker.C {
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// BurstLimiter wraps golang.org/x/time/rate for tools needing burst
// control rather than a flat sliding window — company_research (browser
// automation) is expensive enough per-call that a token bucket with a
// small burst is the better fit than the sliding window above, which
// stays the default for everything else.
type BurstLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewBurstLimiter builds a per-(user,tool) token-bucket limiter.
func NewBurstLimiter(ratePerSecond float64, burst int) *BurstLimiter {
	return &BurstLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(ratePerSecond),
		burst:    burst,
	}
}

// Allow reports whether a token is currently available for this key.
func (b *BurstLimiter) Allow(userID, toolName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := userID + ":" + toolName
	lim, ok := b.limiters[key]
	if !ok {
		lim = rate.NewLimiter(b.r, b.burst)
		b.limiters[key] = lim
	}
	return lim.Allow()
}
