package intent

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter for LLM-driven structure
// analyses. Zero or negative limits disable limiting.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
	now    func() time.Time
}

// NewRateLimiter allows limit calls per minute.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: time.Minute,
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed now. When denied, retryAfter is
// the time until the oldest call in the window ages out.
func (r *RateLimiter) Allow() (ok bool, retryAfter time.Duration) {
	if r.limit <= 0 {
		return true, 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)
	kept := r.stamps[:0]
	for _, t := range r.stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.stamps = kept

	if len(r.stamps) < r.limit {
		r.stamps = append(r.stamps, now)
		return true, 0
	}
	return false, r.stamps[0].Sub(cutoff)
}
