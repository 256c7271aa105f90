package realtime

import (
	"sync"
	"time"
)

// RateLimiter caps inbound envelopes per connection over a sliding window.
//
// It keeps the timestamps of the last limit admitted events in a ring; an
// event is admitted when the oldest of them has left the window.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	filled int
	window time.Duration
}

// NewRateLimiter falls back to the gateway defaults for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		ring:   make([]time.Time, limit),
		window: window,
	}
}

// Allow reports whether an event at now is admitted, and records it if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled == len(r.ring) {
		oldest := r.ring[r.next]
		if now.Sub(oldest) < r.window {
			return false
		}
	} else {
		r.filled++
	}

	r.ring[r.next] = now
	r.next = (r.next + 1) % len(r.ring)
	return true
}
