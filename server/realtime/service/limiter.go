package service

import "time"

// rateLimiter is a fixed-window counter owned by a single connection's read
// goroutine; it is not safe for concurrent use.
type rateLimiter struct {
	limit       int
	window      time.Duration
	count       int
	windowStart time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{limit: limit, window: window}
}

// Allow reports whether one more event fits in the current window. A limit of
// zero or less disables limiting.
func (rl *rateLimiter) Allow(now time.Time) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	if rl.windowStart.IsZero() || now.Sub(rl.windowStart) >= rl.window {
		rl.count = 0
		rl.windowStart = now
	}
	if rl.count >= rl.limit {
		return false
	}
	rl.count++
	return true
}
