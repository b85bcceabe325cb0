// Package backoff holds the doubling-with-cap delay used by the outbox
// publisher and the finalization retry path.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

var (
	jitterMu     sync.Mutex
	jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Next doubles current, starting from base, and caps the result at max.
func Next(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// ForAttempt returns the delay before attempt+1: base for the first attempt,
// doubling after that, never above max.
func ForAttempt(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d = Next(d, base, max)
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// WithJitter adds up to window of random delay.
func WithJitter(d, window time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if window <= 0 {
		return d
	}
	jitterMu.Lock()
	jitter := time.Duration(jitterSource.Int63n(int64(window)))
	jitterMu.Unlock()
	return d + jitter
}
