package governor

import (
	"sync"
	"time"
)

// rateLimiter is a fixed-window counter per principal, kept in process
// memory. State resets on restart, which is acceptable: the limiter guards
// against bursts, the durable caps guard against volume.
type rateLimiter struct {
	mu        sync.Mutex
	perMinute int
	windows   map[string]*rateWindow
	lastSweep time.Time
	now       func() time.Time
}

type rateWindow struct {
	start time.Time
	count int
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{
		perMinute: perMinute,
		windows:   make(map[string]*rateWindow),
		now:       time.Now,
	}
}

// allow counts one request against the principal's current minute window.
// Returns false when the window is already full.
func (r *rateLimiter) allow(principalID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sweepLocked(now)

	w, ok := r.windows[principalID]
	if !ok || now.Sub(w.start) >= time.Minute {
		r.windows[principalID] = &rateWindow{start: now, count: 1}
		return true
	}
	if w.count >= r.perMinute {
		return false
	}
	w.count++
	return true
}

func (r *rateLimiter) setRate(perMinute int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perMinute = perMinute
}

// sweepLocked evicts windows idle past expiry so the map does not grow
// unbounded with one-off principals. Runs at most once per minute.
func (r *rateLimiter) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < time.Minute {
		return
	}
	r.lastSweep = now
	for key, w := range r.windows {
		if now.Sub(w.start) >= 2*time.Minute {
			delete(r.windows, key)
		}
	}
}
