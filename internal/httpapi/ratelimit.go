package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// submitLimiter is a token bucket per client address. Idle buckets are swept on use.
type submitLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	entries   map[string]*limiterEntry
	lastSweep time.Time
}

func newSubmitLimiter(perSecond float64, burst int) *submitLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &submitLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		entries: map[string]*limiterEntry{},
	}
}

func (l *submitLimiter) allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) > time.Minute {
		for k, entry := range l.entries {
			if now.Sub(entry.lastSeen) > limiterIdleTTL {
				delete(l.entries, k)
			}
		}
		l.lastSweep = now
	}
	entry, ok := l.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// retryAfter is the wait in whole seconds until one more token is available.
func (l *submitLimiter) retryAfter() int {
	seconds := int(1 / float64(l.limit))
	if seconds < 1 {
		return 1
	}
	return seconds
}
