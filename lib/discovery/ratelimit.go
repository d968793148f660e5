package discovery

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL   = 5 * time.Minute
	limiterMaxSource = 4096
)

// sourceLimiter bounds how many unsolicited requests each source address may
// trigger. Idle entries are dropped on the next sweep.
type sourceLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[netip.Addr]*limiterEntry
	now     func() time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newSourceLimiter(perSecond float64, burst int, now func() time.Time) *sourceLimiter {
	return &sourceLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		entries: make(map[netip.Addr]*limiterEntry),
		now:     now,
	}
}

// allow reports whether a request from addr may be served now.
func (l *sourceLimiter) allow(addr netip.Addr) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.entries[addr]
	if !ok {
		if len(l.entries) >= limiterMaxSource {
			l.sweepLocked(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[addr] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

func (l *sourceLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(l.now())
}

func (l *sourceLimiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-limiterIdleTTL)
	for a, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, a)
		}
	}
}
