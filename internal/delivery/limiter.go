package delivery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// endpointEntry holds the admission slots and token bucket for one
// endpoint. Slots bound in-flight concurrency; the token bucket bounds
// request rate.
type endpointEntry struct {
	slots    chan struct{}
	limiter  *rate.Limiter
	lastSeen time.Time
}

// EndpointLimiter provides backpressure per endpoint: at most `slots`
// in-flight deliveries and at most the endpoint's configured requests per
// second. Without it, one slow or unresponsive receiver would absorb the
// whole worker pool while other endpoints starve.
//
// Entries are created on demand and evicted opportunistically after an idle
// TTL to bound memory, mirroring the per-key bucket pattern used for HTTP
// rate limiting.
type EndpointLimiter struct {
	slots      int
	defaultRPS float64

	mu       sync.Mutex
	entries  map[string]*endpointEntry
	ttl      time.Duration
	cleanupN uint64
}

// NewEndpointLimiter constructs a limiter granting `slots` concurrent
// deliveries per endpoint and defaultRPS when an endpoint has no rate limit
// of its own.
func NewEndpointLimiter(slots int, defaultRPS float64) *EndpointLimiter {
	if slots <= 0 {
		slots = 1
	}
	return &EndpointLimiter{
		slots:      slots,
		defaultRPS: defaultRPS,
		entries:    make(map[string]*endpointEntry),
		ttl:        10 * time.Minute,
	}
}

// get returns (and refreshes) the entry for an endpoint, creating it if
// absent. Opportunistic GC runs before the touch so idle entries can be
// evicted even when they are the one being fetched.
func (l *EndpointLimiter) get(endpointID string, rps float64) *endpointEntry {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanupN++
	if l.cleanupN >= 5000 {
		for k, e := range l.entries {
			if now.Sub(e.lastSeen) >= l.ttl && len(e.slots) == 0 {
				delete(l.entries, k)
			}
		}
		l.cleanupN = 0
	}

	e := l.entries[endpointID]
	if e == nil {
		if rps <= 0 {
			rps = l.defaultRPS
		}
		e = &endpointEntry{
			slots:   make(chan struct{}, l.slots),
			limiter: rate.NewLimiter(rate.Limit(rps), 1),
		}
		l.entries[endpointID] = e
	}
	e.lastSeen = now
	return e
}

// Acquire takes one admission slot and one rate token for the endpoint,
// blocking until both are available or ctx is done. On success the caller
// must Release on every exit path.
func (l *EndpointLimiter) Acquire(ctx context.Context, endpointID string, rps float64) error {
	e := l.get(endpointID, rps)

	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := e.limiter.Wait(ctx); err != nil {
		<-e.slots
		return err
	}
	return nil
}

// Release frees the admission slot taken by Acquire.
func (l *EndpointLimiter) Release(endpointID string) {
	l.mu.Lock()
	e := l.entries[endpointID]
	l.mu.Unlock()
	if e == nil {
		return
	}
	select {
	case <-e.slots:
	default:
	}
}
