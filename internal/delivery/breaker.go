package delivery

import (
	"sync"
	"time"
)

// CircuitState is the breaker state for one endpoint.
type CircuitState int

const (
	// CircuitClosed: normal operation.
	CircuitClosed CircuitState = iota
	// CircuitOpen: too many consecutive failures; dispatch is blocked
	// until the cooldown elapses.
	CircuitOpen
	// CircuitHalfOpen: cooldown elapsed; one probe request is allowed to
	// test recovery.
	CircuitHalfOpen
)

type endpointHealth struct {
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
}

// Breaker tracks receiver health per endpoint and stops hammering
// endpoints that fail repeatedly. Attempts blocked by an open circuit are
// treated as transient failures upstream, so they re-enter the retry
// schedule rather than being dropped.
type Breaker struct {
	threshold int
	cooldown  time.Duration

	mu        sync.Mutex
	endpoints map[string]*endpointHealth
	now       func() time.Time // test seam
}

// NewBreaker constructs a Breaker opening after threshold consecutive
// failures and re-probing after cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		endpoints: make(map[string]*endpointHealth),
		now:       time.Now,
	}
}

// Allow reports whether a request to the endpoint may be dispatched. An
// open circuit whose cooldown elapsed transitions to half-open and allows
// one probe.
func (b *Breaker) Allow(endpointID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.endpoints[endpointID]
	if h == nil {
		return true
	}
	switch h.state {
	case CircuitOpen:
		if b.now().Sub(h.openedAt) >= b.cooldown {
			h.state = CircuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the circuit and resets the failure count.
func (b *Breaker) RecordSuccess(endpointID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h := b.endpoints[endpointID]; h != nil {
		h.state = CircuitClosed
		h.consecutiveFailures = 0
	}
}

// RecordFailure counts a failed attempt; crossing the threshold (or any
// failure while half-open) opens the circuit.
func (b *Breaker) RecordFailure(endpointID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.endpoints[endpointID]
	if h == nil {
		h = &endpointHealth{}
		b.endpoints[endpointID] = h
	}
	h.consecutiveFailures++
	if h.state == CircuitHalfOpen || h.consecutiveFailures >= b.threshold {
		h.state = CircuitOpen
		h.openedAt = b.now()
	}
}

// State returns the current circuit state for an endpoint.
func (b *Breaker) State(endpointID string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h := b.endpoints[endpointID]; h != nil {
		return h.state
	}
	return CircuitClosed
}
