package delivery

import (
	"sync"
)

// State is the delivery state of one (event, endpoint) pair.
type State int

const (
	StatePending State = iota
	StateAttempting
	StateRetryWait
	StateDelivered
	StateFailed
)

// String returns the state label used in logs and the dashboard.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAttempting:
		return "attempting"
	case StateRetryWait:
		return "retry-wait"
	case StateDelivered:
		return "delivered"
	default:
		return "failed"
	}
}

// PairKey identifies one (event, endpoint) pair.
type PairKey struct {
	EventID    string
	EndpointID string
}

type pairState struct {
	state    State
	attempts int
}

// Tracker is the per-pair finite state machine map. It enforces the
// concurrency invariant that attempts within one pair are strictly
// sequential: only one worker may hold StateAttempting for a pair, and
// attempt N+1 cannot start before attempt N's outcome was recorded. It also
// guarantees monotonic, gap-free attempt numbering per pair.
//
// Terminal pairs (delivered/failed) are kept so late retries or duplicate
// jobs are rejected rather than re-delivered.
type Tracker struct {
	mu    sync.Mutex
	pairs map[PairKey]*pairState
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{pairs: make(map[PairKey]*pairState)}
}

// Seed records a prior attempt count for a pair, used during startup
// recovery so numbering continues where the previous process stopped.
func (t *Tracker) Seed(key PairKey, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pairs[key]; !exists {
		t.pairs[key] = &pairState{state: StateRetryWait, attempts: attempts}
	}
}

// Acquire transitions a pair into StateAttempting and returns the attempt
// number (1-based) this try will carry. It returns ok=false when the pair
// is already attempting (another worker holds it) or has reached a
// terminal state.
func (t *Tracker) Acquire(key PairKey) (attempt int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps := t.pairs[key]
	if ps == nil {
		ps = &pairState{state: StatePending}
		t.pairs[key] = ps
	}
	switch ps.state {
	case StatePending, StateRetryWait:
		ps.state = StateAttempting
		ps.attempts++
		return ps.attempts, true
	default:
		return 0, false
	}
}

// Release moves an attempting pair to the given next state. Panics are
// deliberately avoided: releasing a pair that is not attempting is a no-op
// so fault paths can release unconditionally.
func (t *Tracker) Release(key PairKey, next State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps := t.pairs[key]
	if ps == nil || ps.state != StateAttempting {
		return
	}
	ps.state = next
}

// Pair returns the current state and attempt count of a pair. The second
// return value reports whether the pair is known.
func (t *Tracker) Pair(key PairKey) (State, int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps := t.pairs[key]
	if ps == nil {
		return StatePending, 0, false
	}
	return ps.state, ps.attempts, true
}

// Forget drops a terminal pair from memory. Called once its outcome has
// been durably recorded; the ledger remains the audit trail.
func (t *Tracker) Forget(key PairKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ps := t.pairs[key]; ps != nil && (ps.state == StateDelivered || ps.state == StateFailed) {
		delete(t.pairs, key)
	}
}
