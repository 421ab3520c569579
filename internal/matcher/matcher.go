// Package matcher turns one decoded chain event into the set of delivery
// jobs for the endpoints whose subscription filters match it. Matching is a
// pure function over the event and the current subscription index snapshot:
// for a given index version, the same event always yields the same jobs.
package matcher

import (
	"context"
	"errors"

	"github.com/ipcasj/ethhook/internal/domain"
	"github.com/ipcasj/ethhook/internal/subindex"
)

// ErrIndexNotReady is returned when matching is attempted before the
// subscription index finished its bootstrap. It is a transient condition:
// callers back off and retry the match instead of dropping the event.
var ErrIndexNotReady = errors.New("subscription index not ready")

// Job is one unit of delivery work for an (event, endpoint) pair. The
// endpoint URL and secret are captured at match time, so a later admin
// update cannot redirect or re-sign an in-flight delivery.
type Job struct {
	Event    domain.Event
	Endpoint subindex.EndpointRef
}

// Matcher resolves events against the subscription index.
type Matcher struct {
	Index *subindex.Index
}

// New constructs a Matcher over the given index.
func New(idx *subindex.Index) *Matcher {
	return &Matcher{Index: idx}
}

// Match returns one delivery job per endpoint subscribed to the event.
// The result order is deterministic (endpoint ID ascending).
func (m *Matcher) Match(ctx context.Context, ev domain.Event) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !m.Index.Ready() {
		return nil, ErrIndexNotReady
	}

	refs := m.Index.Lookup(ev.ChainID, ev.ContractAddress, ev.EventSignature)
	if len(refs) == 0 {
		return nil, nil
	}
	jobs := make([]Job, 0, len(refs))
	for _, ref := range refs {
		jobs = append(jobs, Job{Event: ev, Endpoint: ref})
	}
	return jobs, nil
}
