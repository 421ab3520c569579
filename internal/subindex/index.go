// Package subindex provides the in-memory subscription index mapping
// chain/contract/event-signature tuples to interested endpoints. It is
// engineered for lock-free concurrent reads:
//
//   - Lookups walk an immutable snapshot; a snapshot is never mutated after
//     publication, so in-flight readers always see a consistent version.
//   - Writers (bootstrap rebuilds and admin change notifications) build a
//     fresh snapshot under a writer mutex and publish it with one atomic
//     pointer swap. Readers never block on writers.
//   - Lookup is O(1) amortized per dimension: chain id → contract address
//     (exact bucket plus a wildcard bucket for endpoints with an empty
//     contract filter) → event signature (exact plus wildcard).
//
// Contract addresses are case-normalized on both insert and lookup.
package subindex

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ipcasj/ethhook/internal/domain"
)

// EndpointRef is the delivery-relevant projection of an endpoint captured
// inside the index. The matcher copies it into job descriptors so a later
// admin update cannot change the URL or secret of an in-flight delivery.
type EndpointRef struct {
	ID                 string
	ApplicationID      string
	URL                string
	Secret             string
	RateLimitPerSecond float64
	MaxAttempts        int
}

// ChangeKind discriminates endpoint change notifications.
type ChangeKind string

const (
	// ChangeUpsert covers create, update, activate and deactivate; the
	// carried endpoint's Active flag decides whether it stays indexed.
	ChangeUpsert ChangeKind = "upsert"
	// ChangeDelete removes an endpoint from the index entirely.
	ChangeDelete ChangeKind = "delete"
)

// Change is one endpoint change notification published by the admin API.
type Change struct {
	Kind     ChangeKind      `json:"kind"`
	Endpoint domain.Endpoint `json:"endpoint"`
}

// sigBucket maps event signatures to endpoint refs, with a wildcard bucket
// for endpoints that subscribed to every signature on the contract.
type sigBucket struct {
	bySig    map[string][]EndpointRef
	wildcard []EndpointRef
}

// chainBucket maps lowercased contract addresses to signature buckets, with
// a wildcard bucket for endpoints with an empty contract filter.
type chainBucket struct {
	byContract map[string]*sigBucket
	wildcard   *sigBucket
}

// snapshot is one immutable index version.
type snapshot struct {
	chains map[uint64]*chainBucket
	count  int
}

// Index is the subscription index. The zero value is not ready; callers
// must Rebuild it from the store before lookups return matches.
type Index struct {
	snap  atomic.Pointer[snapshot]
	ready atomic.Bool

	// mu serializes writers; endpoints is the writer-side source of truth
	// from which each new snapshot is derived.
	mu        sync.Mutex
	endpoints map[string]domain.Endpoint
}

// New returns an empty, not-yet-ready Index.
func New() *Index {
	idx := &Index{endpoints: make(map[string]domain.Endpoint)}
	idx.snap.Store(&snapshot{chains: map[uint64]*chainBucket{}})
	return idx
}

// Ready reports whether the index has been bootstrapped at least once.
func (i *Index) Ready() bool { return i.ready.Load() }

// Len returns the number of active endpoints in the current snapshot.
func (i *Index) Len() int { return i.snap.Load().count }

// Rebuild replaces the entire index contents with the given endpoints
// (typically repo.ListActiveEndpoints at startup) and marks it ready.
func (i *Index) Rebuild(endpoints []domain.Endpoint) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.endpoints = make(map[string]domain.Endpoint, len(endpoints))
	for _, ep := range endpoints {
		i.endpoints[ep.ID] = ep
	}
	i.snap.Store(build(i.endpoints))
	i.ready.Store(true)
}

// Apply incorporates one endpoint change notification and publishes a new
// snapshot. In-flight lookups keep reading the previous version.
func (i *Index) Apply(c Change) {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch c.Kind {
	case ChangeDelete:
		delete(i.endpoints, c.Endpoint.ID)
	default:
		i.endpoints[c.Endpoint.ID] = c.Endpoint
	}
	i.snap.Store(build(i.endpoints))
}

// Lookup returns the endpoints subscribed to the given event coordinates.
// Results are deduplicated and sorted by endpoint ID for deterministic
// downstream fan-out.
func (i *Index) Lookup(chainID uint64, contractAddress, eventSignature string) []EndpointRef {
	snap := i.snap.Load()
	cb, ok := snap.chains[chainID]
	if !ok {
		return nil
	}

	contractAddress = strings.ToLower(contractAddress)
	seen := make(map[string]EndpointRef)

	collect := func(sb *sigBucket) {
		if sb == nil {
			return
		}
		for _, ref := range sb.bySig[eventSignature] {
			seen[ref.ID] = ref
		}
		for _, ref := range sb.wildcard {
			seen[ref.ID] = ref
		}
	}
	collect(cb.byContract[contractAddress])
	collect(cb.wildcard)

	if len(seen) == 0 {
		return nil
	}
	out := make([]EndpointRef, 0, len(seen))
	for _, ref := range seen {
		out = append(out, ref)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// build constructs an immutable snapshot from the writer-side endpoint map.
func build(endpoints map[string]domain.Endpoint) *snapshot {
	snap := &snapshot{chains: make(map[uint64]*chainBucket)}
	for _, ep := range endpoints {
		if !ep.Active {
			continue
		}
		snap.count++
		ref := EndpointRef{
			ID:                 ep.ID,
			ApplicationID:      ep.ApplicationID,
			URL:                ep.WebhookURL,
			Secret:             ep.HMACSecret,
			RateLimitPerSecond: ep.RateLimitPerSecond,
			MaxAttempts:        ep.MaxAttempts,
		}
		for _, chainID := range ep.ChainIDs {
			cb := snap.chains[chainID]
			if cb == nil {
				cb = &chainBucket{byContract: make(map[string]*sigBucket)}
				snap.chains[chainID] = cb
			}
			if len(ep.ContractAddresses) == 0 {
				insertSig(&cb.wildcard, ep.EventSignatures, ref)
				continue
			}
			for _, addr := range ep.ContractAddresses {
				addr = strings.ToLower(addr)
				sb := cb.byContract[addr]
				if sb == nil {
					sb = &sigBucket{bySig: make(map[string][]EndpointRef)}
					cb.byContract[addr] = sb
				}
				insertRef(sb, ep.EventSignatures, ref)
			}
		}
	}
	return snap
}

func insertSig(dst **sigBucket, signatures domain.StringList, ref EndpointRef) {
	if *dst == nil {
		*dst = &sigBucket{bySig: make(map[string][]EndpointRef)}
	}
	insertRef(*dst, signatures, ref)
}

func insertRef(sb *sigBucket, signatures domain.StringList, ref EndpointRef) {
	if len(signatures) == 0 {
		sb.wildcard = append(sb.wildcard, ref)
		return
	}
	for _, sig := range signatures {
		sb.bySig[sig] = append(sb.bySig[sig], ref)
	}
}
