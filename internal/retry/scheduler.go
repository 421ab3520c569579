package retry

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/ipcasj/ethhook/internal/matcher"
)

// entry is one scheduled retry.
type entry struct {
	job matcher.Job
	at  time.Time
	seq uint64 // insertion order, breaks ties deterministically
}

// dueHeap is a min-heap ordered by due time.
type dueHeap []*entry

func (h dueHeap) Len() int { return len(h) }
func (h dueHeap) Less(a, b int) bool {
	if h[a].at.Equal(h[b].at) {
		return h[a].seq < h[b].seq
	}
	return h[a].at.Before(h[b].at)
}
func (h dueHeap) Swap(a, b int) { h[a], h[b] = h[b], h[a] }

func (h *dueHeap) Push(x any) { *h = append(*h, x.(*entry)) }
func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler holds pending retries in a due-time min-heap and dispatches
// each no earlier than its scheduled time (best-effort, not hard
// real-time). The loop sleeps until the next deadline and is woken early
// when a nearer retry is scheduled or on shutdown.
type Scheduler struct {
	dispatch func(matcher.Job)

	mu   sync.Mutex
	heap dueHeap
	seq  uint64
	wake chan struct{}
}

// NewScheduler constructs a Scheduler that hands due jobs to dispatch.
// Dispatch must not block for long; typically it enqueues into the
// delivery pool.
func NewScheduler(dispatch func(matcher.Job)) *Scheduler {
	return &Scheduler{
		dispatch: dispatch,
		wake:     make(chan struct{}, 1),
	}
}

// Schedule queues job to be dispatched at the given time.
func (s *Scheduler) Schedule(job matcher.Job, at time.Time) {
	s.mu.Lock()
	s.seq++
	heap.Push(&s.heap, &entry{job: job, at: at, seq: s.seq})
	s.mu.Unlock()

	// Non-blocking wake; a pending signal already covers this entry.
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of retries currently waiting.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}

// Run processes the heap until ctx is canceled. Jobs already due are
// dispatched immediately; otherwise the loop sleeps until the earliest
// deadline or the next wake-up.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration
		if s.heap.Len() == 0 {
			wait = -1
		} else {
			next := s.heap[0].at
			now := time.Now()
			if !next.After(now) {
				e := heap.Pop(&s.heap).(*entry)
				s.mu.Unlock()
				s.dispatch(e.job)
				continue
			}
			wait = next.Sub(now)
		}
		s.mu.Unlock()

		if wait < 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}
