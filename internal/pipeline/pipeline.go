// Package pipeline orchestrates the delivery lifecycle: ingest events into
// the ledger, match them against the subscription index, fan deliveries out
// to the worker pool, schedule retries, and project per-pair outcomes back
// onto the event row.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/ipcasj/ethhook/internal/config"
	"github.com/ipcasj/ethhook/internal/delivery"
	"github.com/ipcasj/ethhook/internal/domain"
	"github.com/ipcasj/ethhook/internal/matcher"
	"github.com/ipcasj/ethhook/internal/metrics"
	"github.com/ipcasj/ethhook/internal/repo"
	"github.com/ipcasj/ethhook/internal/retry"
	"github.com/ipcasj/ethhook/internal/subindex"
)

const (
	// indexRetryInterval paces re-matching while the index is still warming.
	indexRetryInterval = 100 * time.Millisecond

	// ledgerQueueSize buffers async ledger writes; a full buffer falls back
	// to a synchronous write rather than dropping the record.
	ledgerQueueSize = 1024

	ledgerWriteTimeout = 5 * time.Second
	ledgerWriteRetries = 3
)

// ledgerOp is one deferred ledger write. then, when set, runs once the
// write has been applied (or finally dropped).
type ledgerOp struct {
	name string
	fn   func(ctx context.Context) error
	then func()
}

// eventProgress tracks how many (event, endpoint) pairs are still live for
// an event, whether any pair has already delivered, and which pairs have
// reached a terminal state. Terminal pairs stay tracked until the event's
// final status has been written so re-ingestion cannot restart them.
type eventProgress struct {
	remaining int
	delivered bool
	done      []delivery.PairKey
}

// Pipeline wires the matcher, the delivery pool, the retry scheduler and
// the ledger together. One Pipeline serves the whole process.
type Pipeline struct {
	cfg   config.DeliveryConfig
	log   zerolog.Logger
	db    *gorm.DB
	index *subindex.Index
	match *matcher.Matcher

	Pool  *delivery.Pool
	Sched *retry.Scheduler

	mu   sync.Mutex
	open map[string]*eventProgress

	ledger chan ledgerOp

	// runCtx is set by Run before any goroutine starts; it bounds the
	// scheduler's re-enqueues so they cannot block past shutdown.
	runCtx context.Context
}

// New builds a Pipeline over the given ledger database and subscription
// index. Run must be called before Ingest.
func New(cfg config.DeliveryConfig, log zerolog.Logger, db *gorm.DB, idx *subindex.Index) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		log:    log.With().Str("component", "pipeline").Logger(),
		db:     db,
		index:  idx,
		match:  matcher.New(idx),
		open:   make(map[string]*eventProgress),
		ledger: make(chan ledgerOp, ledgerQueueSize),
		runCtx: context.Background(),
	}
	p.Pool = delivery.NewPool(cfg, log, p.handleResult)
	p.Sched = retry.NewScheduler(func(job matcher.Job) {
		if err := p.Pool.Enqueue(p.runCtx, job); err != nil {
			p.log.Error().Err(err).Str("event_id", job.Event.ID).Msg("retry enqueue failed")
		}
	})
	return p
}

// Run starts the worker pool, the retry scheduler and the ledger writer,
// and blocks until ctx is canceled and in-flight attempts have drained.
// Buffered ledger writes are flushed before Run returns so attempt records
// survive a graceful shutdown.
func (p *Pipeline) Run(ctx context.Context) {
	p.runCtx = ctx

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		p.Sched.Run(ctx)
	}()
	go func() {
		defer workers.Done()
		p.Pool.Run(ctx)
	}()

	done := make(chan struct{})
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		p.ledgerWriter(done)
	}()

	workers.Wait()
	close(done)
	writer.Wait()
}

// Ingest records an event in the ledger and fans deliveries out to every
// matching endpoint. Duplicate ingestion of an already-finished event is a
// no-op; a duplicate of a still-pending event re-enters matching, where
// the open-event registry suppresses a second fan-out.
func (p *Pipeline) Ingest(ctx context.Context, ev *domain.Event) error {
	stored, dup, err := repo.CreateEvent(ctx, p.db, ev)
	if err != nil {
		return err
	}
	metrics.IncIngested(dup)
	if dup && stored.Status != domain.EventStatusPending {
		p.log.Debug().Str("event_id", stored.ID).Str("status", stored.Status).
			Msg("duplicate of finished event, skipped")
		return nil
	}

	jobs, err := p.matchWhenReady(ctx, *stored)
	if err != nil {
		// The event stays pending in the ledger and is picked up by
		// recovery on the next start.
		return err
	}
	return p.fanOut(ctx, stored, jobs, nil)
}

// Recover re-enqueues every event the ledger still holds as pending. Pair
// attempt counters are seeded from the attempt history so numbering stays
// strictly increasing across restarts.
func (p *Pipeline) Recover(ctx context.Context) error {
	events, err := repo.ListPendingEvents(ctx, p.db, 0)
	if err != nil {
		return err
	}
	for i := range events {
		ev := events[i]
		jobs, err := p.matchWhenReady(ctx, ev)
		if err != nil {
			return err
		}
		seed := make(map[string]int, len(jobs))
		for _, job := range jobs {
			n, err := repo.MaxAttemptNumber(ctx, p.db, ev.ID, job.Endpoint.ID)
			if err != nil {
				return err
			}
			seed[job.Endpoint.ID] = n
		}
		if err := p.fanOut(ctx, &ev, jobs, seed); err != nil {
			return err
		}
	}
	if len(events) > 0 {
		p.log.Info().Int("events", len(events)).Msg("pending events recovered")
	}
	return nil
}

// matchWhenReady matches an event, waiting out index warm-up.
func (p *Pipeline) matchWhenReady(ctx context.Context, ev domain.Event) ([]matcher.Job, error) {
	for {
		jobs, err := p.match.Match(ctx, ev)
		if !errors.Is(err, matcher.ErrIndexNotReady) {
			return jobs, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(indexRetryInterval):
		}
	}
}

// fanOut registers event progress and enqueues one job per matched pair.
// With no matches the event has no one to deliver to and is finalized as
// delivered. seed, when non-nil, carries prior attempt counts per endpoint
// (recovery); a pair already at its attempt budget is finalized as failed
// without a new attempt.
func (p *Pipeline) fanOut(ctx context.Context, ev *domain.Event, jobs []matcher.Job, seed map[string]int) error {
	if len(jobs) == 0 {
		p.log.Info().Str("event_id", ev.ID).Msg("no matching endpoints, event closed")
		p.markEvent(ev.ID, domain.EventStatusDelivered, nil)
		return nil
	}

	var enqueue []matcher.Job
	var spent []delivery.PairKey
	for _, job := range jobs {
		key := delivery.PairKey{EventID: ev.ID, EndpointID: job.Endpoint.ID}
		if _, _, live := p.Pool.Tracker.Pair(key); live {
			// The pair is already attempting, waiting on a retry, or
			// finished but not yet forgotten.
			continue
		}
		if prior := seed[job.Endpoint.ID]; prior > 0 {
			if prior >= p.maxAttempts(job.Endpoint) {
				spent = append(spent, key)
				continue
			}
			p.Pool.Tracker.Seed(key, prior)
		}
		enqueue = append(enqueue, job)
	}
	if len(enqueue)+len(spent) == 0 {
		return nil
	}

	p.mu.Lock()
	if _, ok := p.open[ev.ID]; ok {
		// A fan-out for this event is already in flight; its live pairs
		// cover this re-ingestion.
		p.mu.Unlock()
		return nil
	}
	p.open[ev.ID] = &eventProgress{remaining: len(enqueue) + len(spent)}
	p.mu.Unlock()

	metrics.IncJobs(len(enqueue))
	for _, key := range spent {
		p.pairDone(key, false)
	}
	for _, job := range enqueue {
		if err := p.Pool.Enqueue(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// handleResult is the pool sink: it appends the attempt record, decides
// the pair's next state, and schedules the retry when one is due.
func (p *Pipeline) handleResult(ctx context.Context, res delivery.Result) delivery.Decision {
	job := res.Job
	out := res.Outcome
	key := delivery.PairKey{EventID: job.Event.ID, EndpointID: job.Endpoint.ID}

	if out.Kind == delivery.KindBlocked {
		// Not a real attempt: no row is appended and no budget is spent.
		// Redispatch once the breaker's cooldown has had a chance to pass.
		at := time.Now().Add(p.cfg.BreakerCooldown)
		return delivery.Decision{
			Next:  delivery.StateRetryWait,
			After: func() { p.Sched.Schedule(job, at) },
		}
	}

	p.recordAttempt(job, res.AttemptNumber, out)

	switch out.Kind {
	case delivery.KindSuccess:
		return delivery.Decision{
			Next:  delivery.StateDelivered,
			After: func() { p.pairDone(key, true) },
		}

	case delivery.KindTransient:
		if res.AttemptNumber >= p.maxAttempts(job.Endpoint) {
			p.log.Warn().
				Str("event_id", job.Event.ID).
				Str("endpoint_id", job.Endpoint.ID).
				Int("attempts", res.AttemptNumber).
				Msg("attempt budget exhausted")
			return delivery.Decision{
				Next:  delivery.StateFailed,
				After: func() { p.pairDone(key, false) },
			}
		}
		delay := retry.Backoff(res.AttemptNumber, p.cfg.BackoffBase, p.cfg.BackoffCap)
		at := time.Now().Add(delay)
		metrics.IncRetryScheduled()
		return delivery.Decision{
			Next:  delivery.StateRetryWait,
			After: func() { p.Sched.Schedule(job, at) },
		}

	default: // permanent response or broken endpoint configuration
		p.log.Warn().
			Str("event_id", job.Event.ID).
			Str("endpoint_id", job.Endpoint.ID).
			Int("status", out.StatusCode).
			Str("outcome", out.Kind.String()).
			Msg("pair failed permanently")
		return delivery.Decision{
			Next:  delivery.StateFailed,
			After: func() { p.pairDone(key, false) },
		}
	}
}

// maxAttempts resolves the per-pair attempt budget, preferring the
// endpoint's own setting over the process default.
func (p *Pipeline) maxAttempts(ep subindex.EndpointRef) int {
	if ep.MaxAttempts > 0 {
		return ep.MaxAttempts
	}
	return p.cfg.MaxAttempts
}

// pairDone folds one finished pair into the event's status projection.
// The event becomes delivered on the first successful pair and failed only
// once every pair has failed. When the last pair finishes, the event's
// terminal pairs are dropped from the tracker.
func (p *Pipeline) pairDone(key delivery.PairKey, success bool) {
	p.mu.Lock()
	prog, ok := p.open[key.EventID]
	if !ok {
		p.mu.Unlock()
		p.Pool.Tracker.Forget(key)
		return
	}
	prog.remaining--
	prog.done = append(prog.done, key)
	first := success && !prog.delivered
	if first {
		prog.delivered = true
	}
	closed := prog.remaining <= 0
	if closed {
		delete(p.open, key.EventID)
	}
	delivered := prog.delivered
	done := prog.done
	p.mu.Unlock()

	if closed {
		// The status write lands before the pairs are forgotten, so a
		// replay arriving in between sees either live terminal pairs or
		// a finished event, never a restartable one.
		status := domain.EventStatusFailed
		if delivered {
			status = domain.EventStatusDelivered
		}
		p.markEvent(key.EventID, status, func() {
			for _, k := range done {
				p.Pool.Tracker.Forget(k)
			}
		})
		return
	}
	if first {
		p.markEvent(key.EventID, domain.EventStatusDelivered, nil)
	}
}

// markEvent queues a status projection write. then, when set, runs after
// the write has been applied.
func (p *Pipeline) markEvent(eventID, status string, then func()) {
	p.record("event status", func(ctx context.Context) error {
		return repo.UpdateEventStatus(ctx, p.db, eventID, status)
	}, then)
}

// recordAttempt queues the append-only attempt row and the event attempt
// counter bump.
func (p *Pipeline) recordAttempt(job matcher.Job, attempt int, out delivery.Outcome) {
	row := domain.DeliveryAttempt{
		EventID:         job.Event.ID,
		EndpointID:      job.Endpoint.ID,
		AttemptNumber:   attempt,
		ResponseBody:    out.ResponseBody,
		ResponseHeaders: out.ResponseHeaders,
		DurationMS:      out.Duration.Milliseconds(),
		Success:         out.Kind == delivery.KindSuccess,
	}
	if out.StatusCode != 0 {
		code := out.StatusCode
		row.HTTPStatusCode = &code
	}
	if out.Err != "" {
		msg := out.Err
		row.ErrorMessage = &msg
	}
	p.record("delivery attempt", func(ctx context.Context) error {
		if err := repo.AppendAttempt(ctx, p.db, &row); err != nil {
			return err
		}
		return repo.IncrementEventAttempts(ctx, p.db, row.EventID)
	}, nil)
}

// record hands a ledger write to the async writer. Ledger persistence must
// never stall a delivery worker's HTTP work, so writes are buffered; when
// the buffer is full the write runs inline instead of being lost.
func (p *Pipeline) record(name string, fn func(ctx context.Context) error, then func()) {
	op := ledgerOp{name: name, fn: fn, then: then}
	select {
	case p.ledger <- op:
	default:
		p.log.Warn().Str("op", name).Msg("ledger queue full, writing inline")
		p.apply(op)
	}
}

// ledgerWriter drains the ledger queue until done closes, then flushes
// whatever is still buffered.
func (p *Pipeline) ledgerWriter(done <-chan struct{}) {
	for {
		select {
		case op := <-p.ledger:
			p.apply(op)
		case <-done:
			for {
				select {
				case op := <-p.ledger:
					p.apply(op)
				default:
					return
				}
			}
		}
	}
}

// apply executes one ledger write with bounded retries, then runs the
// op's completion hook.
func (p *Pipeline) apply(op ledgerOp) {
	if op.then != nil {
		defer op.then()
	}
	var err error
	for i := 0; i < ledgerWriteRetries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
		err = op.fn(ctx)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(time.Duration(i+1) * 50 * time.Millisecond)
	}
	p.log.Error().Err(err).Str("op", op.name).Msg("ledger write dropped")
}
