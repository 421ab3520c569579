package delivery

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ipcasj/ethhook/internal/config"
	"github.com/ipcasj/ethhook/internal/matcher"
	"github.com/ipcasj/ethhook/internal/metrics"
	"github.com/ipcasj/ethhook/internal/observability"
	"github.com/ipcasj/ethhook/internal/signer"
)

// maxHeaderBytes caps the flattened response-header rendering per attempt.
const maxHeaderBytes = 2048

// Result is the completed attempt handed to the sink.
type Result struct {
	Job           matcher.Job
	AttemptNumber int
	Outcome       Outcome
}

// Decision is the sink's verdict on an attempt: the pair's next state and
// an optional hook that runs after the pair has been released into that
// state. Scheduling a retry belongs in After so the redispatched job can
// never observe the pair still in StateAttempting.
type Decision struct {
	Next  State
	After func()
}

// Sink receives each attempt result and decides what happens to the pair.
// It runs on the worker goroutine, so the pair stays in StateAttempting
// until the outcome has been recorded; attempt N+1 can never start before
// then.
type Sink func(ctx context.Context, res Result) Decision

// Pool is the fixed-size delivery worker pool. Workers pull jobs from a
// shared channel, perform one signed HTTP attempt each, and report the
// outcome to the sink.
type Pool struct {
	cfg    config.DeliveryConfig
	log    zerolog.Logger
	client *http.Client
	sink   Sink

	// Tracker, Limiter and Breaker are shared with the pipeline so
	// recovery can seed pair states and tests can inspect them.
	Tracker *Tracker
	Limiter *EndpointLimiter
	Breaker *Breaker

	jobs chan matcher.Job
	wg   sync.WaitGroup
}

// NewPool constructs a Pool; Run must be called before Enqueue.
func NewPool(cfg config.DeliveryConfig, log zerolog.Logger, sink Sink) *Pool {
	return &Pool{
		cfg:     cfg,
		log:     log.With().Str("component", "delivery").Logger(),
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		sink:    sink,
		Tracker: NewTracker(),
		Limiter: NewEndpointLimiter(cfg.EndpointSlots, cfg.DefaultRPS),
		Breaker: NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		jobs:    make(chan matcher.Job, cfg.QueueSize),
	}
}

// Enqueue submits a job to the pool, blocking while the queue is full.
func (p *Pool) Enqueue(ctx context.Context, job matcher.Job) error {
	select {
	case p.jobs <- job:
		metrics.SetQueueDepth(len(p.jobs))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is canceled and all workers
// have drained their in-flight attempt. Queued-but-unstarted jobs are not
// executed after cancellation; their events remain pending in the ledger
// and are re-enqueued by recovery on the next start.
func (p *Pool) Run(ctx context.Context) {
	for w := 0; w < p.cfg.Workers; w++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-p.jobs:
					metrics.SetQueueDepth(len(p.jobs))
					p.attempt(ctx, job)
				}
			}
		}()
	}
	p.wg.Wait()
}

// attempt executes one delivery try for a job, respecting the pair state
// machine, admission slots, rate limits and the circuit breaker.
func (p *Pool) attempt(ctx context.Context, job matcher.Job) {
	key := PairKey{EventID: job.Event.ID, EndpointID: job.Endpoint.ID}

	if !p.Breaker.Allow(job.Endpoint.ID) {
		// Refused before the pair is acquired: the attempt never starts,
		// so no attempt number is consumed. The sink's After hook decides
		// when to redispatch; Decision.Next is moot since there is no
		// acquired state to release.
		d := p.sink(ctx, Result{Job: job, Outcome: Outcome{Kind: KindBlocked, Err: "circuit open"}})
		if d.After != nil {
			d.After()
		}
		return
	}

	attempt, ok := p.Tracker.Acquire(key)
	if !ok {
		p.log.Debug().
			Str("event_id", key.EventID).
			Str("endpoint_id", key.EndpointID).
			Msg("pair busy or terminal, job skipped")
		return
	}
	// Fault path: if anything below panics or returns early, the pair is
	// parked in retry-wait instead of being wedged in attempting forever.
	released := false
	defer func() {
		if !released {
			p.Tracker.Release(key, StateRetryWait)
		}
	}()

	out, dispatched := p.execute(ctx, job, attempt)
	if !dispatched {
		// Shutdown interrupted admission; leave the pair for recovery.
		return
	}

	metrics.ObserveDelivery(out.Kind.String(), out.Duration)

	// Terminal pairs stay tracked so a re-ingested event cannot restart
	// them; the pipeline forgets them once the event's final status has
	// been recorded.
	d := p.sink(ctx, Result{Job: job, AttemptNumber: attempt, Outcome: out})
	p.Tracker.Release(key, d.Next)
	released = true
	if d.After != nil {
		d.After()
	}
}

// execute performs the HTTP call (or short-circuits on configuration
// errors) and returns the classified outcome. dispatched is
// false only when shutdown interrupted admission before any attempt was
// made.
func (p *Pool) execute(ctx context.Context, job matcher.Job, attempt int) (out Outcome, dispatched bool) {
	ep := job.Endpoint

	if ep.Secret == "" {
		return Outcome{Kind: KindConfig, Err: "endpoint has no signing secret"}, true
	}
	if u, err := url.Parse(ep.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Outcome{Kind: KindConfig, Err: "malformed webhook url"}, true
	}

	if err := p.Limiter.Acquire(ctx, ep.ID, ep.RateLimitPerSecond); err != nil {
		return Outcome{}, false
	}
	defer p.Limiter.Release(ep.ID)

	out = p.post(ctx, job, attempt)

	prev := p.Breaker.State(ep.ID)
	switch out.Kind {
	case KindSuccess:
		p.Breaker.RecordSuccess(ep.ID)
	case KindTransient:
		p.Breaker.RecordFailure(ep.ID)
		if prev != CircuitOpen && p.Breaker.State(ep.ID) == CircuitOpen {
			metrics.IncCircuitOpen()
			p.log.Warn().Str("endpoint_id", ep.ID).Msg("circuit opened")
		}
	}
	return out, true
}

// post builds the signed request, sends it with the bounded timeout, and
// classifies the response.
func (p *Pool) post(ctx context.Context, job matcher.Job, attempt int) Outcome {
	body, err := signer.Payload(job.Event)
	if err != nil {
		return Outcome{Kind: KindConfig, Err: "payload serialization: " + err.Error()}
	}
	sig := signer.Sign(job.Endpoint.Secret, body)
	webhookID := signer.WebhookID(job.Event.ID, job.Endpoint.ID)

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.HTTPTimeout)
	defer cancel()

	reqCtx, span := observability.Tracer().Start(reqCtx, "webhook.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("webhook.event_id", job.Event.ID),
			attribute.String("webhook.endpoint_id", job.Endpoint.ID),
			attribute.Int("webhook.attempt", attempt),
		))
	defer span.End()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, job.Endpoint.URL, strings.NewReader(string(body)))
	if err != nil {
		return Outcome{Kind: KindConfig, Err: "build request: " + err.Error()}
	}
	for k, v := range signer.Headers(webhookID, attempt, sig) {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	duration := time.Since(start)

	if err != nil {
		// Network error or timeout: no status, always retriable.
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return Outcome{Kind: KindTransient, Err: err.Error(), Duration: duration}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	limited := io.LimitReader(resp.Body, int64(p.cfg.MaxResponseBytes))
	respBody, _ := io.ReadAll(limited)

	out := Outcome{
		Kind:            classifyStatus(resp.StatusCode),
		StatusCode:      resp.StatusCode,
		ResponseBody:    string(respBody),
		ResponseHeaders: flattenHeaders(resp.Header),
		Duration:        duration,
	}

	evt := p.log.Debug()
	if out.Kind != KindSuccess {
		evt = p.log.Warn()
	}
	evt.Str("event_id", job.Event.ID).
		Str("endpoint_id", job.Endpoint.ID).
		Int("attempt", attempt).
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Str("outcome", out.Kind.String()).
		Msg("webhook attempt")

	return out
}

// flattenHeaders renders response headers as "k: v" lines, truncated.
func flattenHeaders(h http.Header) string {
	var b strings.Builder
	for k, vs := range h {
		for _, v := range vs {
			if b.Len() >= maxHeaderBytes {
				return b.String()[:maxHeaderBytes]
			}
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\n")
		}
	}
	s := b.String()
	if len(s) > maxHeaderBytes {
		s = s[:maxHeaderBytes]
	}
	return s
}
