package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ipcasj/ethhook/internal/config"
	"github.com/ipcasj/ethhook/internal/domain"
	"github.com/ipcasj/ethhook/internal/matcher"
	"github.com/ipcasj/ethhook/internal/signer"
	"github.com/ipcasj/ethhook/internal/subindex"
)

func testDeliveryConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		Workers:          2,
		QueueSize:        16,
		HTTPTimeout:      2 * time.Second,
		MaxAttempts:      5,
		BackoffBase:      time.Millisecond,
		BackoffCap:       10 * time.Millisecond,
		EndpointSlots:    2,
		DefaultRPS:       1000,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
		MaxResponseBytes: 64,
	}
}

func testJob(eventID, endpointID, url, secret string) matcher.Job {
	return matcher.Job{
		Event: domain.Event{
			ID:              eventID,
			ChainID:         1,
			ContractAddress: "0xaaa",
			EventSignature:  "0xddf252ad",
			BlockNumber:     100,
			TransactionHash: "0xtx-" + eventID,
			LogIndex:        0,
			Payload:         `{"data":"0x00"}`,
		},
		Endpoint: subindex.EndpointRef{
			ID:     endpointID,
			URL:    url,
			Secret: secret,
		},
	}
}

// startPool runs a pool whose sink sends every result to a channel and
// finalizes each pair (delivered on success, failed otherwise) so no
// retries are generated unless the test overrides the decision.
func startPool(t *testing.T, cfg config.DeliveryConfig, decide func(Result) Decision) (*Pool, chan Result, context.CancelFunc) {
	t.Helper()
	results := make(chan Result, 32)
	sink := func(_ context.Context, res Result) Decision {
		var d Decision
		if decide != nil {
			d = decide(res)
		} else if res.Outcome.Kind == KindSuccess {
			d = Decision{Next: StateDelivered}
		} else {
			d = Decision{Next: StateFailed}
		}
		results <- res
		return d
	}
	pool := NewPool(cfg, zerolog.Nop(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx)
	t.Cleanup(cancel)
	return pool, results, cancel
}

func waitResult(t *testing.T, results chan Result) Result {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery result")
		return Result{}
	}
}

func TestPool_SuccessfulDeliverySignedAndClassified(t *testing.T) {
	const secret = "whsec_pool"
	var gotBody []byte
	var gotHeader http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"received":true}`))
	}))
	defer srv.Close()

	pool, results, _ := startPool(t, testDeliveryConfig(), nil)
	if err := pool.Enqueue(context.Background(), testJob("ev-1", "ep-1", srv.URL, secret)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	res := waitResult(t, results)
	if res.Outcome.Kind != KindSuccess {
		t.Fatalf("outcome = %v (%s)", res.Outcome.Kind, res.Outcome.Err)
	}
	if res.Outcome.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.Outcome.StatusCode)
	}
	if res.AttemptNumber != 1 {
		t.Fatalf("attempt = %d", res.AttemptNumber)
	}

	// Receiver-side contract: content type, webhook id, attempt counter,
	// and a signature that verifies against the exact raw body.
	if ct := gotHeader.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if id := gotHeader.Get(signer.HeaderWebhookID); id != "evt_ev-1:ep-1" {
		t.Errorf("webhook id = %q", id)
	}
	if n := gotHeader.Get(signer.HeaderAttempt); n != "1" {
		t.Errorf("attempt header = %q", n)
	}
	sig := gotHeader.Get(signer.HeaderSignature)
	if !signer.Verify(secret, gotBody, sig) {
		t.Errorf("signature %q does not verify against delivered body", sig)
	}
	if !strings.Contains(string(gotBody), `"transaction_hash":"0xtx-ev-1"`) {
		t.Errorf("body missing event fields: %s", gotBody)
	}
}

func TestPool_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	pool, results, _ := startPool(t, testDeliveryConfig(), nil)
	pool.Enqueue(context.Background(), testJob("ev-1", "ep-1", srv.URL, "s"))

	res := waitResult(t, results)
	if res.Outcome.Kind != KindTransient {
		t.Fatalf("outcome = %v, want transient", res.Outcome.Kind)
	}
	if res.Outcome.StatusCode != 0 {
		t.Fatalf("status = %d, want 0 (no response)", res.Outcome.StatusCode)
	}
	if res.Outcome.Err == "" {
		t.Fatal("network error outcome must carry the error message")
	}
}

func TestPool_ConfigurationErrorsSkipHTTP(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	pool, results, _ := startPool(t, testDeliveryConfig(), nil)

	// Empty secret.
	pool.Enqueue(context.Background(), testJob("ev-1", "ep-1", srv.URL, ""))
	if res := waitResult(t, results); res.Outcome.Kind != KindConfig {
		t.Fatalf("empty secret outcome = %v, want config", res.Outcome.Kind)
	}

	// Malformed URL.
	pool.Enqueue(context.Background(), testJob("ev-2", "ep-2", "not a url", "s"))
	if res := waitResult(t, results); res.Outcome.Kind != KindConfig {
		t.Fatalf("bad url outcome = %v, want config", res.Outcome.Kind)
	}

	if hits.Load() != 0 {
		t.Fatalf("receiver was hit %d times for unconfigurable endpoints", hits.Load())
	}
}

func TestPool_OpenCircuitShortCircuitsAttempt(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testDeliveryConfig()
	cfg.BreakerThreshold = 1
	pool, results, _ := startPool(t, cfg, nil)

	pool.Enqueue(context.Background(), testJob("ev-1", "ep-sick", srv.URL, "s"))
	first := waitResult(t, results)
	if first.Outcome.Kind != KindTransient || first.Outcome.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("first outcome = %+v", first.Outcome)
	}
	if pool.Breaker.State("ep-sick") != CircuitOpen {
		t.Fatal("breaker should open after threshold failures")
	}

	// Same endpoint, different event: refused without touching the wire
	// and without consuming the pair's first attempt number.
	pool.Enqueue(context.Background(), testJob("ev-2", "ep-sick", srv.URL, "s"))
	second := waitResult(t, results)
	if second.Outcome.Kind != KindBlocked {
		t.Fatalf("blocked outcome = %v, want blocked", second.Outcome.Kind)
	}
	if second.Outcome.Err != "circuit open" {
		t.Fatalf("blocked outcome err = %q", second.Outcome.Err)
	}
	if second.AttemptNumber != 0 {
		t.Fatalf("blocked dispatch carries attempt %d, want 0", second.AttemptNumber)
	}
	if _, _, live := pool.Tracker.Pair(PairKey{EventID: "ev-2", EndpointID: "ep-sick"}); live {
		t.Fatal("blocked dispatch left pair state behind")
	}
	if hits.Load() != 1 {
		t.Fatalf("receiver hit %d times, want 1", hits.Load())
	}
}

func TestPool_OpenCircuitPreservesAttemptBudget(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testDeliveryConfig()
	cfg.BreakerThreshold = 1
	cfg.BreakerCooldown = 50 * time.Millisecond
	pool, results, _ := startPool(t, cfg, nil)

	pool.Breaker.RecordFailure("ep-1")
	if pool.Breaker.State("ep-1") != CircuitOpen {
		t.Fatal("breaker should be open")
	}

	// Repeated dispatches against the open circuit must all be refused
	// without burning attempt numbers.
	for i := 0; i < 5; i++ {
		pool.Enqueue(context.Background(), testJob("ev-1", "ep-1", srv.URL, "s"))
		res := waitResult(t, results)
		if res.Outcome.Kind != KindBlocked || res.AttemptNumber != 0 {
			t.Fatalf("dispatch %d: outcome = %v attempt = %d", i, res.Outcome.Kind, res.AttemptNumber)
		}
	}
	if hits.Load() != 0 {
		t.Fatalf("receiver hit %d times while the circuit was open", hits.Load())
	}

	// After the cooldown the half-open probe goes through as the pair's
	// genuine first attempt.
	time.Sleep(60 * time.Millisecond)
	pool.Enqueue(context.Background(), testJob("ev-1", "ep-1", srv.URL, "s"))
	res := waitResult(t, results)
	if res.Outcome.Kind != KindSuccess {
		t.Fatalf("probe outcome = %v (%s)", res.Outcome.Kind, res.Outcome.Err)
	}
	if res.AttemptNumber != 1 {
		t.Fatalf("probe attempt = %d, want the untouched budget to start at 1", res.AttemptNumber)
	}
	if hits.Load() != 1 {
		t.Fatalf("receiver hit %d times, want 1", hits.Load())
	}
}

func TestPool_ResponseBodyCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	cfg := testDeliveryConfig() // MaxResponseBytes: 64
	pool, results, _ := startPool(t, cfg, nil)
	pool.Enqueue(context.Background(), testJob("ev-1", "ep-1", srv.URL, "s"))

	res := waitResult(t, results)
	if res.Outcome.Kind != KindPermanent {
		t.Fatalf("outcome = %v, want permanent for 400", res.Outcome.Kind)
	}
	if len(res.Outcome.ResponseBody) != 64 {
		t.Fatalf("response body kept %d bytes, want 64", len(res.Outcome.ResponseBody))
	}
}

func TestPool_AfterHookRunsPostRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var pool *Pool
	attempts := make(chan int, 8)
	decide := func(res Result) Decision {
		attempts <- res.AttemptNumber
		if res.AttemptNumber >= 2 {
			return Decision{Next: StateFailed}
		}
		job := res.Job
		return Decision{
			Next: StateRetryWait,
			// Re-enqueue immediately; Acquire must see the released
			// pair, not StateAttempting.
			After: func() { pool.Enqueue(context.Background(), job) },
		}
	}

	var results chan Result
	pool, results, _ = startPool(t, testDeliveryConfig(), decide)
	pool.Enqueue(context.Background(), testJob("ev-1", "ep-1", srv.URL, "s"))

	waitResult(t, results)
	waitResult(t, results)

	got := []int{<-attempts, <-attempts}
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("attempt numbers = %v, want [1 2]", got)
	}
}

func TestPool_DuplicateJobForBusyPairIsDropped(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pool, results, _ := startPool(t, testDeliveryConfig(), nil)
	job := testJob("ev-1", "ep-1", srv.URL, "s")
	pool.Enqueue(context.Background(), job)
	pool.Enqueue(context.Background(), job) // duplicate while first is in flight

	time.Sleep(100 * time.Millisecond)
	close(release)

	res := waitResult(t, results)
	if res.Outcome.Kind != KindSuccess {
		t.Fatalf("outcome = %v", res.Outcome.Kind)
	}

	// Only one attempt may have been reported.
	select {
	case extra := <-results:
		t.Fatalf("duplicate job produced a second attempt: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}
