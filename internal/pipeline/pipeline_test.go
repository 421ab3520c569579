package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/ipcasj/ethhook/internal/config"
	"github.com/ipcasj/ethhook/internal/delivery"
	"github.com/ipcasj/ethhook/internal/domain"
	"github.com/ipcasj/ethhook/internal/repo"
	"github.com/ipcasj/ethhook/internal/subindex"
)

func testConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		Workers:          4,
		QueueSize:        64,
		HTTPTimeout:      2 * time.Second,
		MaxAttempts:      5,
		BackoffBase:      10 * time.Millisecond,
		BackoffCap:       50 * time.Millisecond,
		EndpointSlots:    4,
		DefaultRPS:       1000,
		BreakerThreshold: 100,
		BreakerCooldown:  time.Minute,
		MaxResponseBytes: 1024,
	}
}

func subscriber(id, url string) domain.Endpoint {
	return domain.Endpoint{
		ID:            id,
		ApplicationID: "app-1",
		Name:          id,
		WebhookURL:    url,
		HMACSecret:    "whsec_test",
		ChainIDs:      domain.Uint64List{1},
		Active:        true,
	}
}

func chainEvent(tx string) *domain.Event {
	return &domain.Event{
		ChainID:         1,
		ContractAddress: "0xaaa",
		EventSignature:  "0xddf252ad",
		BlockNumber:     100,
		TransactionHash: tx,
		LogIndex:        0,
		Payload:         `{"data":"0x00"}`,
	}
}

// startPipeline builds a pipeline over a fresh SQLite ledger and the given
// subscribers, runs it, and returns a stop func that drains it.
func startPipeline(t *testing.T, endpoints ...domain.Endpoint) (*Pipeline, *gorm.DB, func()) {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	idx := subindex.New()
	idx.Rebuild(endpoints)

	p := New(testConfig(), zerolog.Nop(), db, idx)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("pipeline did not stop")
		}
	}
	return p, db, stop
}

// waitStatus polls the ledger until the event leaves pending.
func waitStatus(t *testing.T, db *gorm.DB, eventID string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ev, err := repo.GetEvent(context.Background(), db, eventID)
		if err == nil && ev.Status != domain.EventStatusPending {
			return ev.Status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("event %s never reached a terminal status", eventID)
	return ""
}

func TestPipeline_TransientFailuresRetryUntilSuccess(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, db, stop := startPipeline(t, subscriber("ep-1", srv.URL))
	defer stop()

	ev := chainEvent("0xtx-retry")
	if err := p.Ingest(context.Background(), ev); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if got := waitStatus(t, db, ev.ID); got != domain.EventStatusDelivered {
		t.Fatalf("status = %q, want delivered", got)
	}

	attempts, err := repo.ListAttempts(context.Background(), db, ev.ID)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(attempts) != 4 {
		t.Fatalf("got %d attempts, want 4", len(attempts))
	}
	for i, a := range attempts {
		if a.AttemptNumber != i+1 {
			t.Fatalf("attempt %d numbered %d", i, a.AttemptNumber)
		}
		wantSuccess := i == 3
		if a.Success != wantSuccess {
			t.Fatalf("attempt %d success = %v", i+1, a.Success)
		}
	}
	if attempts[0].HTTPStatusCode == nil || *attempts[0].HTTPStatusCode != 503 {
		t.Fatalf("first attempt status = %v, want 503", attempts[0].HTTPStatusCode)
	}
}

func TestPipeline_PermanentRejectionFailsWithoutRetry(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad signature", http.StatusBadRequest)
	}))
	defer srv.Close()

	p, db, stop := startPipeline(t, subscriber("ep-1", srv.URL))
	defer stop()

	ev := chainEvent("0xtx-reject")
	if err := p.Ingest(context.Background(), ev); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if got := waitStatus(t, db, ev.ID); got != domain.EventStatusFailed {
		t.Fatalf("status = %q, want failed", got)
	}
	attempts, _ := repo.ListAttempts(context.Background(), db, ev.ID)
	if len(attempts) != 1 {
		t.Fatalf("got %d attempts, want 1", len(attempts))
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("endpoint hit %d times, want 1", n)
	}
}

func TestPipeline_AttemptBudgetExhaustedFailsEvent(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, db, stop := startPipeline(t, subscriber("ep-1", srv.URL))
	defer stop()

	ev := chainEvent("0xtx-exhaust")
	if err := p.Ingest(context.Background(), ev); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if got := waitStatus(t, db, ev.ID); got != domain.EventStatusFailed {
		t.Fatalf("status = %q, want failed", got)
	}
	if n := hits.Load(); n != 5 {
		t.Fatalf("endpoint hit %d times, want the full budget of 5", n)
	}
}

func TestPipeline_DuplicateIngestDoesNotDoubleDeliver(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, db, stop := startPipeline(t, subscriber("ep-1", srv.URL))
	defer stop()

	ctx := context.Background()
	ev := chainEvent("0xtx-dup")
	if err := p.Ingest(ctx, ev); err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	// Redelivery of the same stream entry while the first attempt is
	// still in flight.
	if err := p.Ingest(ctx, chainEvent("0xtx-dup")); err != nil {
		t.Fatalf("duplicate Ingest: %v", err)
	}
	close(release)

	if got := waitStatus(t, db, ev.ID); got != domain.EventStatusDelivered {
		t.Fatalf("status = %q, want delivered", got)
	}

	// A late replay of the finished event must also be a no-op.
	if err := p.Ingest(ctx, chainEvent("0xtx-dup")); err != nil {
		t.Fatalf("late Ingest: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if n := hits.Load(); n != 1 {
		t.Fatalf("endpoint hit %d times, want 1", n)
	}
	attempts, _ := repo.ListAttempts(ctx, db, ev.ID)
	if len(attempts) != 1 {
		t.Fatalf("got %d attempts, want 1", len(attempts))
	}
}

func TestPipeline_NoSubscribersClosesEventDelivered(t *testing.T) {
	p, db, stop := startPipeline(t) // empty index
	defer stop()

	ev := chainEvent("0xtx-nomatch")
	if err := p.Ingest(context.Background(), ev); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if got := waitStatus(t, db, ev.ID); got != domain.EventStatusDelivered {
		t.Fatalf("status = %q, want delivered", got)
	}
	attempts, _ := repo.ListAttempts(context.Background(), db, ev.ID)
	if len(attempts) != 0 {
		t.Fatalf("got %d attempts, want 0", len(attempts))
	}
}

func TestPipeline_EventDeliveredWhenAnyEndpointSucceeds(t *testing.T) {
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer badSrv.Close()

	p, db, stop := startPipeline(t,
		subscriber("ep-ok", okSrv.URL),
		subscriber("ep-bad", badSrv.URL),
	)
	defer stop()

	ev := chainEvent("0xtx-mixed")
	if err := p.Ingest(context.Background(), ev); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if got := waitStatus(t, db, ev.ID); got != domain.EventStatusDelivered {
		t.Fatalf("status = %q, want delivered", got)
	}

	attempts, _ := repo.ListAttempts(context.Background(), db, ev.ID)
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(attempts))
	}
}

func TestPipeline_EventFailedOnlyWhenAllEndpointsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p, db, stop := startPipeline(t,
		subscriber("ep-1", srv.URL),
		subscriber("ep-2", srv.URL),
	)
	defer stop()

	ev := chainEvent("0xtx-allfail")
	if err := p.Ingest(context.Background(), ev); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if got := waitStatus(t, db, ev.ID); got != domain.EventStatusFailed {
		t.Fatalf("status = %q, want failed", got)
	}
}

func TestPipeline_RecoverResumesAttemptNumbering(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("x-webhook-attempt")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, db, stop := startPipeline(t, subscriber("ep-1", srv.URL))
	defer stop()

	// Simulate a prior process that made two failed attempts and died.
	ctx := context.Background()
	ev, _, err := repo.CreateEvent(ctx, db, chainEvent("0xtx-recover"))
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	for n := 1; n <= 2; n++ {
		code := 503
		if err := repo.AppendAttempt(ctx, db, &domain.DeliveryAttempt{
			EventID: ev.ID, EndpointID: "ep-1", AttemptNumber: n, HTTPStatusCode: &code,
		}); err != nil {
			t.Fatalf("AppendAttempt: %v", err)
		}
	}

	if err := p.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	select {
	case h := <-got:
		if h != "3" {
			t.Fatalf("attempt header = %q, want 3 after two prior attempts", h)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("recovered event never delivered")
	}
	if got := waitStatus(t, db, ev.ID); got != domain.EventStatusDelivered {
		t.Fatalf("status = %q, want delivered", got)
	}
}

func TestPipeline_OpenCircuitDoesNotBurnRetryBudget(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	idx := subindex.New()
	idx.Rebuild([]domain.Endpoint{subscriber("ep-1", srv.URL)})

	cfg := testConfig()
	cfg.BreakerThreshold = 1
	cfg.BreakerCooldown = time.Hour
	p := New(cfg, zerolog.Nop(), db, idx)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	first := chainEvent("0xtx-breaker-a")
	if err := p.Ingest(context.Background(), first); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// One real 503 opens the circuit.
	deadline := time.Now().Add(5 * time.Second)
	for p.Pool.Breaker.State("ep-1") != delivery.CircuitOpen {
		if time.Now().After(deadline) {
			t.Fatal("breaker never opened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A second event arriving while the circuit is open must be parked,
	// not marched through its attempt budget.
	second := chainEvent("0xtx-breaker-b")
	if err := p.Ingest(context.Background(), second); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if n := hits.Load(); n != 1 {
		t.Fatalf("receiver hit %d times, want only the attempt that opened the circuit", n)
	}
	firstAttempts, _ := repo.ListAttempts(context.Background(), db, first.ID)
	if len(firstAttempts) != 1 {
		t.Fatalf("first event has %d attempt rows, want 1", len(firstAttempts))
	}
	secondAttempts, _ := repo.ListAttempts(context.Background(), db, second.ID)
	if len(secondAttempts) != 0 {
		t.Fatalf("second event has %d attempt rows, want none while blocked", len(secondAttempts))
	}
	for _, ev := range []*domain.Event{first, second} {
		got, err := repo.GetEvent(context.Background(), db, ev.ID)
		if err != nil {
			t.Fatalf("GetEvent: %v", err)
		}
		if got.Status != domain.EventStatusPending {
			t.Fatalf("event %s status = %q, want pending while the circuit is open", ev.ID, got.Status)
		}
	}
}

func TestPipeline_RecoverFinalizesExhaustedPairs(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, db, stop := startPipeline(t, subscriber("ep-1", srv.URL))
	defer stop()

	ctx := context.Background()
	ev, _, err := repo.CreateEvent(ctx, db, chainEvent("0xtx-spent"))
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	for n := 1; n <= 5; n++ {
		repo.AppendAttempt(ctx, db, &domain.DeliveryAttempt{
			EventID: ev.ID, EndpointID: "ep-1", AttemptNumber: n,
		})
	}

	if err := p.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := waitStatus(t, db, ev.ID); got != domain.EventStatusFailed {
		t.Fatalf("status = %q, want failed", got)
	}
	if n := hits.Load(); n != 0 {
		t.Fatalf("endpoint hit %d times after an exhausted budget, want 0", n)
	}
}
