// Package metrics exposes Prometheus instrumentation for the delivery
// pipeline. Label cardinality is kept bounded: outcomes are one of four
// kinds and no per-endpoint or per-event labels are emitted.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// eventsIngested counts events accepted by the pipeline, split by
	// whether they were duplicates of an already-ingested event.
	eventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethhook_events_ingested_total",
			Help: "Total number of events ingested by the pipeline.",
		},
		[]string{"duplicate"},
	)

	// deliveryJobs counts delivery jobs fanned out to the worker pool.
	deliveryJobs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ethhook_delivery_jobs_total",
			Help: "Total number of delivery jobs enqueued.",
		},
	)

	// deliveries counts completed delivery attempts by outcome kind
	// (success, transient, permanent, config).
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethhook_delivery_attempts_total",
			Help: "Total number of webhook delivery attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// deliveryDuration records attempt duration in seconds. Buckets cover
	// fast receivers through the 10s default timeout.
	deliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ethhook_delivery_duration_seconds",
			Help:    "Duration of webhook delivery attempts in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
	)

	// retriesScheduled counts retries handed to the scheduler.
	retriesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ethhook_retries_scheduled_total",
			Help: "Total number of delivery retries scheduled.",
		},
	)

	// circuitOpens counts circuit breaker open transitions.
	circuitOpens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ethhook_circuit_opens_total",
			Help: "Total number of times an endpoint circuit opened.",
		},
	)

	// queueDepth gauges the delivery job channel backlog.
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ethhook_delivery_queue_depth",
			Help: "Current number of delivery jobs waiting in the queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		eventsIngested, deliveryJobs, deliveries, deliveryDuration,
		retriesScheduled, circuitOpens, queueDepth,
	)
}

// IncIngested records one ingested event.
func IncIngested(duplicate bool) {
	label := "false"
	if duplicate {
		label = "true"
	}
	eventsIngested.WithLabelValues(label).Inc()
}

// IncJobs records n delivery jobs fanned out.
func IncJobs(n int) { deliveryJobs.Add(float64(n)) }

// ObserveDelivery records one completed attempt.
func ObserveDelivery(outcome string, d time.Duration) {
	deliveries.WithLabelValues(outcome).Inc()
	deliveryDuration.Observe(d.Seconds())
}

// IncRetryScheduled records one scheduled retry.
func IncRetryScheduled() { retriesScheduled.Inc() }

// IncCircuitOpen records one circuit open transition.
func IncCircuitOpen() { circuitOpens.Inc() }

// SetQueueDepth updates the queue backlog gauge.
func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }
