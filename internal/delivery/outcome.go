// Package delivery implements the webhook worker pool: it consumes delivery
// jobs, performs signed HTTP attempts with bounded timeouts, classifies
// outcomes, and enforces per-pair sequencing, per-endpoint admission slots,
// per-endpoint rate limits, and a circuit breaker.
package delivery

import (
	"net/http"
	"time"
)

// Kind classifies a delivery outcome for the retry decision.
type Kind int

const (
	// KindSuccess: HTTP status in [200,300); the pair is finalized as
	// delivered.
	KindSuccess Kind = iota
	// KindTransient: network error, timeout, 408, 429 or 5xx; the pair is
	// handed to the retry scheduler.
	KindTransient
	// KindPermanent: any other 4xx; the receiver rejected the request
	// deterministically, so the pair is finalized as failed immediately.
	KindPermanent
	// KindConfig: the endpoint cannot be delivered to at all (malformed
	// URL, missing secret); finalized as failed, surfaced for repair.
	KindConfig
	// KindBlocked: the endpoint's circuit is open and the dispatch was
	// refused before an attempt started. No attempt number is consumed,
	// no attempt row is written; the job is redispatched after the
	// breaker's cooldown.
	KindBlocked
)

// String returns a short label for logging and metrics.
func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindBlocked:
		return "blocked"
	default:
		return "config"
	}
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Kind Kind
	// StatusCode is 0 when no HTTP response was received.
	StatusCode int
	// ResponseBody is truncated to the configured cap.
	ResponseBody string
	// ResponseHeaders is a flattened "k: v" rendering, truncated.
	ResponseHeaders string
	// Err holds the network/configuration error message, if any.
	Err      string
	Duration time.Duration
}

// classifyStatus maps an HTTP status code to an outcome kind.
func classifyStatus(status int) Kind {
	switch {
	case status >= 200 && status < 300:
		return KindSuccess
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 400 && status < 500:
		return KindPermanent
	default:
		// 5xx, unexpected 1xx/3xx: retry to be safe.
		return KindTransient
	}
}
