// Package retry implements the retry policy for failed deliveries:
// exponential backoff with a cap and jitter, and a time-ordered scheduler
// that re-injects due jobs into the delivery pool.
package retry

import (
	"math/rand"
	"time"
)

// jitterFraction spreads retry times by ±20% so many pairs failing at the
// same moment (e.g. a receiver outage) do not retry in lockstep.
const jitterFraction = 0.2

// Backoff returns the delay before retry number attempt (1-based):
// base × 2^(attempt−1), clamped at cap, with ±20% jitter applied after
// clamping.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}
	jitter := 1 - jitterFraction + 2*jitterFraction*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
