package jobengine

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// backoffCap bounds the exponent so the computed interval never overflows a
// 32-bit minute count.
const backoffCap = 16

// computeBackoff returns retry_backoff_minutes * 2^min(failureCount-1, backoffCap)
// as a time.Duration, via a zero-jitter cenkalti/backoff/v5 ExponentialBackOff
// so the multiplier/cap arithmetic is the library's, not hand-rolled.
func computeBackoff(retryBackoffMinutes, failureCount int) time.Duration {
	if failureCount < 1 {
		failureCount = 1
	}
	exponent := failureCount - 1
	if exponent > backoffCap {
		exponent = backoffCap
	}

	initial := time.Duration(retryBackoffMinutes) * time.Minute
	maxInterval := initial
	for i := 0; i < backoffCap; i++ {
		maxInterval *= 2
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = 2
	b.MaxInterval = maxInterval
	b.RandomizationFactor = 0
	// NewExponentialBackOff already called Reset() before the fields above
	// were set, so currentInterval was seeded from the library's default
	// InitialInterval rather than ours. Reset again now that InitialInterval
	// is correct.
	b.Reset()

	// NextBackOff returns the current interval and then doubles it for next
	// time, so the first call returns initial (2^0). Reaching 2^exponent
	// takes exponent+1 calls.
	var interval time.Duration
	for i := 0; i <= exponent; i++ {
		interval = b.NextBackOff()
	}
	if interval > maxInterval {
		interval = maxInterval
	}
	return interval
}
