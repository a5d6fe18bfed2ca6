package retry

import (
	"math"
	"time"
)

// backoffDelay computes the delay before attempt retryCount:
// base * multiplier^retryCount, capped. No jitter: the schedule must be
// reproducible so backoff monotonicity is testable and replay-safe.
func backoffDelay(retryCount int, base, cap time.Duration, multiplier float64) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if multiplier < 1 {
		multiplier = 2.0
	}

	delay := float64(base) * math.Pow(multiplier, float64(retryCount))
	if cap > 0 && delay > float64(cap) {
		delay = float64(cap)
	}
	return time.Duration(delay)
}
