package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// exponentialBackoff computes base * 2^attempt plus proportional jitter,
// capped at maxDelay.
func exponentialBackoff(attempt int, base, maxDelay time.Duration, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(maxDelay) {
		backoff = float64(maxDelay)
	}

	if jitter > 0 {
		//nolint:gosec // jitter timing is not security-sensitive
		backoff += backoff * jitter * rand.Float64()
	}

	if backoff > float64(maxDelay) {
		backoff = float64(maxDelay)
	}

	return time.Duration(backoff)
}
