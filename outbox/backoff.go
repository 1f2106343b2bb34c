package outbox

import (
	"math/rand"
	"time"
)

const (
	backoffBase = time.Second
	backoffCap  = 10 * time.Minute
)

// BackoffCeiling returns the exponential upper bound for a retry attempt:
// 1s doubling per attempt, capped at ten minutes.
func BackoffCeiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 20 {
		return backoffCap
	}
	ceiling := backoffBase << (attempt - 1)
	if ceiling > backoffCap || ceiling <= 0 {
		return backoffCap
	}
	return ceiling
}

// Backoff returns the delay before the next delivery attempt, drawn with full
// jitter from [0, ceiling].
func Backoff(attempt int) time.Duration {
	ceiling := BackoffCeiling(attempt)
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}
