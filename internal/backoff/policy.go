// Package backoff provides backoff schedules and context-aware sleeping for
// run polling and retries of idempotent backend calls.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy defines the parameters for backoff calculation.
// A Factor of 1 with zero Jitter yields a fixed interval.
type BackoffPolicy struct {
	// InitialMs is the initial backoff duration in milliseconds.
	InitialMs float64
	// MaxMs is the maximum backoff duration in milliseconds.
	MaxMs float64
	// Factor is the exponential factor applied to each attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) applied to the backoff.
	Jitter float64
}

// ComputeBackoff calculates the backoff duration for a given attempt number.
// The formula is: base = initialMs * factor^(attempt-1), jitter = base * jitter * random()
// Returns min(maxMs, base + jitter). Attempt numbers start at 1.
func ComputeBackoff(policy BackoffPolicy, attempt int) time.Duration {
	return ComputeBackoffWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeBackoffWithRand calculates the backoff duration using a provided random value
// in the range [0.0, 1.0).
func ComputeBackoffWithRand(policy BackoffPolicy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	factor := policy.Factor
	if factor <= 0 {
		factor = 1
	}

	base := policy.InitialMs * math.Pow(factor, exp)
	jitterAmount := base * policy.Jitter * randomValue

	total := base + jitterAmount
	if policy.MaxMs > 0 {
		total = math.Min(policy.MaxMs, total)
	}

	// Sub-millisecond schedules are kept exact so tests can poll quickly.
	return time.Duration(math.Round(total * float64(time.Millisecond)))
}

// FixedPolicy returns a policy that waits the same interval before every attempt.
// The run driver polls with FixedPolicy(time.Second).
func FixedPolicy(interval time.Duration) BackoffPolicy {
	ms := float64(interval) / float64(time.Millisecond)
	return BackoffPolicy{
		InitialMs: ms,
		MaxMs:     ms,
		Factor:    1,
	}
}

// DefaultPolicy returns the policy used for retrying idempotent backend calls.
// Initial: 200ms, Max: 5s, Factor: 2, Jitter: 10%
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialMs: 200,
		MaxMs:     5000,
		Factor:    2,
		Jitter:    0.1,
	}
}
