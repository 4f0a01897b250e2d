package types

import (
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate when the
// configured bounds are inconsistent.
var ErrInvalidRetryPolicy = errors.New("types: invalid retry policy")

// RetryPolicy configures automatic retry of a failed node dispatch. Absent
// on a CognitiveNode, a failure is never retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Must be >= 1; 1 means no retries.
	MaxAttempts int

	// BaseDelay and MaxDelay bound the exponential backoff: delay =
	// min(BaseDelay*2^attempt, MaxDelay) + jitter(0, BaseDelay).
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Retryable decides whether a given error should be retried. A nil
	// Retryable treats every error as retryable.
	Retryable func(error) bool
}

// Validate reports whether the policy's bounds are self-consistent.
func (rp *RetryPolicy) Validate() error {
	if rp == nil {
		return nil
	}
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// ShouldRetry reports whether err warrants another attempt under this
// policy, given the attempt number just completed (0-based).
func (rp *RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if rp == nil || err == nil {
		return false
	}
	if attempt+1 >= rp.MaxAttempts {
		return false
	}
	if rp.Retryable == nil {
		return true
	}
	return rp.Retryable(err)
}

// ComputeBackoff returns the delay before the next attempt, given the
// zero-based attempt number that just failed.
func ComputeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	exponential := base * (1 << attempt)
	if maxDelay > 0 && exponential > maxDelay {
		exponential = maxDelay
	}
	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security-sensitive
	}
	return exponential + jitter
}

// NodePolicy bundles the per-node overrides the scheduler consults before
// falling back to cost-class defaults.
type NodePolicy struct {
	// Timeout overrides the cost-class default dispatch timeout. Zero means
	// "use the cost-class default".
	Timeout time.Duration

	// Retry configures automatic retry; nil means no retries.
	Retry *RetryPolicy
}
