package pipeline

import (
	"math/rand"
	"time"
)

// RetryPolicy bounds the Stage Runtime's retry loop for OutcomeNeedsRetry
// results (spec §4.4, §7). Backoff follows the teacher's exponential
// formula: min(BaseDelay*2^attempt, MaxDelay) + jitter(0, BaseDelay).
type RetryPolicy struct {
	// MaxAttempts is the total number of tries including the first, so 1
	// means no retries at all.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Retryable overrides the default kind-based retry classification. If
	// nil, defaultRetryable (ErrorKind.IsRetryable) is used.
	Retryable func(*PipelineError) bool
}

// Validate reports a malformed policy: MaxAttempts must be >= 1, and when
// both delays are set MaxDelay must not be smaller than BaseDelay.
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

// shouldRetry applies rp's Retryable predicate, or the kind-based default
// when none is set.
func (rp *RetryPolicy) shouldRetry(pe *PipelineError) bool {
	if rp.Retryable != nil {
		return rp.Retryable(pe)
	}
	return defaultRetryable(pe)
}

// defaultRetryable treats the same set of kinds as retryable that
// ErrorKind.IsRetryable does, letting callers omit Retryable entirely.
func defaultRetryable(pe *PipelineError) bool {
	if pe == nil {
		return false
	}
	return pe.Retryable()
}

// computeBackoff mirrors the teacher's graph/policy.go formula exactly:
// delay = min(base*2^attempt, maxDelay) + jitter(0, base). attempt is
// zero-based (0 = delay before the first retry).
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if base <= 0 {
		return delay
	}
	jitter := time.Duration(rng.Int63n(int64(base)))
	return delay + jitter
}
