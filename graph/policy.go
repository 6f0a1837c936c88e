package graph

import (
	"errors"
	"math/rand"
	"time"
)

// NodePolicy configures per-node resilience behavior: how long a single
// firing may run before being cancelled, and whether/how to retry a failed
// firing within the same superstep before letting the failure abort the
// run.
type NodePolicy struct {
	// Timeout bounds a single firing of the node. Zero means no timeout
	// beyond the scheduler's overall deadline, if any.
	Timeout time.Duration

	// Retry configures retry behavior. Nil means no retries: a firing that
	// returns an error aborts the run immediately.
	Retry *RetryPolicy
}

// RetryPolicy is an exponential backoff with jitter:
// delay = min(base * 2^attempt, maxDelay) + a random jitter up to base.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Must be >= 1.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt; later attempts
	// double it until MaxDelay caps it.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration

	// Retryable reports whether a given error should be retried. A nil
	// Retryable retries every non-nil error.
	Retryable func(error) bool
}

// Validate checks the policy's fields are internally consistent.
func (p *RetryPolicy) Validate() error {
	if p == nil {
		return nil
	}
	if p.MaxAttempts < 1 {
		return errors.New("retry policy: MaxAttempts must be >= 1")
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return errors.New("retry policy: delays must be non-negative")
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return errors.New("retry policy: BaseDelay must not exceed MaxDelay")
	}
	return nil
}

func (p *RetryPolicy) shouldRetry(err error) bool {
	if p == nil || err == nil {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// computeBackoff returns the delay before the given retry (0-indexed: attempt
// 0 is the first retry and waits BaseDelay), doubling BaseDelay each attempt
// and capping at MaxDelay, plus up to BaseDelay of jitter.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if maxDelay > 0 && delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rng.Int63n(int64(base) + 1))
	return delay + jitter
}
