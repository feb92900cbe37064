package core

import (
	"context"
	"errors"
	"time"
)

// BackoffKind selects how the inter-attempt delay grows.
type BackoffKind string

const (
	// BackoffLinear waits BaseDelay * k before the attempt following
	// failed attempt k.
	BackoffLinear BackoffKind = "linear"
	// BackoffExponential waits BaseDelay * 2^(k-1) before the attempt
	// following failed attempt k.
	BackoffExponential BackoffKind = "exponential"
)

// ErrInvalidRetryPolicy is returned when a retry policy fails validation.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy bounds a retried operation.
//
// The helper itself is deliberately agnostic to why an attempt failed:
// it retries unconditionally up to MaxAttempts. Callers that must not
// retry certain failures (4xx responses, validation errors) wrap their
// operation and return nil-or-abort before the helper sees the error;
// see billing.Client for the canonical pre-filtering caller.
type RetryPolicy struct {
	// MaxAttempts is the total number of invocations, including the
	// first. Must be >= 1.
	MaxAttempts int
	// BaseDelay scales the backoff curve. Zero disables waiting.
	BaseDelay time.Duration
	// Backoff picks the growth curve. Defaults to exponential when empty.
	Backoff BackoffKind
	// OnRetry, when set, is invoked before each wait with the 1-based
	// number of the attempt that just failed, its error, and the delay
	// about to be applied.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("MaxAttempts must be at least 1")
	}
	if p.BaseDelay < 0 {
		return errors.New("BaseDelay must not be negative")
	}
	switch p.Backoff {
	case BackoffLinear, BackoffExponential, "":
	default:
		return errors.New("Backoff must be linear or exponential")
	}
	return nil
}

// Delay returns the wait applied after failed attempt k (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	if p.Backoff == BackoffLinear {
		return p.BaseDelay * time.Duration(attempt)
	}
	return p.BaseDelay * time.Duration(1<<uint(attempt-1))
}

// Retry executes op up to policy.MaxAttempts times, waiting
// policy.Delay(k) after the k-th failure. Attempts are strictly
// sequential. The final failure is returned exactly as op produced
// it, so callers can keep matching with errors.Is and sentinel
// comparisons. Cancelling ctx during a wait aborts with ctx.Err();
// an in-flight attempt is never interrupted.
func Retry(ctx context.Context, policy RetryPolicy, op func() error) error {
	if err := policy.Validate(); err != nil {
		return ErrInvalidRetryPolicy
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt >= policy.MaxAttempts {
			return lastErr
		}

		if policy.OnRetry != nil {
			policy.OnRetry(attempt, lastErr, policy.Delay(attempt))
		}

		if delay := policy.Delay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
	}
}
