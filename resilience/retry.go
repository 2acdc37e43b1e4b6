package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/lookatitude/voxtenant/core"
)

// RetryPolicy configures exponential-backoff retry behavior. The zero value
// is normalized to DefaultRetryPolicy by Retry.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the computed delay between attempts.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the delay after each failed attempt.
	BackoffFactor float64

	// Jitter randomizes each delay within [0, delay] to avoid thundering
	// herds across concurrent callers.
	Jitter bool

	// RetryableErrors extends the default retryable code set. An error whose
	// core.ErrorCode appears here is retried even if core.IsRetryable would
	// otherwise say no.
	RetryableErrors []core.ErrorCode
}

// DefaultRetryPolicy returns the baseline policy: 3 attempts, 500ms initial
// backoff doubling up to 30s, with jitter enabled.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = d.BackoffFactor
	}
	return p
}

func (p RetryPolicy) retryable(err error) bool {
	if err == nil {
		return false
	}
	if core.IsRetryable(err) {
		return true
	}
	if len(p.RetryableErrors) == 0 {
		return false
	}
	var e *core.Error
	if !asCoreError(err, &e) {
		return false
	}
	for _, code := range p.RetryableErrors {
		if e.Code == code {
			return true
		}
	}
	return false
}

func asCoreError(err error, target **core.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if e, ok := err.(*core.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Retry invokes fn up to policy.MaxAttempts times, backing off exponentially
// between attempts, retrying only errors the policy considers retryable
// (core.IsRetryable, extended by policy.RetryableErrors). It returns as soon
// as fn succeeds, the attempts are exhausted, a non-retryable error occurs,
// or ctx is cancelled.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	policy = policy.normalize()

	var zero T
	var lastErr error
	delay := policy.InitialBackoff

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == policy.MaxAttempts || !policy.retryable(err) {
			return zero, lastErr
		}

		wait := delay
		if policy.Jitter {
			wait = time.Duration(rand.Int64N(int64(delay) + 1))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * policy.BackoffFactor)
		if delay > policy.MaxBackoff {
			delay = policy.MaxBackoff
		}
	}

	return zero, lastErr
}
