package graph

import (
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// NodePolicy overrides the engine-wide execution policy for one node.
// Nodes provide it by implementing PolicyProvider.
type NodePolicy struct {
	// Timeout bounds each attempt. Zero uses the engine's node timeout.
	Timeout time.Duration

	// RetryPolicy replaces the engine's retry policy. Nil uses the engine's.
	RetryPolicy *RetryPolicy
}

// RetryPolicy configures how failed node attempts are retried.
//
// The delay before retry n (0 for the first retry) is
//
//	d = min(BaseDelay * Multiplier^n, MaxDelay)
//	d += d * JitterFactor * U(-0.5, 0.5)
//
// so every delay lies in [0, MaxDelay*(1+JitterFactor)].
type RetryPolicy struct {
	// MaxAttempts is the number of attempts including the first. Must be >= 1.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Zero means no cap.
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor. Values below 1 are
	// treated as 1.
	Multiplier float64

	// JitterFactor scales the random spread around each delay. Must be in
	// [0, 1].
	JitterFactor float64

	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error. Validation errors are never retried.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns 3 attempts, 100ms base delay, 30s cap,
// multiplier 2 and 10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.1,
	}
}

// Validate checks the policy's constraints.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.BaseDelay < 0 || rp.MaxDelay < 0 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	if rp.JitterFactor < 0 || rp.JitterFactor > 1 {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// Delay returns the delay before retry attempt (0-based). u is a uniform
// draw in [0, 1) used for jitter.
func (rp *RetryPolicy) Delay(attempt int, u float64) time.Duration {
	mult := rp.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(rp.BaseDelay) * math.Pow(mult, float64(attempt))
	if rp.MaxDelay > 0 && delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}
	delay += delay * rp.JitterFactor * (u - 0.5)
	if delay < 0 || math.IsNaN(delay) {
		return 0
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

func (rp *RetryPolicy) retryable(err error) bool {
	if errors.Is(err, ErrValidation) {
		return false
	}
	if rp.Retryable == nil {
		return true
	}
	return rp.Retryable(err)
}

// retryBackOff adapts a RetryPolicy to backoff.BackOff.
type retryBackOff struct {
	policy  *RetryPolicy
	rng     *lockedRand
	attempt int
}

func newRetryBackOff(policy *RetryPolicy, rng *lockedRand) backoff.BackOff {
	b := &retryBackOff{policy: policy, rng: rng}
	return backoff.WithMaxRetries(b, uint64(max(policy.MaxAttempts-1, 0)))
}

func (b *retryBackOff) NextBackOff() time.Duration {
	d := b.policy.Delay(b.attempt, b.rng.Float64())
	b.attempt++
	return d
}

func (b *retryBackOff) Reset() {
	b.attempt = 0
}
