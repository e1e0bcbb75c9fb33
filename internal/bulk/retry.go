package bulk

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds retries of idempotent operations.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxJitter   time.Duration
}

// DefaultRetryPolicy is used for metadata resolution.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxJitter:   250 * time.Millisecond,
	}
}

// jitterBackOff adds a uniform [0, max) offset to each wait of the wrapped policy.
type jitterBackOff struct {
	backoff.BackOff
	max time.Duration
}

func (j jitterBackOff) NextBackOff() time.Duration {
	d := j.BackOff.NextBackOff()
	if d == backoff.Stop || j.max <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(int64(j.max)))
}

// NewBackOff returns the wait schedule BaseDelay * 2^attempt + jitter, stopping after
// MaxAttempts-1 waits.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = time.Duration(math.MaxInt64)
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(jitterBackOff{BackOff: exp, max: p.MaxJitter}, uint64(retries))
}

// Retry runs op until it succeeds or MaxAttempts is reached, returning the last error unchanged.
// If ctx ends between attempts the last error is returned as well.
// Only wrap operations that are safe to repeat; streamed bodies are never retried.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	var lastErr error
	v, err := backoff.RetryWithData(func() (T, error) {
		v, err := op(ctx)
		if err != nil {
			lastErr = err
		}
		return v, err
	}, backoff.WithContext(p.NewBackOff(), ctx))
	if err != nil && lastErr != nil {
		var zero T
		return zero, lastErr
	}
	return v, err
}
