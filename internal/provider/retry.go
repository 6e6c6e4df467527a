package provider

import (
	"context"
	"math"
	"time"

	"github.com/cascadehq/cascade/internal/cerrors"
)

// RetryPolicy is the exponential-backoff-with-cap policy shared by every
// adapter (spec §4.1): initial 1s, factor 2, capped at 10s, default 3
// attempts.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Factor      float64
	Cap         time.Duration
}

// DefaultRetryPolicy returns the spec's default backoff parameters.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Initial: time.Second, Factor: 2, Cap: 10 * time.Second}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := time.Duration(float64(p.Initial) * math.Pow(p.Factor, float64(attempt)))
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Retry runs op, retrying on errors classified as retryable via
// cerrors.ProviderError.Retryable, waiting per-attempt backoff between
// tries. The cancel signal aborts between attempts immediately.
func Retry(ctx context.Context, policy RetryPolicy, op func(attempt int) error) error {
	var lastErr error
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		retryable := false
		if pe, ok := cerrors.AsProviderError(err); ok {
			retryable = pe.Retryable()
		}
		if !retryable || attempt == attempts-1 {
			return lastErr
		}

		wait := policy.delay(attempt)
		if pe, ok := cerrors.AsProviderError(err); ok && pe.RetryAfter > 0 {
			if hinted := time.Duration(pe.RetryAfter) * time.Second; hinted > wait {
				wait = hinted
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}
