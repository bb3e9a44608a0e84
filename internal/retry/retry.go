// Package retry wraps transient_dependency operations in the exact
// backoff policy: base 1s, factor 2, jitter ±25%, max 3 attempts.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	baseInterval = 1 * time.Second
	factor       = 2.0
	jitter       = 0.25
	maxAttempts  = 3
)

// Policy builds the standard adapter-level retry backoff, capped at
// maxAttempts tries.
func Policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseInterval
	b.Multiplier = factor
	b.RandomizationFactor = jitter
	b.MaxElapsedTime = 0 // bounded by attempt count instead, below
	return backoff.WithContext(backoff.WithMaxRetries(b, maxAttempts-1), ctx)
}

// Do retries fn per Policy, logging is left to the caller via the
// returned error — fn should return an error wrapped with a Kind so the
// caller can tell whether exhaustion is expected.
func Do(ctx context.Context, fn func() error) error {
	return backoff.Retry(fn, Policy(ctx))
}
