package capbus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// inlineBackOff returns the policy for the immediate attempts a sender or
// executor makes before parking a message for the retry scan: exponential
// starting at 100ms, capped at 5s, at most attempts retries after the first
// try. attempts of zero means a single try with no retries.
func inlineBackOff(ctx context.Context, attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts)), ctx)
}
