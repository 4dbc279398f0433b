package exchange

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is the bounded retry budget applied to every gateway call the
// cycle engine makes: a fixed number of attempts separated by a pause drawn
// uniformly from [MinWait, MaxWait]. Exhaustion aborts the current cycle
// only; the engine starts a new cycle after its cooldown.
type RetryPolicy struct {
	Attempts int
	MinWait  time.Duration
	MaxWait  time.Duration
}

// DefaultRetryPolicy retries 3 times with 5-8s pauses, the budget the
// gateway has always run with.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, MinWait: 5 * time.Second, MaxWait: 8 * time.Second}
}

// Do runs op under the policy. Non-retryable errors (see Retryable) stop
// immediately, as does context cancellation.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	wrapped := func() error {
		err := op()
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(attempts-1)), ctx)
	return backoff.Retry(wrapped, b)
}

// newBackOff builds a flat randomized interval: midpoint (MinWait+MaxWait)/2
// with a randomization factor sized so the drawn pause spans exactly
// [MinWait, MaxWait].
func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = (p.MinWait + p.MaxWait) / 2
	b.Multiplier = 1
	b.MaxInterval = p.MaxWait
	b.MaxElapsedTime = 0
	if p.MinWait+p.MaxWait > 0 {
		b.RandomizationFactor = float64(p.MaxWait-p.MinWait) / float64(p.MaxWait+p.MinWait)
	}
	b.Reset()
	return b
}
