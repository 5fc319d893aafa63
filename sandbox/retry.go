package sandbox

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds a retried cleanup step. With Multiplier 1 the delay is
// constant; larger values grow it exponentially up to MaxDelay.
type RetryPolicy struct {
	Attempts   int
	Delay      time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultImageRemovePolicy retries image removal three times, two seconds apart.
func DefaultImageRemovePolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:   3,
		Delay:      2 * time.Second,
		Multiplier: 1,
		MaxDelay:   30 * time.Second,
	}
}

// Do runs op until it succeeds, the attempts are exhausted or ctx is done.
// It returns the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error, onRetry func(err error, wait time.Duration)) (int, error) {
	attempts := 0
	operation := func() error {
		attempts++
		return op(ctx)
	}

	var notify backoff.Notify
	if onRetry != nil {
		notify = backoff.Notify(onRetry)
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), notify)
	return attempts, err
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	maxDelay := p.MaxDelay
	if maxDelay < p.Delay {
		maxDelay = p.Delay
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	b.RandomizationFactor = 0
	b.Multiplier = multiplier
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
