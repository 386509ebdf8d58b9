package tasks

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds the retry-with-backoff combinator.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Backoff returns the wait before retry number attempt (1-based): BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// retryDelayer is implemented by errors that carry a server-requested wait.
type retryDelayer interface {
	RetryDelay() time.Duration
}

// Retry calls fn until it succeeds, fails with an error isTransient rejects, or MaxRetries
// retries have been spent. It returns the result, the number of attempts made and the last error.
//
// The wait before a retry is [RetryPolicy.Backoff] but never shorter than a Retry-After
// carried by the error. Cancellation of ctx during a wait stops the loop.
func Retry[T any](ctx context.Context, p RetryPolicy, isTransient func(error) bool, fn func(context.Context) (T, error)) (T, int, error) {
	var (
		zero     T
		attempts int
	)
	for {
		attempts++
		v, err := fn(ctx)
		if err == nil {
			return v, attempts, nil
		}
		if !isTransient(err) || attempts > p.MaxRetries {
			return zero, attempts, err
		}

		wait := p.Backoff(attempts)
		var rd retryDelayer
		if errors.As(err, &rd) && rd.RetryDelay() > wait {
			wait = rd.RetryDelay()
		}

		if !sleepCtx(ctx, wait) {
			return zero, attempts, err
		}
	}
}

// sleepCtx waits for d or until ctx is done, reporting whether the full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
