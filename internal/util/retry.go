package util

import (
	"context"
	"time"
)

// Backoff describes an exponential delay between attempts.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before attempt n (0-based, n >= 1 means a retry).
func (b Backoff) Delay(n int) time.Duration {
	if b.Initial <= 0 || n <= 0 {
		return 0
	}
	d := b.Initial
	for i := 1; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// RetryIfWithContext calls fn up to maxTries times. Only errors accepted by
// retryable are retried; any other error is returned immediately. Attempts are
// separated by the backoff delay, and waiting is aborted when ctx is done.
// A deadline that fn hits on its own is retried as long as ctx itself is
// alive.
func RetryIfWithContext[T any](
	ctx context.Context,
	maxTries int,
	backoff Backoff,
	retryable func(error) bool,
	fn func(context.Context) (T, error),
) (T, error) {
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	var zero T
	for i := 0; i < maxTries; i++ {
		if i > 0 {
			if err := sleepContext(ctx, backoff.Delay(i)); err != nil {
				return zero, err
			}
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

// RetryErrWithContext is RetryIfWithContext for calls without a result.
// Every error is retried. Only use it for calls that are safe to repeat.
func RetryErrWithContext(ctx context.Context, maxTries int, backoff Backoff, fn func(context.Context) error) error {
	_, err := RetryIfWithContext(ctx, maxTries, backoff, nil, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
