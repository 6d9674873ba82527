package retry

import (
	"context"
	"errors"
	"time"
)

var ErrRetry = errors.New("retry")

// Backoff blocks until the next attempt may start. It returns ctx.Err() when
// the context is done first.
type Backoff func(context.Context) error

// Exponential waits initial, then initial*r, initial*r^2, ... between attempts.
func Exponential(initial time.Duration, r float64) Backoff {
	interval := initial
	return func(ctx context.Context) error {
		timer := time.NewTimer(interval)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			interval = time.Duration(float64(interval) * r)
			return nil
		}
	}
}

// Blocking calls f until it succeeds, returns an error not wrapping ErrRetry,
// or has been attempted max times (max <= 0 means no limit). The last error is
// returned when attempts run out.
func Blocking[T any](ctx context.Context, b Backoff, max int, f func() (T, error)) (T, error) {
	for attempt := 1; ; attempt++ {
		v, err := f()
		if err == nil || !errors.Is(err, ErrRetry) {
			return v, err
		}
		if 0 < max && max <= attempt {
			return v, err
		}
		if berr := b(ctx); berr != nil {
			return v, berr
		}
	}
}
