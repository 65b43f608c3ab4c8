// Package retry provides a small fixed-delay retry combinator used when
// submitting build forms.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Option adjusts a single Do or Run call.
type Option func(*settings)

type settings struct {
	stop func(error) bool
}

// StopOn makes Do return at once when fatal reports true for an error.
// The error is returned unchanged and the remaining attempts are skipped.
func StopOn(fatal func(error) bool) Option {
	return func(s *settings) {
		s.stop = fatal
	}
}

// Do invokes op up to attempts times, sleeping delay between failed
// invocations. When every attempt fails, the error returned by the final
// invocation is returned as-is so callers can match on it with errors.Is.
//
// A cancelled ctx stops the wait between attempts and returns ctx.Err().
// Do keeps no state between calls and is safe for concurrent use.
func Do[T any](ctx context.Context, attempts int, delay time.Duration, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	if attempts < 1 {
		attempts = 1
	}
	if delay < 0 {
		delay = 0
	}
	var cfg settings
	for _, o := range opts {
		o(&cfg)
	}

	backoff := goretry.WithMaxRetries(uint64(attempts-1), goretry.BackoffFunc(func() (time.Duration, bool) {
		return delay, false
	}))

	var out T
	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			if cfg.stop != nil && cfg.stop(err) {
				return err
			}
			return goretry.RetryableError(err)
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Run is Do for operations that only report an error.
func Run(ctx context.Context, attempts int, delay time.Duration, op func(ctx context.Context) error, opts ...Option) error {
	_, err := Do(ctx, attempts, delay, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}
