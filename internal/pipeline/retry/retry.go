// Package retry wraps an operation with bounded, classified retries.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mediarelay/relay/internal/core/domain"
	"github.com/mediarelay/relay/internal/pipeline/backoff"
)

// Options configures a single Execute call.
type Options struct {
	// MaxRetries bounds retries; the operation runs at most MaxRetries+1
	// times. Attempts are 0-indexed.
	MaxRetries int

	// Backoff drives the sleep between attempts.
	Backoff backoff.Config

	// Classify decides whether a failure is worth retrying. Nil defaults to
	// domain.Classify.
	Classify domain.Classifier

	// OnRetry, if set, is invoked with (attempt, err) before each backoff
	// sleep. Best-effort: a panicking callback is recovered and logged, never
	// aborting the retry loop.
	OnRetry func(attempt int, err error)

	// Sleep is injectable for tests. Nil defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Execute runs op, retrying classified-retryable failures with exponential
// backoff. The final attempt's error is returned as-is, unwrapped. A
// non-retryable classification returns immediately without consuming the
// remaining attempts; an open-circuit ErrServiceUnavailable likewise fails
// fast. A server-provided RetryAfter is honored in addition to the computed
// backoff, not instead of it.
//
// Compose as retry(breaker(op)): each attempt re-checks the breaker, so a
// circuit opening mid-loop fails the remaining attempts fast.
func Execute(ctx context.Context, op func(context.Context) error, opts Options) error {
	classify := opts.Classify
	if classify == nil {
		classify = domain.Classify
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	calc := backoff.New(opts.Backoff)

	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return err
		}

		category := classify(err)
		if category == domain.CategoryNonRetryable || errors.Is(err, domain.ErrServiceUnavailable) {
			return err
		}
		if attempt >= opts.MaxRetries {
			return err
		}

		delay := calc.Delay(attempt)
		switch category {
		case domain.CategoryRateLimited:
			var rle *domain.RateLimitedError
			if errors.As(err, &rle) {
				delay += rle.RetryAfter
			}
		case domain.CategoryBlocked:
			delay = opts.Backoff.Max
		}

		if opts.OnRetry != nil {
			notify(opts.OnRetry, attempt, err)
		}

		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
}

// notify shields the retry loop from a misbehaving status callback.
func notify(onRetry func(int, error), attempt int, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Retry callback panicked", "panic", r)
		}
	}()
	onRetry(attempt, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
