package awsx

import (
	"context"
	"time"

	"github.com/common-fate/clio"
	sethRetry "github.com/sethvargo/go-retry"
)

const defaultRetryDuration = 30 * time.Second

// Do runs fn, retrying with fibonacci backoff while the returned error is a
// transient provider error. Permanent errors are returned immediately.
func Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b := sethRetry.NewFibonacci(500 * time.Millisecond)
	b = sethRetry.WithMaxDuration(defaultRetryDuration, b)

	return sethRetry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && IsTransient(err) {
			clio.Debugw("retrying transient provider error", "error", err)
			return sethRetry.RetryableError(err)
		}
		return err
	})
}
