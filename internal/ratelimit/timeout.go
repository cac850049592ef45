package ratelimit

import (
	"context"
	"time"

	"github.com/squirreldb/squirreldb/internal/sqrlerr"
)

// WithQueryTimeout wraps fn in a cancellable deadline (spec §4.4): if fn
// has not returned within d, the returned error is a Timeout-kind
// sqrlerr.Error and fn's context is canceled so it can unwind and release
// whatever it acquired (query permit, JS-runtime lease) on its own.
func WithQueryTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return sqrlerr.New(sqrlerr.Timeout, "query exceeded the configured timeout")
	}
}
