package p4

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retry calls try until it succeeds or ctx is done, waiting a randomized
// exponentially growing delay capped at maxWait between attempts. When ctx
// ends first, the error of the last attempt is returned.
func retry(ctx context.Context, logger *slog.Logger, maxWait time.Duration, try func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxElapsedTime = 0
	if maxWait > 0 {
		b.MaxInterval = maxWait
	}

	var (
		last    error
		attempt int
	)
	err := backoff.RetryNotify(func() error {
		attempt++
		last = try()
		return last
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.Debug("attempt failed", "attempt", attempt, "next", next, LabelError.L(err))
	})
	if err != nil && last != nil {
		return last
	}
	return err
}
