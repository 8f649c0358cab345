// Package retry re-runs store calls that failed for transient reasons,
// doubling the wait between attempts up to a cap.
package retry

import (
	"context"
	"fmt"
	"time"

	"accessioning/domain/core"

	"github.com/sirupsen/logrus"
)

// Policy bounds how often and how long a call is retried.
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Defaults to core.IsRetryable.
	Retryable func(error) bool

	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy is used when configuration does not override it
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 5,
		Initial:  100 * time.Millisecond,
		Max:      5 * time.Second,
	}
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. Exhaustion wraps core.ErrRetryExhausted and the
// last error.
func (p Policy) Do(ctx context.Context, log logrus.FieldLogger, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = core.IsRetryable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	backoff := p.Initial
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if log != nil {
			log.WithFields(logrus.Fields{
				"op":      op,
				"attempt": attempt,
				"backoff": backoff,
			}).WithError(err).Warn("retrying store call")
		}
		if serr := sleep(ctx, backoff); serr != nil {
			return serr
		}
		backoff *= 2
		if p.Max > 0 && backoff > p.Max {
			backoff = p.Max
		}
	}
	return fmt.Errorf("%s: %w after %d attempts: %w", op, core.ErrRetryExhausted, attempts, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
