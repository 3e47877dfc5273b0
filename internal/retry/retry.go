package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Op is the unit of work retried by Do.
type Op func(ctx context.Context) error

// Policy describes an explicit retry schedule: maxAttempts tries with an
// exponentially doubling delay starting at baseDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy retries three times starting at one second.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Do executes op up to MaxAttempts times, sleeping between attempts with
// exponential doubling and aborting the sleep when ctx is cancelled. The
// error from the final attempt is returned.
func Do(ctx context.Context, logger zerolog.Logger, label string, policy Policy, op Op) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := policy.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == attempts {
			break
		}

		logger.Warn().
			Str("op", label).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("operation failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return err
}
