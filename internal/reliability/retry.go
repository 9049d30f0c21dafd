package reliability

import (
	"context"
	"time"
)

// RetryFixed calls fn until it succeeds, sleeping delay between attempts.
// There is no attempt ceiling; only ctx ends the loop early. onFailure, when
// set, sees every failed attempt (1-based). Only use it for local, idempotent
// operations.
func RetryFixed(ctx context.Context, delay time.Duration, fn func(context.Context) error, onFailure func(attempt int, err error)) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if onFailure != nil {
			onFailure(attempt, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
