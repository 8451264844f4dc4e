package lock

import (
	"context"
	"time"

	"github.com/maxpert/rowlock/telemetry"
	"github.com/rs/zerolog/log"
)

const maxBackoff = 50 * time.Millisecond

// Waiter retries busy acquisitions on behalf of a caller. The lock manager never blocks,
// so every wait in the system goes through a Waiter or an equivalent caller loop.
type Waiter struct {
	timeout time.Duration
	backoff time.Duration
}

// NewWaiter returns a waiter that gives up after timeout. A zero timeout makes
// AcquireWithRetry behave like a single attempt. The first sleep is backoff, doubled
// after every busy attempt up to a small cap.
func NewWaiter(timeout, backoff time.Duration) *Waiter {
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	return &Waiter{timeout: timeout, backoff: backoff}
}

// AcquireWithRetry runs fn until it returns something other than a busy error, the
// timeout elapses, or ctx is done. Errors other than busy are returned immediately.
func (w *Waiter) AcquireWithRetry(ctx context.Context, fn func() error) error {
	start := time.Now()
	deadline := start.Add(w.timeout)
	sleep := w.backoff

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !IsBusy(err) {
			if attempt > 1 {
				telemetry.LockWaitSeconds.With(waitResult(err)).Observe(time.Since(start).Seconds())
			}
			return err
		}

		if w.timeout <= 0 {
			return err
		}
		if !time.Now().Add(sleep).Before(deadline) {
			telemetry.LockWaitTimeoutsTotal.Inc()
			telemetry.LockWaitSeconds.With("timeout").Observe(time.Since(start).Seconds())
			log.Debug().
				Err(err).
				Int("attempts", attempt).
				Dur("waited", time.Since(start)).
				Msg("Lock wait timeout exceeded")
			return &BusyTimeoutError{Attempts: attempt, Last: err}
		}

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}

		sleep *= 2
		if sleep > maxBackoff {
			sleep = maxBackoff
		}
	}
}

func waitResult(err error) string {
	if err == nil {
		return "granted"
	}
	return "error"
}
