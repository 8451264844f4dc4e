package rowid

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxpert/rowlock/telemetry"
	"github.com/rs/zerolog/log"
)

// DefaultMaxRetry is the number of re-runs allowed after a corrupted rowid
const DefaultMaxRetry = 50

// ErrRowidCorrupted is reported by a statement that inserted a generated key which the
// table already contained. The cursor's cache was stale, typically because another holder
// committed a larger key between synthesis and insert. The statement can be re-run.
var ErrRowidCorrupted = errors.New("generated rowid already present")

// RetryExhaustedError is returned when a statement kept reporting ErrRowidCorrupted past
// the retry limit. It is fatal for the statement.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("rowid corrupted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// Retry runs step and re-runs it while it reports ErrRowidCorrupted, calling reset before
// every re-run. reset must return the statement to its initial state and invalidate the
// cursor caches it used. At most maxRetry re-runs happen, so step runs at most maxRetry+1
// times. ctx is checked between runs.
func Retry(ctx context.Context, maxRetry int, step func(ctx context.Context) error, reset func() error) error {
	if maxRetry < 0 {
		maxRetry = 0
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = step(ctx)
		if !errors.Is(err, ErrRowidCorrupted) {
			if attempt > 0 {
				telemetry.RowidRetryAttempts.Observe(float64(attempt))
			}
			return err
		}

		if attempt >= maxRetry {
			telemetry.RowidRetryExhaustedTotal.Inc()
			log.Error().
				Err(err).
				Int("attempts", attempt+1).
				Msg("Rowid retry limit reached")
			return &RetryExhaustedError{Attempts: attempt + 1, Last: err}
		}

		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if reset != nil {
			if rerr := reset(); rerr != nil {
				return fmt.Errorf("reset after corrupted rowid: %w", rerr)
			}
		}
		telemetry.RowidRetriesTotal.Inc()
		log.Debug().Int("attempt", attempt+1).Msg("Re-running statement after corrupted rowid")
	}
}
