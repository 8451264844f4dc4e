package lock

import (
	"errors"
	"fmt"

	"github.com/maxpert/rowlock/segment"
)

// ErrBusy is the sentinel for lock conflicts. A busy acquisition never changes lock
// state and may be retried.
var ErrBusy = errors.New("lock busy")

// BusyError is returned when a lock conflicts with a lock of another holder.
type BusyError struct {
	Resource Resource
	// Conflict is the resource that caused the conflict. It differs from Resource when
	// a row request hits a table Write lock or a table Write request hits a row lock.
	Conflict Resource
	HeldBy   segment.HolderID
	Held     string
}

func (e *BusyError) Error() string {
	if e.Conflict != e.Resource {
		return fmt.Sprintf("%s busy: %s held %s by holder %d", e.Resource, e.Conflict, e.Held, e.HeldBy)
	}
	return fmt.Sprintf("%s busy: held %s by holder %d", e.Resource, e.Held, e.HeldBy)
}

func (e *BusyError) Is(target error) bool {
	return target == ErrBusy
}

// BusyTimeoutError is returned by Waiter when retries ran past the deadline.
type BusyTimeoutError struct {
	Attempts int
	Last     error
}

func (e *BusyTimeoutError) Error() string {
	return fmt.Sprintf("lock wait timeout after %d attempts: %v", e.Attempts, e.Last)
}

func (e *BusyTimeoutError) Unwrap() error {
	return e.Last
}

// IsBusy reports whether err is a lock conflict.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}
