package txn

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSuchSavepoint is returned for a savepoint name that is not open
	ErrNoSuchSavepoint = errors.New("no such savepoint")

	// ErrStatementActive is returned when a transaction boundary is crossed while a
	// statement is still executing
	ErrStatementActive = errors.New("statement still active")

	// ErrNoTransaction is returned by Commit and Rollback outside a transaction
	ErrNoTransaction = errors.New("no transaction is active")

	// ErrTransactionActive is returned by Begin inside a transaction
	ErrTransactionActive = errors.New("transaction already active")

	// ErrStatementState is returned when a statement is started twice or halted before start
	ErrStatementState = errors.New("invalid statement state")

	// errStatementReset halts a statement that is reset mid-execution
	errStatementReset = errors.New("statement reset")
)

// CommitHookError is returned when the lock-layer commit hook refused a commit. The pager
// commit was not attempted and the transaction is still open.
type CommitHookError struct {
	Err error
}

func (e *CommitHookError) Error() string {
	return fmt.Sprintf("commit hook failed: %v", e.Err)
}

func (e *CommitHookError) Unwrap() error {
	return e.Err
}

func savepointError(name string) error {
	return fmt.Errorf("%w: %s", ErrNoSuchSavepoint, name)
}
