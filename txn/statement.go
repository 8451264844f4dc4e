package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxpert/rowlock/lock"
	"github.com/maxpert/rowlock/telemetry"
	"github.com/rs/zerolog/log"
)

type stmtState int

const (
	stmtIdle stmtState = iota
	stmtRunning
	stmtHalted
)

// Statement is one execution of a prepared statement on a connection. Start begins it,
// Halt ends it, Reset makes it runnable again.
type Statement struct {
	conn  *Conn
	label string

	state stmtState
	id    lock.StatementID
	// implicit is set when the statement opened the transaction itself
	implicit    bool
	journal     string
	forceCommit bool
}

// ID returns the lock statement id of the current execution.
func (s *Statement) ID() lock.StatementID {
	return s.id
}

// Implicit reports whether the statement runs in a transaction it opened itself.
func (s *Statement) Implicit() bool {
	return s.implicit
}

// Running reports whether the statement has started and not halted.
func (s *Statement) Running() bool {
	return s.state == stmtRunning
}

// Start begins execution. Outside a transaction the statement runs in its own, committed
// or rolled back when it halts.
func (s *Statement) Start() error {
	if s.state != stmtIdle {
		return fmt.Errorf("%w: start of %s statement", ErrStatementState, s.label)
	}
	c := s.conn
	if c.active != nil {
		return ErrStatementActive
	}
	if !c.inTxn {
		if err := c.beginPager(false); err != nil {
			return err
		}
		s.implicit = true
	}
	s.id = c.locks.BeginStatement()
	s.state = stmtRunning
	c.active = s
	return nil
}

// RequireStatementJournal opens a statement journal when the next write may abort
// midway. A write undone under row-lock contention has to be rolled back to exactly the
// state before the statement, even inside a larger transaction.
func (s *Statement) RequireStatementJournal(mayAbort bool) error {
	if !mayAbort || s.journal != "" {
		return nil
	}
	if s.state != stmtRunning {
		return fmt.Errorf("%w: journal for %s statement", ErrStatementState, s.label)
	}
	name := fmt.Sprintf("rowlock_stmt_%d", s.id)
	if err := s.conn.pager.Savepoint(name); err != nil {
		return fmt.Errorf("open statement journal: %w", err)
	}
	s.journal = name
	telemetry.StatementJournalsTotal.Inc()
	return nil
}

// UsesStatementJournal reports whether the running statement has a statement journal.
func (s *Statement) UsesStatementJournal() bool {
	return s.journal != ""
}

// LockTableForSchema takes the table Write lock a schema change of tableID needs. The
// lock lasts until the transaction ends.
func (s *Statement) LockTableForSchema(ctx context.Context, tableID uint64) error {
	return s.lockTable(ctx, tableID, lock.TableWrite, lock.ScopeTransaction)
}

// LockTableForIndex takes table Write on the table an index is built on.
func (s *Statement) LockTableForIndex(ctx context.Context, tableID uint64) error {
	return s.lockTable(ctx, tableID, lock.TableWrite, lock.ScopeTransaction)
}

// LockTableForTrigger takes table Write on the table a trigger is defined on.
func (s *Statement) LockTableForTrigger(ctx context.Context, tableID uint64) error {
	return s.lockTable(ctx, tableID, lock.TableWrite, lock.ScopeTransaction)
}

// LockTableForCommitGuard takes table Read for the duration of the statement so no other
// holder can commit a schema change of tableID while it runs.
func (s *Statement) LockTableForCommitGuard(ctx context.Context, tableID uint64) error {
	return s.lockTable(ctx, tableID, lock.TableRead, lock.ScopeStatement)
}

func (s *Statement) lockTable(ctx context.Context, tableID uint64, level lock.TableLevel, scope lock.Scope) error {
	if s.state != stmtRunning {
		return fmt.Errorf("%w: table lock outside %s statement", ErrStatementState, s.label)
	}
	return s.conn.lockTable(ctx, tableID, level, scope)
}

// SetForceCommit makes the statement commit its transaction when it halts successfully.
func (s *Statement) SetForceCommit() {
	s.forceCommit = true
}

// ForceCommit reports whether the statement will force a commit on halt.
func (s *Statement) ForceCommit() bool {
	return s.forceCommit
}

// Halt ends the statement. execErr is the statement's own outcome. On failure the
// statement journal is rolled back and an implicit transaction is rolled back. On success
// an implicit transaction is committed, and a forced commit commits the enclosing
// transaction and closes its savepoints. Statement-scoped locks are released either way.
func (s *Statement) Halt(execErr error) error {
	if s.state != stmtRunning {
		return fmt.Errorf("%w: halt of %s statement", ErrStatementState, s.label)
	}
	c := s.conn
	defer func() {
		s.state = stmtHalted
		if c.active == s {
			c.active = nil
		}
	}()

	if execErr != nil {
		return errors.Join(execErr, s.unwind())
	}

	var errs []error
	if s.journal != "" {
		if err := c.pager.ReleaseSavepoint(s.journal); err != nil {
			errs = append(errs, fmt.Errorf("close statement journal: %w", err))
		}
		s.journal = ""
	}
	if err := c.locks.ReleaseStatement(s.id); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(append(errs, s.rollbackImplicit())...)
	}

	switch {
	case s.forceCommit:
		c.active = nil
		if err := c.commit(); err != nil {
			if s.implicit {
				return errors.Join(err, c.rollback())
			}
			return err
		}
		c.closeSavepoints()
		telemetry.ForceCommitsTotal.Inc()
		log.Debug().
			Str("statement", s.label).
			Uint64("holder", uint64(c.locks.Holder())).
			Msg("Statement forced commit")
	case s.implicit:
		c.active = nil
		if err := c.commit(); err != nil {
			return errors.Join(err, c.rollback())
		}
	}
	return nil
}

// unwind undoes a failed execution: journal rollback, statement lock release and, for an
// implicit transaction, a full rollback.
func (s *Statement) unwind() error {
	c := s.conn
	var errs []error
	if s.journal != "" {
		if err := c.pager.RollbackTo(s.journal); err != nil {
			errs = append(errs, fmt.Errorf("roll back statement journal: %w", err))
		} else if err := c.pager.ReleaseSavepoint(s.journal); err != nil {
			errs = append(errs, fmt.Errorf("close statement journal: %w", err))
		}
		s.journal = ""
	}
	if err := c.locks.ReleaseStatement(s.id); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, s.rollbackImplicit())
	return errors.Join(errs...)
}

func (s *Statement) rollbackImplicit() error {
	if !s.implicit || !s.conn.inTxn {
		return nil
	}
	s.conn.active = nil
	return s.conn.rollback()
}

// abort ends a running statement as failed without touching the transaction, which the
// caller is about to roll back.
func (s *Statement) abort() {
	if s.state != stmtRunning {
		return
	}
	s.implicit = false
	s.unwind()
	s.state = stmtHalted
	if s.conn.active == s {
		s.conn.active = nil
	}
}

// Reset halts a running statement as failed and makes it runnable again.
func (s *Statement) Reset() error {
	var err error
	if s.state == stmtRunning {
		err = s.Halt(errStatementReset)
		if errors.Is(err, errStatementReset) {
			err = stripReset(err)
		}
	}
	s.state = stmtIdle
	s.id = 0
	s.implicit = false
	s.journal = ""
	s.forceCommit = false
	return err
}

func stripReset(err error) error {
	var rest []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if e != nil && !errors.Is(e, errStatementReset) {
				rest = append(rest, e)
			}
		}
		return errors.Join(rest...)
	}
	return nil
}
