// Package txn ties lock release to transaction, statement and savepoint boundaries of one
// connection and decides when the pager commits.
package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxpert/rowlock/lock"
	"github.com/maxpert/rowlock/rowid"
	"github.com/maxpert/rowlock/segment"
	"github.com/maxpert/rowlock/telemetry"
	"github.com/rs/zerolog/log"
)

// LockManager is the lock capability a connection drives. *lock.Manager implements it.
type LockManager interface {
	Holder() segment.HolderID
	BeginStatement() lock.StatementID
	ReleaseStatement(stmt lock.StatementID) error
	ReleaseAll() error
	Mark() uint64
	ReleaseSince(mark uint64) error
	Validate() error
	AcquireTableLock(tableID uint64, level lock.TableLevel, scope lock.Scope) error
	AcquireRowLock(tableID uint64, rowKey int64, level lock.RowLevel) error
}

type savepoint struct {
	name string
	mark uint64
}

// Conn is one connection's transaction state. It is not safe for concurrent use.
type Conn struct {
	locks    LockManager
	pager    Pager
	registry *rowid.Registry
	policy   PagerPolicy
	waiter   *lock.Waiter
	hooks    []func() error

	inTxn bool
	// viaSavepoint is set when the transaction was opened by a savepoint and ends
	// when that savepoint is released
	viaSavepoint bool
	fileLock     FileLock
	savepoints   []savepoint
	active       *Statement
}

// Option customizes a Conn.
type Option func(*Conn)

// WithWaiter retries busy lock requests made through the connection.
func WithWaiter(w *lock.Waiter) Option {
	return func(c *Conn) { c.waiter = w }
}

// WithPolicy sets the pager file-lock policy.
func WithPolicy(p PagerPolicy) Option {
	return func(c *Conn) { c.policy = p }
}

// WithRegistry shares a rowid registry with the connection.
func WithRegistry(r *rowid.Registry) Option {
	return func(c *Conn) { c.registry = r }
}

// NewConn binds locks and pager into a connection.
func NewConn(locks LockManager, pager Pager, opts ...Option) (*Conn, error) {
	c := &Conn{
		locks:  locks,
		pager:  pager,
		policy: PagerPolicy{RowLocking: true},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		r, err := rowid.NewRegistry(rowid.DefaultRegistrySize)
		if err != nil {
			return nil, err
		}
		c.registry = r
	}
	return c, nil
}

// Locks returns the lock capability of the connection.
func (c *Conn) Locks() LockManager {
	return c.locks
}

// Policy returns the pager file-lock policy.
func (c *Conn) Policy() PagerPolicy {
	return c.policy
}

// OnCommit adds a hook that runs before every pager commit, after the lock-layer check.
// A failing hook aborts the commit.
func (c *Conn) OnCommit(fn func() error) {
	c.hooks = append(c.hooks, fn)
}

// InTransaction reports whether a transaction is open.
func (c *Conn) InTransaction() bool {
	return c.inTxn
}

// Begin opens a deferred transaction.
func (c *Conn) Begin() error {
	return c.begin(false)
}

// BeginExclusive opens a transaction that asks for the exclusive file lock up front,
// unless the pager policy lets row locks coordinate writers instead.
func (c *Conn) BeginExclusive() error {
	return c.begin(true)
}

func (c *Conn) begin(exclusive bool) error {
	if c.inTxn {
		return ErrTransactionActive
	}
	if err := c.beginPager(exclusive); err != nil {
		return err
	}
	c.viaSavepoint = false
	return nil
}

func (c *Conn) beginPager(exclusive bool) error {
	need := c.policy.NeedExclusive(c.fileLock, exclusive)
	if err := c.pager.Begin(need); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	c.inTxn = true
	if need {
		c.fileLock = FileExclusive
	} else {
		c.fileLock = FileShared
	}
	return nil
}

// Commit runs the commit hooks, commits the pager and releases every lock of the
// transaction. When a hook fails nothing is committed and the transaction stays open.
func (c *Conn) Commit() error {
	if !c.inTxn {
		return ErrNoTransaction
	}
	if c.active != nil {
		return ErrStatementActive
	}
	return c.commit()
}

func (c *Conn) commit() error {
	if err := c.runHooks(); err != nil {
		telemetry.TxnTotal.With("commit_failed").Inc()
		return err
	}
	if err := c.pager.Commit(); err != nil {
		telemetry.TxnTotal.With("commit_failed").Inc()
		return fmt.Errorf("commit: %w", err)
	}
	return c.endTransaction("commit")
}

func (c *Conn) runHooks() error {
	if err := c.locks.Validate(); err != nil {
		return &CommitHookError{Err: err}
	}
	for _, fn := range c.hooks {
		if err := fn(); err != nil {
			return &CommitHookError{Err: err}
		}
	}
	return nil
}

// Rollback aborts a running statement, rolls the pager back and releases every lock of
// the transaction.
func (c *Conn) Rollback() error {
	if !c.inTxn {
		return ErrNoTransaction
	}
	if c.active != nil {
		c.active.abort()
	}
	return c.rollback()
}

func (c *Conn) rollback() error {
	perr := c.pager.Rollback()
	c.registry.Purge()
	lerr := c.endTransaction("rollback")
	if perr != nil {
		return fmt.Errorf("rollback: %w", perr)
	}
	return lerr
}

func (c *Conn) endTransaction(result string) error {
	c.inTxn = false
	c.viaSavepoint = false
	c.fileLock = FileNone
	c.savepoints = nil
	telemetry.TxnTotal.With(result).Inc()

	if err := c.locks.ReleaseAll(); err != nil {
		if errors.Is(err, segment.ErrHolderDead) {
			log.Warn().Uint64("holder", uint64(c.locks.Holder())).Msg("Holder reclaimed before transaction end")
			return nil
		}
		return err
	}
	return nil
}

// Savepoint opens a named savepoint, starting a transaction when none is open.
func (c *Conn) Savepoint(name string) error {
	if c.active != nil {
		return ErrStatementActive
	}
	started := false
	if !c.inTxn {
		if err := c.beginPager(false); err != nil {
			return err
		}
		c.viaSavepoint, started = true, true
	}
	if err := c.pager.Savepoint(name); err != nil {
		if started {
			c.rollback()
		}
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	c.savepoints = append(c.savepoints, savepoint{name: name, mark: c.locks.Mark()})
	return nil
}

func (c *Conn) findSavepoint(name string) int {
	for i := len(c.savepoints) - 1; i >= 0; i-- {
		if c.savepoints[i].name == name {
			return i
		}
	}
	return -1
}

// ReleaseSavepoint closes name and every savepoint opened after it. Releasing the
// savepoint that opened the transaction commits it.
func (c *Conn) ReleaseSavepoint(name string) error {
	if c.active != nil {
		return ErrStatementActive
	}
	idx := c.findSavepoint(name)
	if idx < 0 {
		return savepointError(name)
	}
	if idx == 0 && c.viaSavepoint {
		return c.commit()
	}
	if err := c.pager.ReleaseSavepoint(name); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	c.savepoints = c.savepoints[:idx]
	return nil
}

// RollbackTo undoes everything after name and releases the locks acquired since it was
// opened. The savepoint itself stays open; the ones opened after it are closed.
func (c *Conn) RollbackTo(name string) error {
	if c.active != nil {
		return ErrStatementActive
	}
	idx := c.findSavepoint(name)
	if idx < 0 {
		return savepointError(name)
	}
	if err := c.pager.RollbackTo(name); err != nil {
		return fmt.Errorf("rollback to %s: %w", name, err)
	}
	sp := c.savepoints[idx]
	c.savepoints = c.savepoints[:idx+1]
	c.registry.Purge()
	return c.locks.ReleaseSince(sp.mark)
}

// Savepoints returns the open savepoint names, oldest first.
func (c *Conn) Savepoints() []string {
	names := make([]string, len(c.savepoints))
	for i, sp := range c.savepoints {
		names[i] = sp.name
	}
	return names
}

// closeSavepoints forgets every open savepoint. The pager has already dropped them.
func (c *Conn) closeSavepoints() {
	c.savepoints = nil
}

// Prepare returns a statement bound to the connection. label only names it in logs.
func (c *Conn) Prepare(label string) *Statement {
	return &Statement{conn: c, label: label}
}

// OpenCursor returns the rowid cache of a new cursor on tableID.
func (c *Conn) OpenCursor(tableID uint64) *rowid.Cache {
	return c.registry.Open(tableID)
}

// CloseCursor tears a cursor down, handing its rowid cache back to the registry.
func (c *Conn) CloseCursor(cache *rowid.Cache) {
	if cache != nil {
		c.registry.Close(cache)
	}
}

// Registry returns the rowid registry of the connection.
func (c *Conn) Registry() *rowid.Registry {
	return c.registry
}

// LockRow acquires a row lock, waiting out busy conflicts when the connection has a waiter.
func (c *Conn) LockRow(ctx context.Context, tableID uint64, rowKey int64, level lock.RowLevel) error {
	return c.wait(ctx, func() error {
		return c.locks.AcquireRowLock(tableID, rowKey, level)
	})
}

func (c *Conn) lockTable(ctx context.Context, tableID uint64, level lock.TableLevel, scope lock.Scope) error {
	return c.wait(ctx, func() error {
		return c.locks.AcquireTableLock(tableID, level, scope)
	})
}

func (c *Conn) wait(ctx context.Context, fn func() error) error {
	if c.waiter == nil {
		return fn()
	}
	return c.waiter.AcquireWithRetry(ctx, fn)
}
