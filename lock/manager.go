// Package lock grants and releases table and row locks against a shared lock segment.
//
// The manager never waits: a conflicting request returns a *BusyError immediately and
// the caller decides whether to retry (see Waiter). Every acquisition changes at most
// one segment record, so a failed request leaves no partial state behind.
package lock

import (
	"errors"
	"sync/atomic"

	"github.com/maxpert/rowlock/segment"
	"github.com/maxpert/rowlock/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// StatementID tags the acquisitions made while a statement runs.
type StatementID uint64

// held is the ledger entry of one lock this holder owns.
type held struct {
	level uint32
	scope Scope
	stmt  StatementID
	seq   uint64
}

// Manager is one holder's capability over a segment.
type Manager struct {
	seg    *segment.Segment
	holder segment.HolderID

	// ledger mirrors the records this holder owns so statement-scoped release
	// does not have to scan the segment
	ledger *xsync.MapOf[Resource, held]

	current  atomic.Uint64
	nextStmt atomic.Uint64
	seq      atomic.Uint64
}

// NewManager binds a manager to the holder of seg.
func NewManager(seg *segment.Segment) *Manager {
	return &Manager{
		seg:    seg,
		holder: seg.Holder(),
		ledger: xsync.NewMapOf[Resource, held](),
	}
}

// Holder returns the holder the manager acts for.
func (m *Manager) Holder() segment.HolderID {
	return m.holder
}

// Segment returns the underlying segment.
func (m *Manager) Segment() *segment.Segment {
	return m.seg
}

// BeginStatement starts tagging acquisitions with a new statement id.
func (m *Manager) BeginStatement() StatementID {
	id := StatementID(m.nextStmt.Add(1))
	m.current.Store(uint64(id))
	return id
}

// CurrentStatement returns the statement acquisitions are tagged with, 0 outside a statement.
func (m *Manager) CurrentStatement() StatementID {
	return StatementID(m.current.Load())
}

// AcquireTableLock grants level on tableID or returns a *BusyError.
// Read is compatible with other Read holders. Write requires that no other holder
// holds a table lock on tableID or any row lock in it. Re-requesting a level that is
// already held, or a lower one, succeeds without changing anything.
func (m *Manager) AcquireTableLock(tableID uint64, level TableLevel, scope Scope) error {
	if level == TableNone {
		return nil
	}
	res := TableResource(tableID)
	reentrant := false
	var have TableLevel

	err := m.seg.Update(func(tx *segment.Txn) error {
		for attempt := 0; ; attempt++ {
			mine := TableNone
			var busy *BusyError
			for _, rec := range tx.TableLocks(tableID) {
				if rec.Holder == m.holder {
					mine = TableLevel(rec.Level)
					continue
				}
				if busy == nil && (level == TableWrite || TableLevel(rec.Level) == TableWrite) {
					busy = &BusyError{Resource: res, Conflict: res, HeldBy: rec.Holder, Held: TableLevel(rec.Level).String()}
				}
			}
			if mine >= level {
				reentrant, have = true, mine
				return nil
			}
			if busy == nil && level == TableWrite {
				if h, ok := tx.RowLockOnTable(tableID, m.holder); ok {
					busy = &BusyError{Resource: res, Conflict: RowResource(tableID, 0), HeldBy: h, Held: "row locks"}
				}
			}
			if busy != nil {
				if attempt == 0 && tx.ReclaimIfDead(busy.HeldBy) {
					telemetry.HoldersReclaimedTotal.Inc()
					continue
				}
				return busy
			}
			return tx.PutTable(segment.TableRecord{TableID: tableID, Holder: m.holder, Level: uint32(level)})
		}
	})
	if err != nil {
		m.countFailure("table", err)
		return err
	}

	if reentrant {
		m.record(res, uint32(have), scope)
		telemetry.LockAcquireTotal.With("table", "reentrant").Inc()
		return nil
	}

	m.record(res, uint32(level), scope)
	telemetry.LockAcquireTotal.With("table", "granted").Inc()
	log.Debug().
		Uint64("holder", uint64(m.holder)).
		Uint64("table_id", tableID).
		Str("level", level.String()).
		Str("scope", scope.String()).
		Msg("Table lock granted")
	return nil
}

// ReleaseTableLock drops this holder's lock on tableID. Releasing a lock that is not
// held is a no-op.
func (m *Manager) ReleaseTableLock(tableID uint64) error {
	res := TableResource(tableID)
	err := m.seg.Update(func(tx *segment.Txn) error {
		tx.DeleteTable(tableID, m.holder)
		return nil
	})
	if err != nil {
		return err
	}
	if _, ok := m.ledger.LoadAndDelete(res); ok {
		telemetry.LockReleaseTotal.With("table").Inc()
	}
	return nil
}

// AcquireRowLock grants level on (tableID, rowKey) with the default scope for the
// level: Shared locks last for the statement, Exclusive locks for the transaction.
func (m *Manager) AcquireRowLock(tableID uint64, rowKey int64, level RowLevel) error {
	scope := ScopeTransaction
	if level == RowShared {
		scope = ScopeStatement
	}
	return m.AcquireRowLockScoped(tableID, rowKey, level, scope)
}

// AcquireRowLockScoped grants level on (tableID, rowKey) or returns a *BusyError.
// Shared is granted unless another holder holds Exclusive. Exclusive is granted only
// when no other holder holds any lock on the row, which makes an upgrade from Shared
// fail while other Shared holders remain. Rows of a table another holder has locked
// for Write are busy. A conflicting holder that turns out to be dead is reclaimed and
// the request is evaluated once more.
func (m *Manager) AcquireRowLockScoped(tableID uint64, rowKey int64, level RowLevel, scope Scope) error {
	if level == RowNone {
		return nil
	}
	res := RowResource(tableID, rowKey)
	reentrant := false
	var have RowLevel

	err := m.seg.Update(func(tx *segment.Txn) error {
		for attempt := 0; ; attempt++ {
			busy := m.tableWriteConflict(tx, res)

			mine := RowNone
			for _, rec := range tx.RowLocks(tableID, rowKey) {
				if rec.Holder == m.holder {
					mine = RowLevel(rec.Level)
					continue
				}
				if busy == nil && (level == RowExclusive || RowLevel(rec.Level) == RowExclusive) {
					busy = &BusyError{Resource: res, Conflict: res, HeldBy: rec.Holder, Held: RowLevel(rec.Level).String()}
				}
			}
			if mine >= level {
				reentrant, have = true, mine
				return nil
			}
			if busy != nil {
				if attempt == 0 && tx.ReclaimIfDead(busy.HeldBy) {
					telemetry.HoldersReclaimedTotal.Inc()
					continue
				}
				return busy
			}
			return tx.PutRow(segment.RowRecord{TableID: tableID, RowKey: rowKey, Holder: m.holder, Level: uint32(level)})
		}
	})
	if err != nil {
		m.countFailure("row", err)
		return err
	}

	if reentrant {
		// an Exclusive row re-requested under a longer scope keeps the longer scope
		m.record(res, uint32(have), scope)
		telemetry.LockAcquireTotal.With("row", "reentrant").Inc()
		return nil
	}

	m.record(res, uint32(level), scope)
	telemetry.LockAcquireTotal.With("row", "granted").Inc()
	log.Debug().
		Uint64("holder", uint64(m.holder)).
		Uint64("table_id", tableID).
		Int64("row_key", rowKey).
		Str("level", level.String()).
		Msg("Row lock granted")
	return nil
}

func (m *Manager) tableWriteConflict(tx *segment.Txn, res Resource) *BusyError {
	for _, rec := range tx.TableLocks(res.TableID) {
		if rec.Holder != m.holder && TableLevel(rec.Level) == TableWrite {
			return &BusyError{Resource: res, Conflict: TableResource(res.TableID), HeldBy: rec.Holder, Held: TableWrite.String()}
		}
	}
	return nil
}

// ReleaseRowLock drops this holder's lock on (tableID, rowKey). Idempotent.
func (m *Manager) ReleaseRowLock(tableID uint64, rowKey int64) error {
	res := RowResource(tableID, rowKey)
	err := m.seg.Update(func(tx *segment.Txn) error {
		tx.DeleteRow(tableID, rowKey, m.holder)
		return nil
	})
	if err != nil {
		return err
	}
	if _, ok := m.ledger.LoadAndDelete(res); ok {
		telemetry.LockReleaseTotal.With("row").Inc()
	}
	return nil
}

// ReleaseStatement drops the statement-scoped locks acquired while stmt ran.
// Transaction-scoped locks are kept.
func (m *Manager) ReleaseStatement(stmt StatementID) error {
	var drop []Resource
	m.ledger.Range(func(res Resource, h held) bool {
		if h.scope == ScopeStatement && h.stmt == stmt {
			drop = append(drop, res)
		}
		return true
	})
	m.current.CompareAndSwap(uint64(stmt), 0)
	if len(drop) == 0 {
		return nil
	}

	if err := m.release(drop); err != nil {
		return err
	}
	log.Debug().
		Uint64("holder", uint64(m.holder)).
		Uint64("statement", uint64(stmt)).
		Int("released", len(drop)).
		Msg("Released statement locks")
	return nil
}

func (m *Manager) release(drop []Resource) error {
	err := m.seg.Update(func(tx *segment.Txn) error {
		for _, res := range drop {
			if res.Kind == ResourceTable {
				tx.DeleteTable(res.TableID, m.holder)
			} else {
				tx.DeleteRow(res.TableID, res.RowKey, m.holder)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, res := range drop {
		m.ledger.Delete(res)
		telemetry.LockReleaseTotal.With(res.Kind.String()).Inc()
	}
	return nil
}

// ReleaseAll drops every lock of this holder, whatever its scope.
func (m *Manager) ReleaseAll() error {
	var rows, tables int
	err := m.seg.Update(func(tx *segment.Txn) error {
		rows, tables = tx.ReleaseHolder(m.holder)
		return nil
	})
	m.ledger.Clear()
	m.current.Store(0)
	if err != nil && !errors.Is(err, segment.ErrHolderDead) {
		return err
	}
	telemetry.LockReleaseTotal.With("row").Add(float64(rows))
	telemetry.LockReleaseTotal.With("table").Add(float64(tables))
	return err
}

// Mark returns a position in this holder's acquisition order. Locks acquired after the
// mark can be released with ReleaseSince.
func (m *Manager) Mark() uint64 {
	return m.seq.Load()
}

// ReleaseSince drops every lock first acquired after mark. Locks held before the mark
// are kept even if they were upgraded afterwards.
func (m *Manager) ReleaseSince(mark uint64) error {
	var drop []Resource
	m.ledger.Range(func(res Resource, h held) bool {
		if h.seq > mark {
			drop = append(drop, res)
		}
		return true
	})
	if len(drop) == 0 {
		return nil
	}
	return m.release(drop)
}

// Validate confirms this holder is still registered in the segment. A holder that was
// reclaimed as dead no longer owns any of the locks in its ledger.
func (m *Manager) Validate() error {
	return m.seg.View(func(*segment.Txn) error { return nil })
}

// HeldRowLevel returns the level this holder holds on (tableID, rowKey).
func (m *Manager) HeldRowLevel(tableID uint64, rowKey int64) RowLevel {
	if h, ok := m.ledger.Load(RowResource(tableID, rowKey)); ok {
		return RowLevel(h.level)
	}
	return RowNone
}

// HeldTableLevel returns the level this holder holds on tableID.
func (m *Manager) HeldTableLevel(tableID uint64) TableLevel {
	if h, ok := m.ledger.Load(TableResource(tableID)); ok {
		return TableLevel(h.level)
	}
	return TableNone
}

// HeldCount returns the number of locks this holder owns.
func (m *Manager) HeldCount() int {
	return m.ledger.Size()
}

// record merges an acquisition into the ledger. The higher level and the longer scope win.
func (m *Manager) record(res Resource, level uint32, scope Scope) {
	stmt := m.CurrentStatement()
	m.ledger.Compute(res, func(old held, loaded bool) (held, bool) {
		if !loaded {
			return held{level: level, scope: scope, stmt: stmt, seq: m.seq.Add(1)}, false
		}
		if level > old.level {
			old.level = level
		}
		if scope == ScopeTransaction {
			old.scope = ScopeTransaction
		}
		return old, false
	})
}

func (m *Manager) countFailure(kind string, err error) {
	switch {
	case errors.Is(err, ErrBusy):
		telemetry.LockAcquireTotal.With(kind, "busy").Inc()
	case errors.Is(err, segment.ErrSegmentFull):
		telemetry.LockAcquireTotal.With(kind, "full").Inc()
		log.Warn().Err(err).Uint64("holder", uint64(m.holder)).Msg("Lock segment full")
	default:
		telemetry.LockAcquireTotal.With(kind, "error").Inc()
	}
}

// ReleaseAllForHolder drops every record owned by h, which need not be the caller's
// holder. It returns the number of row and table records removed.
func ReleaseAllForHolder(seg *segment.Segment, h segment.HolderID) (rows, tables int, err error) {
	err = seg.Update(func(tx *segment.Txn) error {
		rows, tables = tx.ReleaseHolder(h)
		return nil
	})
	return rows, tables, err
}
