package lock

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/maxpert/rowlock/segment"
	"github.com/stretchr/testify/require"
)

const testTable = uint64(2)

func smallConfig() segment.Config {
	return segment.Config{RowBytes: 16 * 32, TableBytes: 8 * 32, MaxHolders: 8}
}

func segPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db-rowlock")
}

func newManager(t *testing.T, path string, opts ...segment.Option) *Manager {
	t.Helper()
	seg, err := segment.Attach(path, smallConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { seg.Detach() })
	return NewManager(seg)
}

func requireBusy(t *testing.T, err error, heldBy segment.HolderID) {
	t.Helper()
	require.Error(t, err)
	require.True(t, IsBusy(err), "expected busy, got %v", err)
	var be *BusyError
	require.True(t, errors.As(err, &be))
	require.Equal(t, heldBy, be.HeldBy)
}

func rowRecords(t *testing.T, m *Manager) []segment.RowRecord {
	t.Helper()
	snap, err := m.Segment().Snapshot()
	require.NoError(t, err)
	return snap.Rows
}

func TestRowLock_ExclusiveExcludesOthers(t *testing.T) {
	t.Parallel()

	path := segPath(t)
	a := newManager(t, path)
	b := newManager(t, path)

	require.NoError(t, a.AcquireRowLock(testTable, 7, RowExclusive))
	requireBusy(t, b.AcquireRowLock(testTable, 7, RowShared), a.Holder())
	requireBusy(t, b.AcquireRowLock(testTable, 7, RowExclusive), a.Holder())

	// other rows and other tables are unaffected
	require.NoError(t, b.AcquireRowLock(testTable, 8, RowExclusive))
	require.NoError(t, b.AcquireRowLock(testTable+1, 7, RowExclusive))
}

func TestRowLock_SharedByMany(t *testing.T) {
	t.Parallel()

	path := segPath(t)
	a := newManager(t, path)
	b := newManager(t, path)
	c := newManager(t, path)

	require.NoError(t, a.AcquireRowLock(testTable, 1, RowShared))
	require.NoError(t, b.AcquireRowLock(testTable, 1, RowShared))
	require.NoError(t, c.AcquireRowLock(testTable, 1, RowShared))
	require.Len(t, rowRecords(t, a), 3)

	requireBusy(t, c.AcquireRowLock(testTable, 1, RowExclusive), a.Holder())
}

func TestRowLock_Reentrant(t *testing.T) {
	t.Parallel()

	a := newManager(t, segPath(t))

	require.NoError(t, a.AcquireRowLock(testTable, 1, RowExclusive))
	require.NoError(t, a.AcquireRowLock(testTable, 1, RowExclusive))
	// downgrade keeps the held level
	require.NoError(t, a.AcquireRowLock(testTable, 1, RowShared))

	rows := rowRecords(t, a)
	require.Len(t, rows, 1)
	require.Equal(t, uint32(RowExclusive), rows[0].Level)
	require.Equal(t, RowExclusive, a.HeldRowLevel(testTable, 1))
}

func TestRowLock_UpgradeBySoleHolder(t *testing.T) {
	t.Parallel()

	path := segPath(t)
	a := newManager(t, path)
	b := newManager(t, path)

	require.NoError(t, a.AcquireRowLock(testTable, 1, RowShared))
	require.NoError(t, a.AcquireRowLock(testTable, 1, RowExclusive))
	rows := rowRecords(t, a)
	require.Len(t, rows, 1)
	require.Equal(t, uint32(RowExclusive), rows[0].Level)

	require.NoError(t, a.AcquireRowLock(testTable, 2, RowShared))
	require.NoError(t, b.AcquireRowLock(testTable, 2, RowShared))
	requireBusy(t, a.AcquireRowLock(testTable, 2, RowExclusive), b.Holder())
	require.Equal(t, RowShared, a.HeldRowLevel(testTable, 2))
}

func TestRowLock_BusyThenGranted(t *testing.T) {
	t.Parallel()

	path := segPath(t)
	a := newManager(t, path)
	b := newManager(t, path)

	require.NoError(t, a.AcquireRowLock(testTable, 1, RowExclusive))
	requireBusy(t, b.AcquireRowLock(testTable, 1, RowShared), a.Holder())

	require.NoError(t, a.ReleaseRowLock(testTable, 1))
	require.NoError(t, b.AcquireRowLock(testTable, 1, RowShared))
}

func TestRowLock_BusyLeavesNoState(t *testing.T) {
	t.Parallel()

	path := segPath(t)
	a := newManager(t, path)
	b := newManager(t, path)

	require.NoError(t, a.AcquireRowLock(testTable, 1, RowExclusive))
	before := rowRecords(t, a)

	requireBusy(t, b.AcquireRowLock(testTable, 1, RowExclusive), a.Holder())
	require.Equal(t, before, rowRecords(t, a))
	require.Equal(t, 0, b.HeldCount())
}

func TestRowLock_SegmentFull(t *testing.T) {
	t.Parallel()

	a := newManager(t, segPath(t))
	for k := int64(0); k < 16; k++ {
		require.NoError(t, a.AcquireRowLock(testTable, k, RowExclusive))
	}

	err := a.AcquireRowLock(testTable, 16, RowExclusive)
	require.ErrorIs(t, err, segment.ErrSegmentFull)
	require.False(t, IsBusy(err))
	require.Equal(t, 16, a.HeldCount())

	// reentrant requests still succeed on a full segment
	require.NoError(t, a.AcquireRowLock(testTable, 3, RowExclusive))

	require.NoError(t, a.ReleaseRowLock(testTable, 0))
	require.NoError(t, a.AcquireRowLock(testTable, 16, RowExclusive))
}

func TestRowLock_ReleaseIdempotent(t *testing.T) {
	t.Parallel()

	a := newManager(t, segPath(t))
	require.NoError(t, a.ReleaseRowLock(testTable, 1))
	require.NoError(t, a.AcquireRowLock(testTable, 1, RowShared))
	require.NoError(t, a.ReleaseRowLock(testTable, 1))
	require.NoError(t, a.ReleaseRowLock(testTable, 1))
	require.Empty(t, rowRecords(t, a))
}

func TestRowLock_ReclaimsDeadConflict(t *testing.T) {
	t.Parallel()

	path := segPath(t)
	a := newManager(t, path)
	require.NoError(t, a.AcquireRowLock(testTable, 1, RowExclusive))
	dead := a.Holder()

	var aDead atomic.Bool
	b := newManager(t, path, segment.WithProbe(segment.ProbeFunc(func(info segment.HolderInfo) bool {
		return !(aDead.Load() && info.ID == dead)
	})))

	requireBusy(t, b.AcquireRowLock(testTable, 1, RowExclusive), dead)

	aDead.Store(true)
	require.NoError(t, b.AcquireRowLock(testTable, 1, RowExclusive))

	rows := rowRecords(t, b)
	require.Len(t, rows, 1)
	require.Equal(t, b.Holder(), rows[0].Holder)

	st, err := b.Segment().Stats()
	require.NoError(t, err)
	require.Equal(t, 1, st.Holders)

	require.ErrorIs(t, a.AcquireRowLock(testTable, 2, RowShared), segment.ErrHolderDead)
}

func TestStatementScope(t *testing.T) {
	t.Parallel()

	a := newManager(t, segPath(t))

	stmt := a.BeginStatement()
	require.Equal(t, stmt, a.CurrentStatement())
	require.NoError(t, a.AcquireRowLock(testTable, 1, RowShared))
	require.NoError(t, a.AcquireRowLock(testTable, 2, RowExclusive))
	require.NoError(t, a.AcquireTableLock(testTable, TableRead, ScopeStatement))
	require.NoError(t, a.AcquireTableLock(testTable+1, TableRead, ScopeTransaction))

	require.NoError(t, a.ReleaseStatement(stmt))
	require.Equal(t, StatementID(0), a.CurrentStatement())

	require.Equal(t, RowNone, a.HeldRowLevel(testTable, 1))
	require.Equal(t, RowExclusive, a.HeldRowLevel(testTable, 2))
	require.Equal(t, TableNone, a.HeldTableLevel(testTable))
	require.Equal(t, TableRead, a.HeldTableLevel(testTable+1))

	rows := rowRecords(t, a)
	require.Len(t, rows, 1)
	require.Equal(t, int64(2), rows[0].RowKey)
}

func TestStatementScope_UpgradeKeepsTransactionScope(t *testing.T) {
	t.Parallel()

	a := newManager(t, segPath(t))

	stmt := a.BeginStatement()
	require.NoError(t, a.AcquireRowLock(testTable, 1, RowShared))
	require.NoError(t, a.AcquireRowLock(testTable, 1, RowExclusive))
	require.NoError(t, a.ReleaseStatement(stmt))

	require.Equal(t, RowExclusive, a.HeldRowLevel(testTable, 1))
}

func TestStatementScope_OtherStatementUntouched(t *testing.T) {
	t.Parallel()

	a := newManager(t, segPath(t))

	first := a.BeginStatement()
	require.NoError(t, a.AcquireRowLock(testTable, 1, RowShared))
	second := a.BeginStatement()
	require.NoError(t, a.AcquireRowLock(testTable, 2, RowShared))

	require.NoError(t, a.ReleaseStatement(second))
	require.Equal(t, RowShared, a.HeldRowLevel(testTable, 1))
	require.Equal(t, RowNone, a.HeldRowLevel(testTable, 2))

	require.NoError(t, a.ReleaseStatement(first))
	require.Empty(t, rowRecords(t, a))
}

func TestTableLock_ReadShared(t *testing.T) {
	t.Parallel()

	path := segPath(t)
	a := newManager(t, path)
	b := newManager(t, path)

	require.NoError(t, a.AcquireTableLock(testTable, TableRead, ScopeTransaction))
	require.NoError(t, b.AcquireTableLock(testTable, TableRead, ScopeTransaction))
	requireBusy(t, b.AcquireTableLock(testTable, TableWrite, ScopeTransaction), a.Holder())
}

func TestTableLock_WriteExcludesTableLocks(t *testing.T) {
	t.Parallel()

	path := segPath(t)
	a := newManager(t, path)
	b := newManager(t, path)

	require.NoError(t, a.AcquireTableLock(testTable, TableWrite, ScopeTransaction))
	require.NoError(t, a.AcquireTableLock(testTable, TableWrite, ScopeTransaction))
	require.NoError(t, a.AcquireTableLock(testTable, TableRead, ScopeTransaction))
	require.Equal(t, TableWrite, a.HeldTableLevel(testTable))

	requireBusy(t, b.AcquireTableLock(testTable, TableRead, ScopeTransaction), a.Holder())
	requireBusy(t, b.AcquireTableLock(testTable, TableWrite, ScopeTransaction), a.Holder())

	require.NoError(t, a.ReleaseTableLock(testTable))
	require.NoError(t, a.ReleaseTableLock(testTable))
	require.NoError(t, b.AcquireTableLock(testTable, TableWrite, ScopeTransaction))
}

func TestTableLock_WriteExcludesRowLocks(t *testing.T) {
	t.Parallel()

	path := segPath(t)
	a := newManager(t, path)
	b := newManager(t, path)

	require.NoError(t, a.AcquireRowLock(testTable, 5, RowShared))
	requireBusy(t, b.AcquireTableLock(testTable, TableWrite, ScopeTransaction), a.Holder())

	// own row locks do not block
	require.NoError(t, a.AcquireTableLock(testTable, TableWrite, ScopeTransaction))

	requireBusy(t, b.AcquireRowLock(testTable, 6, RowShared), a.Holder())
	require.NoError(t, b.AcquireRowLock(testTable+1, 6, RowShared))

	var be *BusyError
	err := b.AcquireRowLock(testTable, 6, RowShared)
	require.True(t, errors.As(err, &be))
	require.Equal(t, TableResource(testTable), be.Conflict)
	require.Equal(t, RowResource(testTable, 6), be.Resource)
}

func TestReleaseAll(t *testing.T) {
	t.Parallel()

	path := segPath(t)
	a := newManager(t, path)

	a.BeginStatement()
	require.NoError(t, a.AcquireRowLock(testTable, 1, RowShared))
	require.NoError(t, a.AcquireRowLock(testTable, 2, RowExclusive))
	require.NoError(t, a.AcquireTableLock(testTable+1, TableWrite, ScopeTransaction))

	require.NoError(t, a.ReleaseAll())
	require.Equal(t, 0, a.HeldCount())

	snap, err := a.Segment().Snapshot()
	require.NoError(t, err)
	require.Empty(t, snap.Rows)
	require.Empty(t, snap.Tables)

	swept, err := a.Segment().Sweep()
	require.NoError(t, err)
	require.Zero(t, swept.Rows)
	require.Zero(t, swept.Tables)
}

func TestReleaseAllForHolder(t *testing.T) {
	t.Parallel()

	path := segPath(t)
	a := newManager(t, path)
	b := newManager(t, path)

	require.NoError(t, a.AcquireRowLock(testTable, 1, RowExclusive))
	require.NoError(t, a.AcquireTableLock(testTable, TableRead, ScopeTransaction))
	require.NoError(t, b.AcquireRowLock(testTable, 2, RowExclusive))

	rows, tables, err := ReleaseAllForHolder(b.Segment(), a.Holder())
	require.NoError(t, err)
	require.Equal(t, 1, rows)
	require.Equal(t, 1, tables)

	require.NoError(t, b.AcquireRowLock(testTable, 1, RowExclusive))
}

func TestDetachReleasesLocks(t *testing.T) {
	t.Parallel()

	path := segPath(t)
	a := newManager(t, path)
	b := newManager(t, path)

	require.NoError(t, a.AcquireRowLock(testTable, 1, RowExclusive))
	require.NoError(t, a.Segment().Detach())

	require.NoError(t, b.AcquireRowLock(testTable, 1, RowExclusive))
	require.ErrorIs(t, a.AcquireRowLock(testTable, 2, RowShared), segment.ErrDetached)
}

func TestConcurrentExclusive(t *testing.T) {
	t.Parallel()

	path := segPath(t)
	const n = 6
	managers := make([]*Manager, n)
	for i := range managers {
		managers[i] = newManager(t, path)
	}

	var granted, busy atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, m := range managers {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			<-start
			err := m.AcquireRowLock(testTable, 99, RowExclusive)
			switch {
			case err == nil:
				granted.Add(1)
			case IsBusy(err):
				busy.Add(1)
			}
		}(m)
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), granted.Load())
	require.Equal(t, int32(n-1), busy.Load())
	require.Len(t, rowRecords(t, managers[0]), 1)
}

func TestReleaseSince(t *testing.T) {
	t.Parallel()

	a := newManager(t, segPath(t))

	require.NoError(t, a.AcquireRowLock(testTable, 1, RowShared))
	mark := a.Mark()
	require.NoError(t, a.AcquireRowLock(testTable, 1, RowExclusive))
	require.NoError(t, a.AcquireRowLock(testTable, 2, RowExclusive))
	require.NoError(t, a.AcquireTableLock(testTable+1, TableRead, ScopeTransaction))

	require.NoError(t, a.ReleaseSince(mark))

	// row 1 predates the mark and keeps its upgraded level
	require.Equal(t, RowExclusive, a.HeldRowLevel(testTable, 1))
	require.Equal(t, RowNone, a.HeldRowLevel(testTable, 2))
	require.Equal(t, TableNone, a.HeldTableLevel(testTable+1))
	require.Len(t, rowRecords(t, a), 1)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	path := segPath(t)
	a := newManager(t, path)
	require.NoError(t, a.Validate())

	var aDead atomic.Bool
	dead := a.Holder()
	b := newManager(t, path, segment.WithProbe(segment.ProbeFunc(func(info segment.HolderInfo) bool {
		return !(aDead.Load() && info.ID == dead)
	})))
	aDead.Store(true)
	_, err := b.Segment().Sweep()
	require.NoError(t, err)

	require.ErrorIs(t, a.Validate(), segment.ErrHolderDead)
}
