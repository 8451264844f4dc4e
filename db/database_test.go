package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxpert/rowlock/cfg"
	"github.com/maxpert/rowlock/lock"
	"github.com/maxpert/rowlock/rowid"
	"github.com/maxpert/rowlock/txn"
	"github.com/stretchr/testify/require"
)

func testConfig() *cfg.Configuration {
	conf := cfg.Default()
	conf.RowLock.MmapRowSize = 64 * 1024
	conf.RowLock.MmapTableSize = 16 * 1024
	conf.RowLock.MaxHolders = 8
	conf.RowLock.BusyTimeoutMS = 50
	conf.RowLock.HeartbeatIntervalMS = 0
	return conf
}

func dbPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "test.db")
}

func openDB(t *testing.T, path string, conf *cfg.Configuration) *Database {
	t.Helper()
	if conf == nil {
		conf = testConfig()
	}
	d, err := Open(path, conf)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func createItems(t *testing.T, d *Database) {
	t.Helper()
	require.NoError(t, d.CreateTable(context.Background(), "items", "name TEXT, n INTEGER"))
}

func TestOpen_AttachesSegment(t *testing.T) {
	path := dbPath(t)
	d := openDB(t, path, nil)

	require.Equal(t, path+cfg.SegmentSuffix, d.Segment().Path())
	require.NotZero(t, d.Holder())

	st, err := d.SegmentStats()
	require.NoError(t, err)
	require.Equal(t, 1, st.Holders)
	require.Zero(t, st.RowsUsed)
}

func TestOpen_JournalModeFollowsPolicy(t *testing.T) {
	for _, tc := range []struct {
		rowLocking bool
		want       string
	}{
		{rowLocking: true, want: "wal"},
		{rowLocking: false, want: "delete"},
	} {
		conf := testConfig()
		conf.RowLock.Enabled = tc.rowLocking
		d := openDB(t, dbPath(t), conf)

		var mode string
		require.NoError(t, d.conn.QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&mode))
		require.Equal(t, tc.want, mode, "row locking %v", tc.rowLocking)
	}
}

func TestInsert_GeneratesSequentialRowids(t *testing.T) {
	ctx := context.Background()
	d := openDB(t, dbPath(t), nil)
	createItems(t, d)

	for want := int64(1); want <= 3; want++ {
		got, err := d.Insert(ctx, "items", map[string]any{"name": "a", "n": want})
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	row, err := d.Get(ctx, "items", 2)
	require.NoError(t, err)
	require.Equal(t, "a", row["name"])
	require.Equal(t, int64(2), row["n"])
}

func TestInsert_ReleasesLocksOutsideTransaction(t *testing.T) {
	ctx := context.Background()
	d := openDB(t, dbPath(t), nil)
	createItems(t, d)

	_, err := d.Insert(ctx, "items", map[string]any{"name": "a"})
	require.NoError(t, err)
	require.Zero(t, d.Locks().HeldCount())

	st, err := d.SegmentStats()
	require.NoError(t, err)
	require.Zero(t, st.RowsUsed)
	require.Zero(t, st.TablesUsed)
}

func TestInsert_StaleCacheRetries(t *testing.T) {
	ctx := context.Background()
	path := dbPath(t)
	a := openDB(t, path, nil)
	b := openDB(t, path, nil)
	createItems(t, a)

	k, err := a.Insert(ctx, "items", map[string]any{"name": "a"})
	require.NoError(t, err)
	require.Equal(t, int64(1), k)

	k, err = b.Insert(ctx, "items", map[string]any{"name": "b"})
	require.NoError(t, err)
	require.Equal(t, int64(2), k)

	// a still believes 1 is the last key, so it tries 2 first
	k, err = a.Insert(ctx, "items", map[string]any{"name": "a"})
	require.NoError(t, err)
	require.Equal(t, int64(3), k)
}

func TestInsert_RetriesAfterConcurrentCommit(t *testing.T) {
	ctx := context.Background()
	path := dbPath(t)
	conf := testConfig()
	conf.RowLock.BusyTimeoutMS = 5000
	a := openDB(t, path, conf)
	b := openDB(t, path, conf)
	createItems(t, a)

	require.NoError(t, a.Begin())
	k, err := a.Insert(ctx, "items", map[string]any{"name": "a"})
	require.NoError(t, err)
	require.Equal(t, int64(1), k)

	type result struct {
		key int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		// b cannot see the uncommitted row, so it synthesizes 1 and waits for a's lock
		key, err := b.Insert(ctx, "items", map[string]any{"name": "b"})
		done <- result{key, err}
	}()

	select {
	case res := <-done:
		t.Fatalf("insert finished while the row was locked: %d %v", res.key, res.err)
	case <-time.After(200 * time.Millisecond):
	}
	require.NoError(t, a.Commit())

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, int64(2), res.key)
	case <-time.After(10 * time.Second):
		t.Fatal("insert never finished")
	}
	require.Zero(t, b.Locks().HeldCount())

	row, err := a.Get(ctx, "items", 2)
	require.NoError(t, err)
	require.Equal(t, "b", row["name"])
}

func TestInsert_RetryExhausted(t *testing.T) {
	ctx := context.Background()
	path := dbPath(t)
	conf := testConfig()
	conf.RowLock.MaxRowidRetry = 0
	a := openDB(t, path, conf)
	b := openDB(t, path, conf)
	createItems(t, a)

	_, err := a.Insert(ctx, "items", map[string]any{"name": "a"})
	require.NoError(t, err)
	_, err = b.Insert(ctx, "items", map[string]any{"name": "b"})
	require.NoError(t, err)

	_, err = a.Insert(ctx, "items", map[string]any{"name": "a"})
	var exhausted *rowid.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 1, exhausted.Attempts)
	require.ErrorIs(t, err, rowid.ErrRowidCorrupted)
	require.Zero(t, a.Locks().HeldCount())
}

func TestInsert_RandomAfterMaxRowid(t *testing.T) {
	ctx := context.Background()
	d := openDB(t, dbPath(t), nil)
	createItems(t, d)

	require.NoError(t, d.InsertWithRowid(ctx, "items", rowid.MaxRowid, map[string]any{"name": "last"}))

	k, err := d.Insert(ctx, "items", map[string]any{"name": "random"})
	require.NoError(t, err)
	require.Greater(t, k, int64(0))
	require.Less(t, k, rowid.MaxRowid)

	row, err := d.Get(ctx, "items", k)
	require.NoError(t, err)
	require.Equal(t, "random", row["name"])
}

func TestInsertWithRowid_Exists(t *testing.T) {
	ctx := context.Background()
	d := openDB(t, dbPath(t), nil)
	createItems(t, d)

	require.NoError(t, d.InsertWithRowid(ctx, "items", 10, map[string]any{"name": "x"}))
	err := d.InsertWithRowid(ctx, "items", 10, map[string]any{"name": "y"})
	require.ErrorIs(t, err, ErrRowExists)
	require.False(t, errors.Is(err, rowid.ErrRowidCorrupted))

	// generation continues after the explicit key
	k, err := d.Insert(ctx, "items", map[string]any{"name": "z"})
	require.NoError(t, err)
	require.Equal(t, int64(11), k)
}

func TestUpdateDelete(t *testing.T) {
	ctx := context.Background()
	d := openDB(t, dbPath(t), nil)
	createItems(t, d)

	k, err := d.Insert(ctx, "items", map[string]any{"name": "a", "n": 1})
	require.NoError(t, err)

	require.NoError(t, d.Update(ctx, "items", k, map[string]any{"n": 2}))
	row, err := d.Get(ctx, "items", k)
	require.NoError(t, err)
	require.Equal(t, int64(2), row["n"])

	require.NoError(t, d.Delete(ctx, "items", k))
	_, err = d.Get(ctx, "items", k)
	require.ErrorIs(t, err, ErrRowNotFound)

	require.ErrorIs(t, d.Update(ctx, "items", k, map[string]any{"n": 3}), ErrRowNotFound)
	require.ErrorIs(t, d.Delete(ctx, "items", k), ErrRowNotFound)
}

func TestNoSuchTable(t *testing.T) {
	ctx := context.Background()
	d := openDB(t, dbPath(t), nil)

	_, err := d.Insert(ctx, "missing", map[string]any{"a": 1})
	require.ErrorIs(t, err, ErrNoSuchTable)
	_, err = d.Get(ctx, "missing", 1)
	require.ErrorIs(t, err, ErrNoSuchTable)
	require.False(t, d.InTransaction())
}

func TestRowLock_BlocksOtherConnection(t *testing.T) {
	ctx := context.Background()
	path := dbPath(t)
	a := openDB(t, path, nil)
	b := openDB(t, path, nil)
	createItems(t, a)

	k, err := a.Insert(ctx, "items", map[string]any{"name": "a", "n": 1})
	require.NoError(t, err)

	require.NoError(t, a.Begin())
	require.NoError(t, a.Update(ctx, "items", k, map[string]any{"n": 2}))
	require.Equal(t, lock.RowExclusive, a.Locks().HeldRowLevel(mustTableID(t, a, "items"), k))

	_, err = b.Get(ctx, "items", k)
	var timeout *lock.BusyTimeoutError
	require.ErrorAs(t, err, &timeout)
	require.ErrorIs(t, err, lock.ErrBusy)
	require.False(t, b.InTransaction())

	require.NoError(t, a.Commit())
	require.Zero(t, a.Locks().HeldCount())

	row, err := b.Get(ctx, "items", k)
	require.NoError(t, err)
	require.Equal(t, int64(2), row["n"])
}

func TestSchemaChange_BlockedByRowLocks(t *testing.T) {
	ctx := context.Background()
	path := dbPath(t)
	a := openDB(t, path, nil)
	b := openDB(t, path, nil)
	createItems(t, a)

	require.NoError(t, a.Begin())
	_, err := a.Insert(ctx, "items", map[string]any{"name": "a"})
	require.NoError(t, err)

	err = b.CreateIndex(ctx, "items_name", "items", "name")
	require.ErrorIs(t, err, lock.ErrBusy)

	require.NoError(t, a.Commit())
	require.NoError(t, b.CreateIndex(ctx, "items_name", "items", "name"))
}

func TestSchemaChange_ForceCommits(t *testing.T) {
	ctx := context.Background()
	d := openDB(t, dbPath(t), nil)
	createItems(t, d)

	require.NoError(t, d.Begin())
	require.NoError(t, d.Savepoint("sp"))
	_, err := d.Insert(ctx, "items", map[string]any{"name": "a"})
	require.NoError(t, err)

	require.NoError(t, d.CreateTrigger(ctx, "items_touch", "items", "AFTER UPDATE",
		"UPDATE items SET n = coalesce(n, 0) + 1 WHERE rowid = NEW.rowid AND NEW.n IS OLD.n;"))
	require.False(t, d.InTransaction())
	require.Zero(t, d.Locks().HeldCount())
	require.ErrorIs(t, d.RollbackTo("sp"), txn.ErrNoSuchSavepoint)

	// the insert before the trigger was committed with it
	_, err = d.Get(ctx, "items", 1)
	require.NoError(t, err)
}

func TestSavepoint_RollbackToReleasesRowLocks(t *testing.T) {
	ctx := context.Background()
	path := dbPath(t)
	a := openDB(t, path, nil)
	b := openDB(t, path, nil)
	createItems(t, a)

	k, err := a.Insert(ctx, "items", map[string]any{"name": "a", "n": 1})
	require.NoError(t, err)

	require.NoError(t, a.Begin())
	require.NoError(t, a.Savepoint("sp"))
	require.NoError(t, a.Update(ctx, "items", k, map[string]any{"n": 5}))
	require.NoError(t, a.RollbackTo("sp"))
	require.Zero(t, a.Locks().HeldCount())

	row, err := b.Get(ctx, "items", k)
	require.NoError(t, err)
	require.Equal(t, int64(1), row["n"])

	require.NoError(t, a.ReleaseSavepoint("sp"))
	require.NoError(t, a.Commit())
}

func TestRollback_UndoesAndReleases(t *testing.T) {
	ctx := context.Background()
	d := openDB(t, dbPath(t), nil)
	createItems(t, d)

	require.NoError(t, d.Begin())
	k, err := d.Insert(ctx, "items", map[string]any{"name": "a"})
	require.NoError(t, err)
	require.NoError(t, d.Rollback())
	require.Zero(t, d.Locks().HeldCount())

	_, err = d.Get(ctx, "items", k)
	require.ErrorIs(t, err, ErrRowNotFound)

	// the rolled back key is handed out again
	k2, err := d.Insert(ctx, "items", map[string]any{"name": "b"})
	require.NoError(t, err)
	require.Equal(t, k, k2)
}

func TestClose_ReleasesLocks(t *testing.T) {
	ctx := context.Background()
	path := dbPath(t)
	a, err := Open(path, testConfig())
	require.NoError(t, err)
	b := openDB(t, path, nil)
	createItems(t, b)

	k, err := b.Insert(ctx, "items", map[string]any{"name": "b"})
	require.NoError(t, err)

	require.NoError(t, a.Begin())
	require.NoError(t, a.Update(ctx, "items", k, map[string]any{"name": "a"}))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	require.NoError(t, b.Update(ctx, "items", k, map[string]any{"name": "b2"}))
	require.ErrorIs(t, a.Begin(), ErrClosed)
	_, err = a.Get(ctx, "items", k)
	require.ErrorIs(t, err, ErrClosed)
}

func TestDropTable(t *testing.T) {
	ctx := context.Background()
	d := openDB(t, dbPath(t), nil)
	createItems(t, d)

	require.NoError(t, d.DropTable(ctx, "items"))
	require.ErrorIs(t, d.DropTable(ctx, "items"), ErrNoSuchTable)
}

func mustTableID(t *testing.T, d *Database, table string) uint64 {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	id, err := d.tableID(context.Background(), table)
	require.NoError(t, err)
	return id
}
