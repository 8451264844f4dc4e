// Package db is a SQLite-backed executor that runs every read and write through the row
// lock core: table locks guard schema changes, row locks guard rows and generated rowids
// come from per-cursor caches with corruption retry.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"

	"github.com/maxpert/rowlock/cfg"
	"github.com/maxpert/rowlock/lock"
	"github.com/maxpert/rowlock/rowid"
	"github.com/maxpert/rowlock/segment"
	"github.com/maxpert/rowlock/telemetry"
	"github.com/maxpert/rowlock/txn"
	"github.com/rs/zerolog/log"
)

// Row is one table row keyed by column name.
type Row map[string]any

// Database is one connection to a SQLite file whose writers coordinate through the lock
// segment beside it. Methods serialize on the Database; open one Database per concurrent
// writer, in this process or another.
type Database struct {
	path     string
	maxRetry int

	mu     sync.Mutex
	sqlDB  *sql.DB
	conn   *sql.Conn
	seg    *segment.Segment
	locks  *lock.Manager
	tx     *txn.Conn
	closed bool
}

// Open opens the database at path and attaches its lock segment. A nil conf uses
// cfg.Config.
func Open(path string, conf *cfg.Configuration) (*Database, error) {
	if conf == nil {
		conf = cfg.Config
	}
	rl := conf.RowLock
	policy := txn.PagerPolicy{RowLocking: rl.Enabled}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d", path, journalMode(policy), rl.BusyTimeoutMS)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Transactions are driven with raw SQL, so every statement must reach the same connection
	sqlDB.SetMaxOpenConns(1)

	conn, err := sqlDB.Conn(context.Background())
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	seg, err := segment.Attach(conf.SegmentPath(path), rl.SegmentConfig())
	if err != nil {
		conn.Close()
		sqlDB.Close()
		return nil, err
	}

	closeAll := func() {
		seg.Detach()
		conn.Close()
		sqlDB.Close()
	}

	registry, err := rowid.NewRegistry(rl.RowidCacheTables)
	if err != nil {
		closeAll()
		return nil, err
	}

	locks := lock.NewManager(seg)
	tx, err := txn.NewConn(locks, &sqlitePager{conn: conn},
		txn.WithWaiter(lock.NewWaiter(rl.BusyTimeout(), rl.BusyBackoff())),
		txn.WithPolicy(policy),
		txn.WithRegistry(registry),
	)
	if err != nil {
		closeAll()
		return nil, err
	}

	log.Info().
		Str("path", path).
		Str("segment", seg.Path()).
		Uint64("holder", uint64(seg.Holder())).
		Bool("row_locking", rl.Enabled).
		Msg("Opened database")

	return &Database{
		path:     path,
		maxRetry: rl.MaxRowidRetry,
		sqlDB:    sqlDB,
		conn:     conn,
		seg:      seg,
		locks:    locks,
		tx:       tx,
	}, nil
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}

// Holder returns the lock holder of the connection.
func (d *Database) Holder() segment.HolderID {
	return d.seg.Holder()
}

// Locks returns the lock manager of the connection.
func (d *Database) Locks() *lock.Manager {
	return d.locks
}

// Segment returns the attached lock segment.
func (d *Database) Segment() *segment.Segment {
	return d.seg
}

// SegmentStats reports occupancy to a telemetry.MetricsCollector.
func (d *Database) SegmentStats() (telemetry.SegmentStats, error) {
	st, err := d.seg.Stats()
	if err != nil {
		return telemetry.SegmentStats{}, err
	}
	return telemetry.SegmentStats{
		Holders:    st.Holders,
		RowsUsed:   st.RowsUsed,
		RowSlots:   st.RowSlots,
		TablesUsed: st.TablesUsed,
		TableSlots: st.TableSlots,
	}, nil
}

// Close rolls back an open transaction, closes the connection and detaches the segment.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	if d.tx.InTransaction() {
		errs = append(errs, d.tx.Rollback())
	}
	errs = append(errs, d.conn.Close(), d.sqlDB.Close(), d.seg.Detach())
	return errors.Join(errs...)
}

// Begin opens a deferred transaction.
func (d *Database) Begin() error {
	return d.locked(d.tx.Begin)
}

// BeginExclusive opens a transaction that takes the exclusive file lock up front when row
// locking is disabled.
func (d *Database) BeginExclusive() error {
	return d.locked(d.tx.BeginExclusive)
}

// Commit commits the open transaction and releases its locks.
func (d *Database) Commit() error {
	return d.locked(d.tx.Commit)
}

// Rollback rolls the open transaction back and releases its locks.
func (d *Database) Rollback() error {
	return d.locked(d.tx.Rollback)
}

// Savepoint opens a named savepoint.
func (d *Database) Savepoint(name string) error {
	return d.locked(func() error { return d.tx.Savepoint(name) })
}

// ReleaseSavepoint closes name and every savepoint opened after it.
func (d *Database) ReleaseSavepoint(name string) error {
	return d.locked(func() error { return d.tx.ReleaseSavepoint(name) })
}

// RollbackTo undoes everything after name and drops the locks taken since.
func (d *Database) RollbackTo(name string) error {
	return d.locked(func() error { return d.tx.RollbackTo(name) })
}

// InTransaction reports whether a transaction is open.
func (d *Database) InTransaction() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx.InTransaction()
}

func (d *Database) locked(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return fn()
}

// CreateTable creates name with the given column definitions. The new table is locked for
// writing and the statement commits its transaction.
func (d *Database) CreateTable(ctx context.Context, name, columnsDDL string) error {
	return d.exec(ctx, "create table "+name, nil, func(ctx context.Context, stmt *txn.Statement) error {
		q := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), columnsDDL)
		if _, err := d.conn.ExecContext(ctx, q); err != nil {
			return execError("create table "+name, err)
		}
		tableID, err := d.tableID(ctx, name)
		if err != nil {
			return err
		}
		if err := stmt.LockTableForSchema(ctx, tableID); err != nil {
			return err
		}
		d.tx.Registry().Forget(tableID)
		stmt.SetForceCommit()
		return nil
	})
}

// DropTable drops name once no other holder has it locked.
func (d *Database) DropTable(ctx context.Context, name string) error {
	return d.exec(ctx, "drop table "+name, nil, func(ctx context.Context, stmt *txn.Statement) error {
		tableID, err := d.tableID(ctx, name)
		if err != nil {
			return err
		}
		if err := stmt.LockTableForSchema(ctx, tableID); err != nil {
			return err
		}
		if _, err := d.conn.ExecContext(ctx, "DROP TABLE "+quoteIdent(name)); err != nil {
			return execError("drop table "+name, err)
		}
		d.tx.Registry().Forget(tableID)
		stmt.SetForceCommit()
		return nil
	})
}

// CreateIndex builds index name on table(columns).
func (d *Database) CreateIndex(ctx context.Context, name, table, columns string) error {
	return d.exec(ctx, "create index "+name, nil, func(ctx context.Context, stmt *txn.Statement) error {
		tableID, err := d.tableID(ctx, table)
		if err != nil {
			return err
		}
		if err := stmt.LockTableForIndex(ctx, tableID); err != nil {
			return err
		}
		q := fmt.Sprintf("CREATE INDEX %s ON %s (%s)", quoteIdent(name), quoteIdent(table), columns)
		if _, err := d.conn.ExecContext(ctx, q); err != nil {
			return execError("create index "+name, err)
		}
		stmt.SetForceCommit()
		return nil
	})
}

// CreateTrigger defines trigger name firing on event (for example "AFTER INSERT") of table
// with body as its BEGIN ... END block.
func (d *Database) CreateTrigger(ctx context.Context, name, table, event, body string) error {
	return d.exec(ctx, "create trigger "+name, nil, func(ctx context.Context, stmt *txn.Statement) error {
		tableID, err := d.tableID(ctx, table)
		if err != nil {
			return err
		}
		if err := stmt.LockTableForTrigger(ctx, tableID); err != nil {
			return err
		}
		q := fmt.Sprintf("CREATE TRIGGER %s %s ON %s BEGIN %s END", quoteIdent(name), event, quoteIdent(table), body)
		if _, err := d.conn.ExecContext(ctx, q); err != nil {
			return execError("create trigger "+name, err)
		}
		stmt.SetForceCommit()
		return nil
	})
}

// Insert adds a row with a generated rowid and returns it. A rowid the cursor cache
// believed free but another holder has since used makes the statement re-run with a
// fresh cache, up to the configured retry limit.
func (d *Database) Insert(ctx context.Context, table string, values map[string]any) (int64, error) {
	var (
		inserted int64
		cache    *rowid.Cache
	)
	reset := func() {
		if cache != nil {
			cache.Invalidate()
			d.tx.Registry().Forget(cache.TableID())
		}
	}
	err := d.exec(ctx, "insert "+table, reset, func(ctx context.Context, stmt *txn.Statement) error {
		tableID, err := d.writeGuard(ctx, stmt, table)
		if err != nil {
			return err
		}
		cache = d.tx.OpenCursor(tableID)
		defer d.tx.CloseCursor(cache)

		key, useRandom, err := cache.Next(d.seekLast(ctx, table))
		if err != nil {
			return err
		}
		if useRandom {
			key = rand.Int64N(rowid.MaxRowid-1) + 1
		}

		fresh := d.locks.HeldRowLevel(tableID, key) == lock.RowNone
		if err := d.tx.LockRow(ctx, tableID, key, lock.RowExclusive); err != nil {
			return err
		}
		if err := d.insertRow(ctx, table, key, values); err != nil {
			err = insertError(table, key, true, stmt.Implicit(), err)
			if fresh && errors.Is(err, rowid.ErrRowidCorrupted) {
				// the row belongs to someone else, the lock protects nothing of ours
				if rerr := d.locks.ReleaseRowLock(tableID, key); rerr != nil {
					log.Warn().
						Err(rerr).
						Uint64("table_id", tableID).
						Int64("row_key", key).
						Msg("Failed to release row lock of corrupted rowid")
				}
			}
			return err
		}
		inserted = key
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// InsertWithRowid adds a row under an explicit rowid.
func (d *Database) InsertWithRowid(ctx context.Context, table string, key int64, values map[string]any) error {
	return d.exec(ctx, "insert "+table, nil, func(ctx context.Context, stmt *txn.Statement) error {
		tableID, err := d.writeGuard(ctx, stmt, table)
		if err != nil {
			return err
		}
		if err := d.tx.LockRow(ctx, tableID, key, lock.RowExclusive); err != nil {
			return err
		}
		if err := d.insertRow(ctx, table, key, values); err != nil {
			return insertError(table, key, false, stmt.Implicit(), err)
		}
		cache := d.tx.OpenCursor(tableID)
		cache.Observe(key)
		d.tx.CloseCursor(cache)
		return nil
	})
}

// Update overwrites the given columns of row key.
func (d *Database) Update(ctx context.Context, table string, key int64, values map[string]any) error {
	if len(values) == 0 {
		return fmt.Errorf("update %s: no columns", table)
	}
	return d.exec(ctx, "update "+table, nil, func(ctx context.Context, stmt *txn.Statement) error {
		tableID, err := d.writeGuard(ctx, stmt, table)
		if err != nil {
			return err
		}
		if err := d.tx.LockRow(ctx, tableID, key, lock.RowExclusive); err != nil {
			return err
		}
		cols := slices.Sorted(maps.Keys(values))
		sets := make([]string, len(cols))
		args := make([]any, 0, len(cols)+1)
		for i, c := range cols {
			sets[i] = quoteIdent(c) + " = ?"
			args = append(args, values[c])
		}
		args = append(args, key)
		q := fmt.Sprintf("UPDATE %s SET %s WHERE rowid = ?", quoteIdent(table), strings.Join(sets, ", "))
		return d.expectRow(ctx, "update "+table, key, q, args...)
	})
}

// Delete removes row key.
func (d *Database) Delete(ctx context.Context, table string, key int64) error {
	return d.exec(ctx, "delete "+table, nil, func(ctx context.Context, stmt *txn.Statement) error {
		tableID, err := d.writeGuard(ctx, stmt, table)
		if err != nil {
			return err
		}
		if err := d.tx.LockRow(ctx, tableID, key, lock.RowExclusive); err != nil {
			return err
		}
		q := fmt.Sprintf("DELETE FROM %s WHERE rowid = ?", quoteIdent(table))
		return d.expectRow(ctx, "delete "+table, key, q, key)
	})
}

// Get reads row key under a shared lock held only while the read runs.
func (d *Database) Get(ctx context.Context, table string, key int64) (Row, error) {
	var row Row
	err := d.exec(ctx, "select "+table, nil, func(ctx context.Context, stmt *txn.Statement) error {
		tableID, err := d.tableID(ctx, table)
		if err != nil {
			return err
		}
		if err := stmt.LockTableForCommitGuard(ctx, tableID); err != nil {
			return err
		}
		if err := d.tx.LockRow(ctx, tableID, key, lock.RowShared); err != nil {
			return err
		}
		row, err = d.selectRow(ctx, table, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// exec runs fn as one statement. A statement failing on a corrupted rowid is reset, onReset
// runs, and fn runs again.
func (d *Database) exec(ctx context.Context, label string, onReset func(), fn func(context.Context, *txn.Statement) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	stmt := d.tx.Prepare(label)
	step := func(ctx context.Context) error {
		if err := stmt.Start(); err != nil {
			return err
		}
		return stmt.Halt(fn(ctx, stmt))
	}
	reset := func() error {
		if onReset != nil {
			onReset()
		}
		return stmt.Reset()
	}
	return rowid.Retry(ctx, d.maxRetry, step, reset)
}

// writeGuard resolves table and takes what every write needs before touching rows: the
// statement-long table Read that keeps schema changes out, and a statement journal.
func (d *Database) writeGuard(ctx context.Context, stmt *txn.Statement, table string) (uint64, error) {
	tableID, err := d.tableID(ctx, table)
	if err != nil {
		return 0, err
	}
	if err := stmt.LockTableForCommitGuard(ctx, tableID); err != nil {
		return 0, err
	}
	if err := stmt.RequireStatementJournal(true); err != nil {
		return 0, err
	}
	return tableID, nil
}

// TableExists reports whether table is defined.
func (d *Database) TableExists(ctx context.Context, table string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, ErrClosed
	}
	_, err := d.tableID(ctx, table)
	if errors.Is(err, ErrNoSuchTable) {
		return false, nil
	}
	return err == nil, err
}

// tableID returns the root page of table, which identifies it in the lock segment.
func (d *Database) tableID(ctx context.Context, table string) (uint64, error) {
	var root int64
	err := d.conn.QueryRowContext(ctx,
		"SELECT rootpage FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&root)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrNoSuchTable, table)
	}
	if err != nil {
		return 0, execError("resolve table "+table, err)
	}
	return uint64(root), nil
}

func (d *Database) seekLast(ctx context.Context, table string) rowid.SeekFunc {
	return func() (int64, bool, error) {
		var last sql.NullInt64
		err := d.conn.QueryRowContext(ctx, "SELECT max(rowid) FROM "+quoteIdent(table)).Scan(&last)
		if err != nil {
			return 0, false, execError("seek last rowid of "+table, err)
		}
		return last.Int64, !last.Valid, nil
	}
}

func (d *Database) insertRow(ctx context.Context, table string, key int64, values map[string]any) error {
	cols := slices.Sorted(maps.Keys(values))
	names := make([]string, 0, len(cols)+1)
	marks := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)
	names = append(names, "rowid")
	marks = append(marks, "?")
	args = append(args, key)
	for _, c := range cols {
		names = append(names, quoteIdent(c))
		marks = append(marks, "?")
		args = append(args, values[c])
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(names, ", "), strings.Join(marks, ", "))
	_, err := d.conn.ExecContext(ctx, q, args...)
	return err
}

func (d *Database) expectRow(ctx context.Context, op string, key int64, q string, args ...any) error {
	res, err := d.conn.ExecContext(ctx, q, args...)
	if err != nil {
		return execError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return execError(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s rowid %d", ErrRowNotFound, op, key)
	}
	return nil
}

func (d *Database) selectRow(ctx context.Context, table string, key int64) (Row, error) {
	rows, err := d.conn.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE rowid = ?", quoteIdent(table)), key)
	if err != nil {
		return nil, execError("select "+table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, execError("select "+table, err)
		}
		return nil, fmt.Errorf("%w: %s rowid %d", ErrRowNotFound, table, key)
	}

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, execError("select "+table, err)
	}

	row := make(Row, len(cols))
	for i, c := range cols {
		if b, ok := vals[i].([]byte); ok {
			row[c] = string(b)
			continue
		}
		row[c] = vals[i]
	}
	return row, rows.Err()
}
