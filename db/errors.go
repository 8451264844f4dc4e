package db

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"github.com/maxpert/rowlock/rowid"
)

var (
	// ErrNoSuchTable is returned for a table missing from sqlite_master
	ErrNoSuchTable = errors.New("no such table")

	// ErrRowNotFound is returned when no row has the requested rowid
	ErrRowNotFound = errors.New("row not found")

	// ErrRowExists is returned when an explicit rowid is already taken
	ErrRowExists = errors.New("row already exists")

	// ErrClosed is returned by every operation after Close
	ErrClosed = errors.New("database closed")

	// ErrStorageBusy is returned when SQLite itself reports SQLITE_BUSY or SQLITE_LOCKED
	ErrStorageBusy = errors.New("storage busy")
)

// isKeyConflict reports whether err is SQLite refusing a rowid that is already present
func isKeyConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintRowID:
		return true
	}
	return false
}

// isStaleSnapshot reports whether SQLite refused a write because the read snapshot of
// the transaction predates a commit by another connection
func isStaleSnapshot(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrBusySnapshot
}

func isStorageBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// insertError classifies an INSERT failure. A conflict on a key the cursor generated means
// its rowid cache was stale, which the caller recovers from by re-running the statement.
// So does a stale snapshot in a transaction the statement owns: another holder committed
// after the key was synthesized and a re-run starts from a fresh snapshot.
func insertError(table string, key int64, generated, implicit bool, err error) error {
	if generated && implicit && isStaleSnapshot(err) {
		return fmt.Errorf("%w: %s rowid %d: stale snapshot: %v", rowid.ErrRowidCorrupted, table, key, err)
	}
	if isKeyConflict(err) {
		if generated {
			return fmt.Errorf("%w: %s rowid %d", rowid.ErrRowidCorrupted, table, key)
		}
		return fmt.Errorf("%w: %s rowid %d", ErrRowExists, table, key)
	}
	return execError("insert into "+table, err)
}

func execError(op string, err error) error {
	if isStorageBusy(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrStorageBusy, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
