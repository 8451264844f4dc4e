package db

import (
	"context"
	"database/sql"
	"strings"

	"github.com/maxpert/rowlock/txn"
)

var _ txn.Pager = (*sqlitePager)(nil)

// sqlitePager drives SQLite transactions with plain SQL on one dedicated connection.
// database/sql does not track these, so the connection must never be used through
// sql.Tx.
type sqlitePager struct {
	conn *sql.Conn
}

func (p *sqlitePager) exec(q string) error {
	if _, err := p.conn.ExecContext(context.Background(), q); err != nil {
		return execError(q, err)
	}
	return nil
}

func (p *sqlitePager) Begin(exclusive bool) error {
	if exclusive {
		return p.exec("BEGIN EXCLUSIVE")
	}
	return p.exec("BEGIN")
}

func (p *sqlitePager) Commit() error {
	return p.exec("COMMIT")
}

func (p *sqlitePager) Rollback() error {
	err := p.exec("ROLLBACK")
	if err != nil && strings.Contains(err.Error(), "no transaction is active") {
		// SQLite already rolled back on its own, e.g. after SQLITE_FULL
		return nil
	}
	return err
}

func (p *sqlitePager) Savepoint(name string) error {
	return p.exec("SAVEPOINT " + quoteIdent(name))
}

func (p *sqlitePager) ReleaseSavepoint(name string) error {
	return p.exec("RELEASE SAVEPOINT " + quoteIdent(name))
}

func (p *sqlitePager) RollbackTo(name string) error {
	return p.exec("ROLLBACK TO SAVEPOINT " + quoteIdent(name))
}

// journalMode picks how SQLite commits under policy. A rollback journal commit escalates
// to the exclusive file lock and waits out readers for it. WAL commits never take that
// lock, which is what a pager that skips exclusive waits needs.
func journalMode(policy txn.PagerPolicy) string {
	if policy.WaitOnLock(txn.FileExclusive) {
		return "DELETE"
	}
	return "WAL"
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
