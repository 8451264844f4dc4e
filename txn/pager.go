package txn

// Pager is the transaction surface of the storage engine beneath a connection. Savepoint
// names are unique on the pager's stack; releasing or rolling back to a name affects every
// savepoint opened after it, like SQL savepoints.
type Pager interface {
	Begin(exclusive bool) error
	Commit() error
	Rollback() error
	Savepoint(name string) error
	ReleaseSavepoint(name string) error
	RollbackTo(name string) error
}

// FileLock is a page-level file lock state, ordered from weakest to strongest.
type FileLock int

const (
	FileNone FileLock = iota
	FileShared
	FileReserved
	FilePending
	FileExclusive
)

func (l FileLock) String() string {
	switch l {
	case FileNone:
		return "none"
	case FileShared:
		return "shared"
	case FileReserved:
		return "reserved"
	case FilePending:
		return "pending"
	case FileExclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// PagerPolicy decides how the pager takes file locks once row locking coordinates writers.
type PagerPolicy struct {
	RowLocking bool
}

// WaitOnLock reports whether the pager should block for requested. With row locking an
// exclusive file lock is never waited for: writers are already serialized per row.
func (p PagerPolicy) WaitOnLock(requested FileLock) bool {
	if p.RowLocking && requested == FileExclusive {
		return false
	}
	return true
}

// NeedExclusive reports whether a write transaction has to take the exclusive file lock
// up front. It does not when the lock is already held or when row locks coordinate access.
func (p PagerPolicy) NeedExclusive(held FileLock, wantExclusive bool) bool {
	if held >= FileExclusive {
		return false
	}
	if p.RowLocking {
		return false
	}
	return wantExclusive
}
