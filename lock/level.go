package lock

import "fmt"

// RowLevel is the lock level of a row record.
type RowLevel uint32

const (
	RowNone RowLevel = iota
	// RowShared may be held by any number of holders and excludes Exclusive.
	RowShared
	// RowExclusive is held by exactly one holder and excludes every other lock on the row.
	RowExclusive
)

func (l RowLevel) String() string {
	switch l {
	case RowNone:
		return "none"
	case RowShared:
		return "shared"
	case RowExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("row-level(%d)", uint32(l))
	}
}

// TableLevel is the lock level of a table record.
type TableLevel uint32

const (
	TableNone TableLevel = iota
	// TableRead is compatible with other Read holders.
	TableRead
	// TableWrite excludes every other table lock and every other holder's row locks
	// on the table.
	TableWrite
)

func (l TableLevel) String() string {
	switch l {
	case TableNone:
		return "none"
	case TableRead:
		return "read"
	case TableWrite:
		return "write"
	default:
		return fmt.Sprintf("table-level(%d)", uint32(l))
	}
}

// Scope decides when a lock is released.
type Scope int

const (
	// ScopeTransaction locks persist until the transaction ends.
	ScopeTransaction Scope = iota
	// ScopeStatement locks are released when the statement that took them halts.
	ScopeStatement
)

func (s Scope) String() string {
	if s == ScopeStatement {
		return "statement"
	}
	return "transaction"
}

// ResourceKind distinguishes table and row resources.
type ResourceKind int

const (
	ResourceTable ResourceKind = iota
	ResourceRow
)

// Resource names a lockable object.
type Resource struct {
	Kind    ResourceKind
	TableID uint64
	RowKey  int64
}

// TableResource returns the resource of a whole table.
func TableResource(tableID uint64) Resource {
	return Resource{Kind: ResourceTable, TableID: tableID}
}

// RowResource returns the resource of one row.
func RowResource(tableID uint64, rowKey int64) Resource {
	return Resource{Kind: ResourceRow, TableID: tableID, RowKey: rowKey}
}

func (r Resource) String() string {
	if r.Kind == ResourceTable {
		return fmt.Sprintf("table:%d", r.TableID)
	}
	return fmt.Sprintf("row:%d:%d", r.TableID, r.RowKey)
}

func (k ResourceKind) String() string {
	if k == ResourceTable {
		return "table"
	}
	return "row"
}
