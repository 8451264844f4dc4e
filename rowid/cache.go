// Package rowid keeps the per-cursor cache of the last generated row key and drives
// the bounded statement retry that recovers from a stale cache.
package rowid

import (
	"math"
	"sync/atomic"
)

// MaxRowid is the largest row key. A cache holding it is exhausted and the caller must
// switch to random key allocation.
const MaxRowid int64 = math.MaxInt64

// LastKeySeeker positions a cursor on the last row of its table.
type LastKeySeeker interface {
	// SeekLast returns the largest key in the table, or empty when the table has no rows.
	SeekLast() (key int64, empty bool, err error)
}

// SeekFunc adapts a function to LastKeySeeker.
type SeekFunc func() (int64, bool, error)

func (f SeekFunc) SeekLast() (int64, bool, error) {
	return f()
}

// Cache is the last key a cursor observed or generated on one table. The zero value is an
// empty cache. All methods are safe for concurrent use.
type Cache struct {
	tableID uint64
	last    atomic.Int64
}

// NewCache returns an empty cache for tableID.
func NewCache(tableID uint64) *Cache {
	return &Cache{tableID: tableID}
}

// TableID returns the table the cache belongs to.
func (c *Cache) TableID() uint64 {
	return c.tableID
}

// Load returns the cached key, 0 when empty.
func (c *Cache) Load() int64 {
	return c.last.Load()
}

// Set overwrites the cached key.
func (c *Cache) Set(key int64) {
	c.last.Store(key)
}

// Next synthesizes the next key. An exhausted cache returns useRandom without touching the
// table. A non-empty cache returns its value plus one. An empty cache seeks to the last
// row: an empty table starts at 1, a table whose last key is MaxRowid reports useRandom.
// The cache is set to the returned key; concurrent callers always get distinct keys.
func (c *Cache) Next(seeker LastKeySeeker) (key int64, useRandom bool, err error) {
	for {
		v := c.last.Load()
		switch {
		case v == MaxRowid:
			return 0, true, nil
		case v != 0:
			key = v + 1
		default:
			last, empty, err := seeker.SeekLast()
			if err != nil {
				return 0, false, err
			}
			switch {
			case empty:
				key = 1
			case last == MaxRowid:
				c.last.CompareAndSwap(0, MaxRowid)
				return 0, true, nil
			default:
				key = last + 1
			}
		}
		if c.last.CompareAndSwap(v, key) {
			return key, false, nil
		}
	}
}

// Observe records that key was inserted through the cursor. The cache only moves forward
// and only once it has been initialized by Next or Set; an empty cache stays empty so the
// next Next seeks the table instead of trusting a partial view.
func (c *Cache) Observe(key int64) {
	for {
		v := c.last.Load()
		if v == 0 || key < v {
			return
		}
		if c.last.CompareAndSwap(v, key) {
			return
		}
	}
}

// Invalidate empties the cache so the next Next seeks the table.
func (c *Cache) Invalidate() {
	c.last.Store(0)
}
