package rowid

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultRegistrySize is the number of tables a registry remembers
const DefaultRegistrySize = 1024

// Registry remembers, per connection, the last key known for each table so a newly
// opened cursor starts from the value a previous cursor left instead of seeking.
type Registry struct {
	known *lru.Cache[uint64, int64]
}

// NewRegistry returns a registry that remembers up to size tables.
func NewRegistry(size int) (*Registry, error) {
	if size <= 0 {
		size = DefaultRegistrySize
	}
	known, err := lru.New[uint64, int64](size)
	if err != nil {
		return nil, fmt.Errorf("create rowid registry: %w", err)
	}
	return &Registry{known: known}, nil
}

// Open returns a cache for a new cursor on tableID, seeded from the registry.
func (r *Registry) Open(tableID uint64) *Cache {
	c := NewCache(tableID)
	if v, ok := r.known.Get(tableID); ok {
		c.Set(v)
	}
	return c
}

// Close writes the cursor's cache back. A value lower than the one already known is
// ignored, an empty cache is not recorded.
func (r *Registry) Close(c *Cache) {
	v := c.Load()
	if v == 0 {
		return
	}
	if old, ok := r.known.Peek(c.TableID()); ok && old >= v {
		return
	}
	r.known.Add(c.TableID(), v)
}

// Forget drops what is known about tableID.
func (r *Registry) Forget(tableID uint64) {
	r.known.Remove(tableID)
}

// Purge drops everything, used when the connection's view of the tables is no longer
// trustworthy (rollback, schema change).
func (r *Registry) Purge() {
	r.known.Purge()
}

// Known returns the remembered key of tableID.
func (r *Registry) Known(tableID uint64) (int64, bool) {
	return r.known.Peek(tableID)
}
