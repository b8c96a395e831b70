// Package cache holds the last successfully synced snapshot.
package cache

import (
	"sync/atomic"

	"projectinfo-sync/pkg/projectinfo"
)

// Cache holds at most one snapshot. Readers always see a complete snapshot
// from a single sync: the file list, per-category progress and overall
// progress are swapped together.
type Cache struct {
	snap atomic.Pointer[projectinfo.Snapshot]
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{}
}

// Replace swaps in a new snapshot. A nil snapshot is ignored.
func (c *Cache) Replace(s *projectinfo.Snapshot) {
	if s == nil {
		return
	}
	c.snap.Store(s)
}

// Latest returns the current snapshot, if any.
// Callers must treat the returned snapshot as read-only.
func (c *Cache) Latest() (*projectinfo.Snapshot, bool) {
	s := c.snap.Load()
	return s, s != nil
}
