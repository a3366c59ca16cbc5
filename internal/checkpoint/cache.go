package checkpoint

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a per-process read cache keyed by checkpoint id. It is never the
// source of truth: records enter it only after a successful store write or
// read.
type Cache struct {
	lru    *lru.Cache[string, *Record]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache creates a cache holding up to size records. size <= 0 disables
// caching.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		return &Cache{}, nil
	}
	c, err := lru.New[string, *Record](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

// Get returns a copy of the cached record.
func (c *Cache) Get(id string) (*Record, bool) {
	if c == nil || c.lru == nil {
		return nil, false
	}
	rec, ok := c.lru.Get(id)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return rec.Clone(), true
}

// Add stores a copy of rec.
func (c *Cache) Add(rec *Record) {
	if c == nil || c.lru == nil || rec == nil {
		return
	}
	c.lru.Add(rec.ID, rec.Clone())
}

// Purge drops every entry.
func (c *Cache) Purge() {
	if c == nil || c.lru == nil {
		return
	}
	c.lru.Purge()
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	if c == nil || c.lru == nil {
		return 0
	}
	return c.lru.Len()
}

// Stats returns hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	if c == nil {
		return 0, 0
	}
	return c.hits.Load(), c.misses.Load()
}
