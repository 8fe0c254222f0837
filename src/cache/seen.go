// Package cache holds the recently-seen record cache used to skip redundant
// graph upserts within one process. It is a pure optimization: correctness of
// the sync engine never depends on it, because the graph store's
// create-or-merge operations are idempotent.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// SeenCache is a thread-safe LRU of record URIs mapped to the CID last
// written for them, with TTL expiry. A hit with a matching CID means the
// graph already holds this revision.
type SeenCache struct {
	mu       sync.RWMutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	lru      *list.List
}

type entry struct {
	uri       string
	cid       string
	expiresAt time.Time
}

// NewSeenCache creates a cache bounded to capacity entries that forgets a
// record after ttl, so long-running watchers eventually re-verify against the
// graph store.
func NewSeenCache(capacity int, ttl time.Duration) *SeenCache {
	return &SeenCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element, capacity),
		lru:      list.New(),
	}
}

// Seen reports whether this exact revision (uri + cid) was recently written.
func (c *SeenCache) Seen(uri, cid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[uri]
	if !ok {
		return false
	}
	ent := elem.Value.(*entry)
	if time.Now().After(ent.expiresAt) {
		c.lru.Remove(elem)
		delete(c.items, uri)
		return false
	}
	c.lru.MoveToFront(elem)
	return ent.cid == cid
}

// Mark records that a revision was written. An updated record (same uri, new
// cid) replaces the old revision in place.
func (c *SeenCache) Mark(uri, cid string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(c.ttl)
	if elem, ok := c.items[uri]; ok {
		c.lru.MoveToFront(elem)
		ent := elem.Value.(*entry)
		ent.cid = cid
		ent.expiresAt = expiresAt
		return
	}

	elem := c.lru.PushFront(&entry{uri: uri, cid: cid, expiresAt: expiresAt})
	c.items[uri] = elem

	if c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		if oldest != nil {
			c.lru.Remove(oldest)
			delete(c.items, oldest.Value.(*entry).uri)
		}
	}
}

// Forget drops a record, forcing the next sync of it to hit the graph store.
func (c *SeenCache) Forget(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[uri]; ok {
		c.lru.Remove(elem)
		delete(c.items, uri)
	}
}

// Len returns the number of cached records.
func (c *SeenCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len()
}
