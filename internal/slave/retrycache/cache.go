// Package retrycache implements the slave-side retry anti-affinity
// cache: a slave that just scheduled a retry remembers the task so it
// can hand it to another slave instead of re-running it immediately.
package retrycache

import "container/list"

// Defaults match the cache's historical tuning.
const (
	DefaultMaxSize    = 100
	DefaultMaxTouches = 10
)

type entry struct {
	id      string
	touches int
}

// Cache is an insertion-ordered set with two eviction rules: oldest
// insertion goes first when the cache is full, and an entry that keeps
// getting hit is evicted after DefaultMaxTouches hits. The touch cap
// prevents livelock when every other slave is busy and the same slave
// keeps reserving its own retry.
//
// Not safe for concurrent use; the slave loop is single-threaded.
type Cache struct {
	maxSize    int
	maxTouches int
	order      *list.List // front is oldest
	items      map[string]*list.Element
}

// New creates a cache with the given capacity and touch cap.
func New(maxSize, maxTouches int) *Cache {
	return &Cache{
		maxSize:    maxSize,
		maxTouches: maxTouches,
		order:      list.New(),
		items:      make(map[string]*list.Element),
	}
}

// NewDefault creates a cache with the default tuning.
func NewDefault() *Cache { return New(DefaultMaxSize, DefaultMaxTouches) }

// Get reports whether id is being avoided. Each hit counts against the
// touch cap; the hit that exceeds it evicts the entry and reports
// false, letting the task run locally after all.
func (c *Cache) Get(id string) bool {
	el, ok := c.items[id]
	if !ok {
		return false
	}
	e := el.Value.(*entry)
	e.touches++
	if e.touches > c.maxTouches {
		c.order.Remove(el)
		delete(c.items, id)
		return false
	}
	return true
}

// Put inserts id with a fresh touch count, evicting the oldest entry if
// the cache is full.
func (c *Cache) Put(id string) {
	if el, ok := c.items[id]; ok {
		el.Value.(*entry).touches = 0
		return
	}
	if c.order.Len() >= c.maxSize {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).id)
	}
	c.items[id] = c.order.PushBack(&entry{id: id})
}

// Len returns the number of cached ids.
func (c *Cache) Len() int { return c.order.Len() }
