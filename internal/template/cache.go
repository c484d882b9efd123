// Package template resolves raw log messages to stored template identifiers.
// It combines the canonicalizer, a per-process LRU cache, the persistent
// store, and the embedding client; the store's uniqueness constraint is the
// only authority on template identity, the cache is advisory.
package template

import (
	"container/list"
	"sync"
)

// Cache is a bounded LRU mapping template hash to template id. Safe for
// concurrent use. It is per-process and never authoritative: a miss means
// "ask the store", never "does not exist".
type Cache struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element
}

type cacheEntry struct {
	hash string
	id   int64
}

// NewCache returns a cache holding at most capacity entries. A capacity
// below one is clamped to one.
func NewCache(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element, capacity),
	}
}

// Get returns the id cached for hash and marks it most recently used.
func (c *Cache) Get(hash string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[hash]
	if !ok {
		return 0, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).id, true
}

// Put stores hash -> id, evicting the least recently used entry when full.
func (c *Cache) Put(hash string, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(hash, id)
}

// Warm bulk-loads rows, typically at startup from the store's most recently
// seen templates. Insertion order determines initial recency.
func (c *Cache) Warm(rows map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for hash, id := range rows {
		c.put(hash, id)
	}
}

func (c *Cache) put(hash string, id int64) {
	if el, ok := c.items[hash]; ok {
		el.Value.(*cacheEntry).id = id
		c.order.MoveToFront(el)
		return
	}
	c.items[hash] = c.order.PushFront(&cacheEntry{hash: hash, id: id})
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).hash)
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	clear(c.items)
}
