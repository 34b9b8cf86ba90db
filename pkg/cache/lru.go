package cache

import (
	"container/list"
	"sync"

	"voicebridge-server/pkg/metrics"
)

// entry is a single cached key/value pair
type entry struct {
	key     string
	value   interface{}
	element *list.Element
}

// LRUCache is a capacity-bounded least-recently-used memoization cache.
// A Get promotes the entry to most-recently-used; inserting past capacity
// evicts the least-recently-used entry. Safe for concurrent use; the caches
// are process-wide and shared by all live call sessions.
type LRUCache struct {
	mu       sync.Mutex
	name     string
	items    map[string]*entry
	lruList  *list.List
	capacity int
}

// NewLRUCache creates a bounded LRU cache. The name labels cache metrics.
func NewLRUCache(name string, capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRUCache{
		name:     name,
		items:    make(map[string]*entry),
		lruList:  list.New(),
		capacity: capacity,
	}
}

// Get retrieves a value and promotes it to most-recently-used.
func (c *LRUCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.items[key]
	if !exists {
		metrics.RecordCacheMiss(c.name)
		return nil, false
	}

	c.lruList.MoveToFront(e.element)
	metrics.RecordCacheHit(c.name)
	return e.value, true
}

// Set adds or updates a value, evicting the least-recently-used entry
// when the cache is over capacity.
func (c *LRUCache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, exists := c.items[key]; exists {
		existing.value = value
		c.lruList.MoveToFront(existing.element)
		return
	}

	e := &entry{key: key, value: value}
	e.element = c.lruList.PushFront(e)
	c.items[key] = e

	for len(c.items) > c.capacity {
		oldest := c.lruList.Back()
		if oldest == nil {
			break
		}
		victim := oldest.Value.(*entry)
		delete(c.items, victim.key)
		c.lruList.Remove(victim.element)
	}
}

// Delete removes a key if present.
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.items[key]; exists {
		delete(c.items, e.key)
		c.lruList.Remove(e.element)
	}
}

// Len returns the current number of cached entries.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.items)
}

// Clear removes all entries.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*entry)
	c.lruList.Init()
}
