package store

import (
	"container/list"
	"fmt"
	"sync"
)

// memEntry is the internal structure stored in the linked list.
type memEntry[K comparable, O any] struct {
	key   K
	value O
}

// MemoryCache is a thread-safe, size-limited mapping of key to the most
// recent successfully resolved value, with a Least Recently Used eviction
// policy. Lookup and insert are O(1) and never block on I/O. Errors are never
// stored.
type MemoryCache[K comparable, O any] struct {
	maxSize int

	mu    sync.Mutex
	ll    *list.List          // Tracks the order of items (recency).
	items map[K]*list.Element // Fast key lookups.
}

// NewMemoryCache creates a new size-limited memory cache.
// - maxSize: The maximum number of items to store. Must be > 0.
func NewMemoryCache[K comparable, O any](maxSize int) (*MemoryCache[K, O], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	return &MemoryCache[K, O]{
		maxSize: maxSize,
		ll:      list.New(),
		items:   make(map[K]*list.Element),
	}, nil
}

// Get retrieves an item. A hit moves the item to the front of the recency list.
func (c *MemoryCache[K, O]) Get(key K) (O, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.ll.MoveToFront(elem)
		return elem.Value.(*memEntry[K, O]).value, true
	}
	var zero O
	return zero, false
}

// Put inserts or replaces the value for key, evicting the least recently used
// item if the cache is over capacity.
func (c *MemoryCache[K, O]) Put(key K, value O) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.ll.MoveToFront(elem)
		elem.Value.(*memEntry[K, O]).value = value
		return
	}
	c.items[key] = c.ll.PushFront(&memEntry[K, O]{key: key, value: value})
	if c.ll.Len() > c.maxSize {
		c.evict()
	}
}

// Remove evicts one key.
func (c *MemoryCache[K, O]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.ll.Remove(elem)
		delete(c.items, key)
	}
}

// Clear evicts all keys.
func (c *MemoryCache[K, O]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[K]*list.Element)
}

// Len reports the number of cached entries.
func (c *MemoryCache[K, O]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// evict removes the least recently used item. Must be called with the mutex held.
func (c *MemoryCache[K, O]) evict() {
	if back := c.ll.Back(); back != nil {
		entry := c.ll.Remove(back).(*memEntry[K, O])
		delete(c.items, entry.key)
	}
}
