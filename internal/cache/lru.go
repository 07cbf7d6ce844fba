// Package cache provides a bounded, mutex protected LRU map.
package cache

import (
	"container/list"
	"sync"
)

// DefaultMaxSize is used when a cache is created with a non-positive size.
const DefaultMaxSize = 64

// Metrics tracks cache performance and usage.
type Metrics struct {
	Size      int   // Current number of entries
	Hits      int64 // Number of cache hits
	Misses    int64 // Number of cache misses
	Evictions int64 // Number of LRU evictions
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// LRU is a keyed cache evicting the least recently used entry once MaxSize
// is reached. The zero value is not usable; call New.
type LRU[K comparable, V any] struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List
	items   map[K]*list.Element
	metrics Metrics
}

// New returns an empty cache holding at most maxSize entries.
func New[K comparable, V any](maxSize int) *LRU[K, V] {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &LRU[K, V]{
		maxSize: maxSize,
		order:   list.New(),
		items:   make(map[K]*list.Element),
	}
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.metrics.Misses++
		var zero V
		return zero, false
	}
	c.metrics.Hits++
	c.order.MoveToBack(el)
	return el.Value.(*entry[K, V]).value, true
}

// Put stores value under key, replacing any previous value.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*entry[K, V]).value = value
		c.order.MoveToBack(el)
		return
	}
	for c.order.Len() >= c.maxSize {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*entry[K, V]).key)
		c.metrics.Evictions++
	}
	c.items[key] = c.order.PushBack(&entry[K, V]{key: key, value: value})
}

// Delete removes key if present.
func (c *LRU[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Len returns the number of entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Metrics returns a snapshot of the cache counters.
func (c *LRU[K, V]) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.metrics
	m.Size = c.order.Len()
	return m
}
