// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package einsum

import (
	"slices"
	"sync"
)

// lruCache maps keys to values, evicting the least recently used entries once it holds maxSize entries.
// It is safe for concurrent use.
type lruCache[V any] struct {
	mu      sync.Mutex
	maxSize int // -1 for unlimited, 0 stores nothing.
	entries map[string]V
	order   []string // Least recently used first.

	// onEvict, if set, is called with each evicted value, outside the lock.
	onEvict func(V)
}

func newLRUCache[V any](maxSize int, onEvict func(V)) *lruCache[V] {
	return &lruCache[V]{maxSize: maxSize, entries: make(map[string]V), onEvict: onEvict}
}

// lockedTouch marks key as the most recently used. It must be called with mu acquired.
func (c *lruCache[V]) lockedTouch(key string) {
	idx := slices.Index(c.order, key)
	c.order = append(slices.Delete(c.order, idx, idx+1), key)
}

// Load returns the value stored for key, if any.
func (c *lruCache[V]) Load(key string) (value V, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, found = c.entries[key]
	if found {
		c.lockedTouch(key)
	}
	return
}

// LoadOrStore returns the value already stored for key, with loaded=true. Otherwise, it stores value, evicting
// the least recently used entries if the cache is full, and returns it with loaded=false.
//
// stored reports whether value is held by the cache: it is false only if the cache stores nothing (maxSize == 0),
// in which case the caller keeps the ownership of value.
func (c *lruCache[V]) LoadOrStore(key string, value V) (actual V, loaded, stored bool) {
	c.mu.Lock()
	if actual, loaded = c.entries[key]; loaded {
		c.lockedTouch(key)
		c.mu.Unlock()
		return actual, true, true
	}
	if c.maxSize == 0 {
		c.mu.Unlock()
		return value, false, false
	}
	var evicted []V
	for c.maxSize > 0 && len(c.order) >= c.maxSize {
		oldest := c.order[0]
		c.order = slices.Delete(c.order, 0, 1)
		evicted = append(evicted, c.entries[oldest])
		delete(c.entries, oldest)
	}
	c.entries[key] = value
	c.order = append(c.order, key)
	c.mu.Unlock()

	if c.onEvict != nil {
		for _, v := range evicted {
			c.onEvict(v)
		}
	}
	return value, false, true
}

// Len returns the number of entries in the cache.
func (c *lruCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Clear removes all entries and returns their values, least recently used first. onEvict is not called.
func (c *lruCache[V]) Clear() []V {
	c.mu.Lock()
	defer c.mu.Unlock()
	values := make([]V, 0, len(c.order))
	for _, key := range c.order {
		values = append(values, c.entries[key])
	}
	c.entries = make(map[string]V)
	c.order = nil
	return values
}
