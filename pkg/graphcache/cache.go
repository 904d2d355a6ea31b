// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphcache caches captured device graphs, and tracks whether capturing pays off.
//
// Graphs are only valid for the exact device addresses they were captured with. The cache is
// bucketed by a hash of the temp buffer base address, and within a bucket entries are looked up by
// the full buffers.Key, so hash collisions never replay a graph on the wrong addresses.
package graphcache

import (
	"github.com/gomlx/gpuexec/pkg/buffers"
	"github.com/gomlx/gpuexec/pkg/support/sets"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/janpfeifer/must"
)

// Cache of captured graphs of type G.
//
// It is not safe for concurrent use: the owner (the Executable) serializes access.
type Cache[G any] struct {
	capacity  int
	buckets   map[uint64]*simplelru.LRU[buffers.Key, G]
	numGraphs int
	evictions int

	// diagnostics records every key inserted per hash, including evicted ones. Nil if disabled.
	diagnostics map[uint64]sets.Set[buffers.Key]

	onEvict func(G)
}

// New creates a cache holding at most capacity graphs per temp-base hash.
// If collectDiagnostics is true, the keys seen for each hash are recorded, see Diagnostics.
func New[G any](capacity int, collectDiagnostics bool) *Cache[G] {
	c := &Cache[G]{
		capacity: max(capacity, 1),
		buckets:  make(map[uint64]*simplelru.LRU[buffers.Key, G]),
	}
	if collectDiagnostics {
		c.diagnostics = make(map[uint64]sets.Set[buffers.Key])
	}
	return c
}

// WithEvictionCallback sets a function called with each graph evicted from the cache.
// It returns the cache itself.
func (c *Cache[G]) WithEvictionCallback(onEvict func(G)) *Cache[G] {
	c.onEvict = onEvict
	return c
}

// Capacity returns the maximum number of graphs per temp-base hash.
func (c *Cache[G]) Capacity() int { return c.capacity }

// Lookup returns the graph captured for key, in the bucket of hash.
func (c *Cache[G]) Lookup(hash uint64, key buffers.Key) (graph G, found bool) {
	b, ok := c.buckets[hash]
	if !ok {
		return
	}
	return b.Get(key)
}

// evicted is called by the bucket LRUs when they drop their least recently used graph.
func (c *Cache[G]) evicted(_ buffers.Key, graph G) {
	c.numGraphs--
	c.evictions++
	if c.onEvict != nil {
		c.onEvict(graph)
	}
}

// Insert stores graph for key, in the bucket of hash, replacing any previous graph for the same key.
// If the bucket is full, the least recently used graph is evicted.
func (c *Cache[G]) Insert(hash uint64, key buffers.Key, graph G) {
	if c.diagnostics != nil {
		keys, ok := c.diagnostics[hash]
		if !ok {
			keys = sets.Make[buffers.Key]()
			c.diagnostics[hash] = keys
		}
		keys.Insert(key)
	}

	b, ok := c.buckets[hash]
	if !ok {
		// NewLRU only fails for a non-positive size.
		b = must.M1(simplelru.NewLRU[buffers.Key, G](c.capacity, c.evicted))
		c.buckets[hash] = b
	}
	old, replaced := b.Peek(key)
	b.Add(key, graph)
	if replaced {
		if c.onEvict != nil {
			c.onEvict(old)
		}
		return
	}
	c.numGraphs++
}

// Len returns the number of graphs cached, across all hashes.
func (c *Cache[G]) Len() int { return c.numGraphs }

// Evictions returns the number of graphs evicted so far.
func (c *Cache[G]) Evictions() int { return c.evictions }

// Diagnostics returns, for each temp-base hash, the sorted keys inserted under it since the cache
// was created. More than one key for a hash means the temp buffer was reused with different
// input/output buffers.
//
// It returns nil if diagnostics are not collected.
func (c *Cache[G]) Diagnostics() map[uint64][]buffers.Key {
	if c.diagnostics == nil {
		return nil
	}
	diagnostics := make(map[uint64][]buffers.Key, len(c.diagnostics))
	for hash, keys := range c.diagnostics {
		diagnostics[hash] = sets.Sorted(keys)
	}
	return diagnostics
}

// Clear removes all graphs, calling the eviction callback for each. Diagnostics are kept.
func (c *Cache[G]) Clear() {
	for hash, b := range c.buckets {
		if c.onEvict != nil {
			for _, graph := range b.Values() {
				c.onEvict(graph)
			}
		}
		delete(c.buckets, hash)
	}
	c.numGraphs = 0
}
