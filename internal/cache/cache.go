// Package cache provides the TTL/LRU caching layer sitting in front of the
// embedding service and the retrieval engine.
//
// Both caches are process-local, bounded, and never persisted. They are
// eventually consistent with the store: writers invalidate result entries but
// never block on the cache.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Vectors caches embeddings keyed by content hash, so identical text is never
// embedded twice within the TTL.
type Vectors struct {
	lru *expirable.LRU[string, []float32]
}

// NewVectors creates an embedding cache with the given capacity and TTL.
func NewVectors(size int, ttl time.Duration) *Vectors {
	return &Vectors{lru: expirable.NewLRU[string, []float32](size, nil, ttl)}
}

// Get returns the cached vector for the content hash, if present.
func (c *Vectors) Get(key string) ([]float32, bool) {
	return c.lru.Get(key)
}

// Add stores a vector under the content hash.
func (c *Vectors) Add(key string, vec []float32) {
	c.lru.Add(key, vec)
}

// Len returns the number of live entries.
func (c *Vectors) Len() int { return c.lru.Len() }

// Results caches ranked result sets keyed by query+context hash. The value
// type is generic so this package stays below the retrieval engine.
type Results[V any] struct {
	lru *expirable.LRU[string, V]
}

// NewResults creates a result cache with the given capacity and TTL.
func NewResults[V any](size int, ttl time.Duration) *Results[V] {
	return &Results[V]{lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

// Get returns the cached result set for the key, if present.
func (c *Results[V]) Get(key string) (V, bool) {
	return c.lru.Get(key)
}

// Add stores a result set under the key.
func (c *Results[V]) Add(key string, v V) {
	c.lru.Add(key, v)
}

// Purge drops every entry. Store writers call this after mutating entries;
// the next identical query repopulates from the store.
func (c *Results[V]) Purge() { c.lru.Purge() }

// Len returns the number of live entries.
func (c *Results[V]) Len() int { return c.lru.Len() }

// ContentHash returns the cache key for a piece of text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// QueryKey builds a stable cache key from query text, context, and k.
// Context keys are sorted so map iteration order cannot split the key space.
func QueryKey(query string, context map[string]string, k int) string {
	keys := make([]string, 0, len(context))
	for key := range context {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%d\x00%s", k, query)
	for _, key := range keys {
		fmt.Fprintf(&b, "\x00%s=%s", key, context[key])
	}
	return ContentHash(b.String())
}
