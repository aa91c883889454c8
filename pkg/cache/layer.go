// The handle keeps recently read values in memory so repeated point lookups skip the engine.
// This module provides the interface shared by the single shard and multi shard caches.

package cache

import "time"

// Layer is a generic key-value cache.
type Layer[K comparable, V any] interface {
	// Get returns value from cache for given key and a boolean indicating whether key was found.
	Get(key K) (V, bool)
	// Add inserts a key-value pair into the cache with the given TTL. It returns true if an item was evicted.
	Add(key K, value V, ttl time.Duration) bool
	// Remove drops the key from the cache; it returns true if the key was cached.
	Remove(key K) bool
	Keys() []K // Returns a slice of all keys currently in the cache.
	Purge()    // Removes all items from the cache.
}

// NoOp is a cache layer that doesn't store any items; it's used when the cache is disabled.
type NoOp[K comparable, V any] struct{} // Implements Layer.

var _ Layer[int, int] = (*NoOp[int, int])(nil)

func NewNoOp[K comparable, V any]() *NoOp[K, V] {
	return &NoOp[K, V]{}
}

func (n *NoOp[K, V]) Get(K) (V, bool) {
	return *new(V), false
}

func (n *NoOp[K, V]) Add(K, V, time.Duration) bool { return false }
func (n *NoOp[K, V]) Remove(K) bool                { return false }
func (n *NoOp[K, V]) Keys() []K                     { return nil }
func (n *NoOp[K, V]) Purge()                        {}
