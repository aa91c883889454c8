// This module implements an expirable CLOCK cache.
//
// Eviction: entries sit on a circular list swept by a "hand". When the cache is full, the hand clears the reference
// bit of every recently read entry it passes and evicts the first entry that was not read since the last sweep
// (or that already expired).
//
// Expiration: each entry is filed under the time bucket its TTL ends in. A reaper goroutine wakes up once per tick
// and drops whole buckets whose time has passed, so expiry never scans the entire cache.

package cache

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nobletooth/kvhandle/pkg/utils"
)

// clockEntry is a single cached key-value pair plus its CLOCK and expiry metadata.
type clockEntry[K comparable, V any] struct {
	key   K
	value V
	// referenced is the CLOCK "second chance" bit; Get sets it under a read lock, hence atomic.
	referenced atomic.Bool
	expiresAt  time.Time
}

func (e *clockEntry[K, V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// timeBucket rounds the timestamp down to the reaper tick it belongs to.
func timeBucket(timestamp time.Time, tick time.Duration) time.Time {
	return time.Unix(0, (timestamp.UnixNano()/int64(tick))*int64(tick))
}

// Clock is a thread-safe, fixed-capacity cache with CLOCK eviction and TTL expiry.
type Clock[K comparable, V any] struct { // Implements Layer.
	mux      sync.RWMutex
	capacity int
	tick     time.Duration
	hand     *node[*clockEntry[K, V]] // Next eviction candidate.
	entries  nodeList[*clockEntry[K, V]]
	index    map[K]*node[*clockEntry[K, V]]
	buckets  map[time.Time]map[K]*node[*clockEntry[K, V]] // Entries grouped by the tick they expire in.
	reaped   time.Time                                     // The next bucket the reaper clears.
	// onEvict runs for capacity evictions and purges while the cache lock is held; it must not call the cache.
	onEvict func(K, V)
}

var _ Layer[string, int] = (*Clock[string, int])(nil)

// NewClock builds a cache holding up to `capacity` entries whose reaper runs every `tick` until `ctx` is done.
func NewClock[K comparable, V any](ctx context.Context, capacity int, tick time.Duration,
	onEvict func(K, V)) *Clock[K, V] {
	if capacity <= 0 {
		utils.RaiseInvariant("clock_cache", "non_positive_capacity",
			"Invalid capacity has been given to clock cache.", "capacity", capacity)
		capacity = 1
	}
	if tick <= 0 {
		utils.RaiseInvariant("clock_cache", "non_positive_tick",
			"Invalid tick interval has been given to clock cache.", "tick", tick)
		tick = time.Second
	}
	c := &Clock[K, V]{
		capacity: capacity,
		tick:     tick,
		index:    make(map[K]*node[*clockEntry[K, V]], capacity),
		buckets:  make(map[time.Time]map[K]*node[*clockEntry[K, V]]),
		reaped:   timeBucket(time.Now(), tick),
		onEvict:  onEvict,
	}
	go c.reap(ctx)
	return c
}

// Get returns the value of a live entry and marks it as recently used.
func (c *Clock[K, V]) Get(key K) (V, bool /*found*/) {
	c.mux.RLock()
	defer c.mux.RUnlock()

	entry, found := c.index[key]
	if !found || entry.Value.expired(time.Now()) {
		return *new(V), false
	}
	entry.Value.referenced.Store(true)
	return entry.Value.value, true
}

// file puts the entry into the bucket of its expiry time. NOTE: Caller should acquire lock.
func (c *Clock[K, V]) file(n *node[*clockEntry[K, V]]) {
	bucket := timeBucket(n.Value.expiresAt, c.tick)
	if _, exists := c.buckets[bucket]; !exists {
		c.buckets[bucket] = make(map[K]*node[*clockEntry[K, V]])
	}
	c.buckets[bucket][n.Value.key] = n
}

// unfile removes the entry from its expiry bucket. NOTE: Caller should acquire lock.
func (c *Clock[K, V]) unfile(n *node[*clockEntry[K, V]]) {
	bucket := timeBucket(n.Value.expiresAt, c.tick)
	delete(c.buckets[bucket], n.Value.key)
	if len(c.buckets[bucket]) == 0 {
		delete(c.buckets, bucket)
	}
}

// unlink drops the node from the list, index and buckets, keeping the hand on a live node. NOTE: Caller should
// acquire lock.
func (c *Clock[K, V]) unlink(n *node[*clockEntry[K, V]]) {
	if c.hand == n {
		c.hand = c.entries.after(n)
		if c.hand == n { // It was the only node.
			c.hand = nil
		}
	}
	c.unfile(n)
	delete(c.index, n.Value.key)
	c.entries.Remove(n)
}

// Add inserts or refreshes a key. When the cache is full, the CLOCK hand picks a victim to replace.
func (c *Clock[K, V]) Add(key K, value V, ttl time.Duration) /*evicted*/ bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	now := time.Now()
	if n, exists := c.index[key]; exists {
		c.unfile(n)
		n.Value.value = value
		n.Value.referenced.Store(false)
		n.Value.expiresAt = now.Add(ttl)
		c.file(n)
		return false
	}

	if c.entries.Len() < c.capacity {
		n := c.entries.PushBack(&clockEntry[K, V]{key: key, value: value, expiresAt: now.Add(ttl)})
		c.file(n)
		c.index[key] = n
		if c.hand == nil {
			c.hand = n
		}
		return false
	}

	for { // Sweep until an unreferenced or expired entry shows up; a full sweep clears every bit, so this ends.
		n := c.hand
		c.hand = c.entries.after(n)
		if n.Value.referenced.Load() && !n.Value.expired(now) {
			n.Value.referenced.Store(false) // Second chance.
			continue
		}
		evictedKey, evictedValue := n.Value.key, n.Value.value
		c.unfile(n)
		delete(c.index, evictedKey)
		// Reuse the node for the new entry.
		n.Value.key, n.Value.value = key, value
		n.Value.referenced.Store(false)
		n.Value.expiresAt = now.Add(ttl)
		c.file(n)
		c.index[key] = n
		if c.onEvict != nil {
			c.onEvict(evictedKey, evictedValue)
		}
		return true
	}
}

// Remove drops the key without calling the eviction callback.
func (c *Clock[K, V]) Remove(key K) bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	n, exists := c.index[key]
	if !exists {
		return false
	}
	c.unlink(n)
	return true
}

func (c *Clock[K, V]) Keys() []K {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return slices.Collect(maps.Keys(c.index))
}

// Purge drops every entry, calling the eviction callback for each.
func (c *Clock[K, V]) Purge() {
	c.mux.Lock()
	defer c.mux.Unlock()

	for n := c.entries.Front(); n != nil; n = c.entries.Front() {
		key, value := n.Value.key, n.Value.value
		c.unlink(n)
		if c.onEvict != nil {
			c.onEvict(key, value)
		}
	}
	c.hand = nil
}

// reap clears expired buckets once per tick until `ctx` is done.
func (c *Clock[K, V]) reap(ctx context.Context) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reapExpired(time.Now())
		}
	}
}

// reapExpired clears every bucket older than `now`; more than one is pending when the reaper was delayed.
func (c *Clock[K, V]) reapExpired(now time.Time) {
	c.mux.Lock()
	defer c.mux.Unlock()

	for ; c.reaped.Before(now); c.reaped = c.reaped.Add(c.tick) {
		for _, n := range c.buckets[c.reaped] {
			c.unlink(n)
		}
	}
}
