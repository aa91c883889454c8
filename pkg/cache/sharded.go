// Sharding spreads keys over several independent caches, each with its own lock, so concurrent readers of
// different keys rarely contend on the same mutex.

package cache

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nobletooth/kvhandle/pkg/utils"
)

// Sharded distributes keys across `shards` by their xxhash.
type Sharded[K comparable, V any] struct { // Implements Layer.
	shards []Layer[K, V]
	hash   func(key K) uint64
}

var _ Layer[string, int] = (*Sharded[string, int])(nil)

// NewSharded builds `shardCount` shards with `newShard`.
func NewSharded[K comparable, V any](newShard func() Layer[K, V], shardCount int) *Sharded[K, V] {
	if shardCount <= 0 {
		utils.RaiseInvariant("sharded_cache", "non_positive_shard_count",
			"Invalid shard count has been given to sharded cache.", "shardCount", shardCount)
		shardCount = 1
	}
	sharded := &Sharded[K, V]{shards: make([]Layer[K, V], shardCount), hash: keyHasher[K]()}
	for i := range shardCount {
		sharded.shards[i] = newShard()
	}
	return sharded
}

// keyHasher picks the hash function for the key type once, instead of type switching on every lookup.
func keyHasher[K comparable]() func(K) uint64 {
	switch any(*new(K)).(type) {
	case string:
		return func(key K) uint64 { return xxhash.Sum64String(any(key).(string)) }
	case int:
		return func(key K) uint64 {
			var b [8]byte
			// int is architecture dependent; hash its 64-bit form.
			binary.LittleEndian.PutUint64(b[:], uint64(any(key).(int)))
			return xxhash.Sum64(b[:])
		}
	case uint64:
		return func(key K) uint64 {
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], any(key).(uint64))
			return xxhash.Sum64(b[:])
		}
	default:
		// Slow path for structs and other comparable types.
		return func(key K) uint64 { return xxhash.Sum64String(fmt.Sprintf("%#v", key)) }
	}
}

func (s *Sharded[K, V]) shard(key K) Layer[K, V] {
	return s.shards[s.hash(key)%uint64(len(s.shards))]
}

func (s *Sharded[K, V]) Get(key K) (V, bool /*found*/) {
	return s.shard(key).Get(key)
}

func (s *Sharded[K, V]) Add(key K, value V, ttl time.Duration) /*evicted*/ bool {
	return s.shard(key).Add(key, value, ttl)
}

func (s *Sharded[K, V]) Remove(key K) bool {
	return s.shard(key).Remove(key)
}

// Keys aggregates the keys of every shard; it locks each shard in turn.
func (s *Sharded[K, V]) Keys() []K {
	keys := make([]K, 0)
	for _, shard := range s.shards {
		keys = append(keys, shard.Keys()...)
	}
	return keys
}

func (s *Sharded[K, V]) Purge() {
	for _, shard := range s.shards {
		shard.Purge()
	}
}
