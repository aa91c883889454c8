// A handle may keep recently read values in memory so repeated point lookups skip the engine. The cache is off by
// default; it is rebuilt on every Open and purged on Close, and writes through the handle keep it coherent.

package handle

import (
	"context"
	"flag"
	"log/slog"
	"slices"
	"time"

	"github.com/nobletooth/kvhandle/pkg/cache"
)

var (
	readCacheCapacity = flag.Int("read_cache_capacity", 0,
		"The maximum number of values each handle keeps in its read cache; 0 or negative disables the cache.")
	readCacheShardCount = flag.Int("read_cache_shard_count", 1,
		"The number of shards of the read cache; values above 1 split the capacity evenly.")
	readCacheTtl = flag.Duration("read_cache_ttl", time.Minute,
		"How long a value stays in the read cache.")
	readCacheTickInterval = flag.Duration("read_cache_tick_interval", time.Second,
		"The clock tick interval of the read cache reaper.")
)

// readCache is a thin layer that copies values in and out of the cache so callers never share buffers.
type readCache struct {
	layer  cache.Layer[string, []byte]
	cancel context.CancelFunc // Stops the reaper goroutines.
}

// newReadCache builds the read cache configured by flags.
func newReadCache() *readCache {
	if *readCacheCapacity <= 0 {
		return &readCache{layer: cache.NewNoOp[string, []byte](), cancel: func() {}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	shardCount := max(*readCacheShardCount, 1)
	shardCapacity := (*readCacheCapacity + shardCount - 1) / shardCount
	newShard := func() cache.Layer[string, []byte] {
		return cache.NewClock(ctx, shardCapacity, *readCacheTickInterval,
			func(string, []byte) { cacheEvictions.Inc() })
	}

	var layer cache.Layer[string, []byte]
	if shardCount > 1 {
		layer = cache.NewSharded(newShard, shardCount)
	} else {
		layer = newShard()
	}
	return &readCache{layer: layer, cancel: cancel}
}

func (r *readCache) get(key []byte) ([]byte, bool) {
	value, found := r.layer.Get(string(key))
	if !found {
		cacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	cacheLookups.WithLabelValues("hit").Inc()
	return slices.Clone(value), true
}

func (r *readCache) put(key, value []byte) {
	r.layer.Add(string(key), append([]byte{}, value...), *readCacheTtl)
}

func (r *readCache) evict(key []byte) {
	r.layer.Remove(string(key))
}

// close purges the cache and stops its reaper.
func (r *readCache) close() {
	slog.Debug("Purging read cache.", "entries", len(r.layer.Keys()))
	r.layer.Purge()
	r.cancel()
}
