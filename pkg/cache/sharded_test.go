package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeCache is a map based Layer for testing; it is not thread-safe.
type fakeCache[K comparable, V any] struct {
	items map[K]V
}

func newFakeCache[K comparable, V any]() Layer[K, V] {
	return &fakeCache[K, V]{items: make(map[K]V)}
}

func (f *fakeCache[K, V]) Get(key K) (V, bool) {
	val, found := f.items[key]
	return val, found
}

func (f *fakeCache[K, V]) Add(key K, value V, _ time.Duration) bool {
	f.items[key] = value
	return false
}

func (f *fakeCache[K, V]) Remove(key K) bool {
	_, found := f.items[key]
	delete(f.items, key)
	return found
}

func (f *fakeCache[K, V]) Keys() []K {
	keys := make([]K, 0, len(f.items))
	for key := range f.items {
		keys = append(keys, key)
	}
	return keys
}

func (f *fakeCache[K, V]) Purge() {
	clear(f.items)
}

func TestSharded(t *testing.T) {
	sharded := NewSharded(newFakeCache[string, int], 4)
	assert.Len(t, sharded.shards, 4)

	expectedKeys := make([]string, 0)
	for i := range 100 {
		key := fmt.Sprintf("key-%d", i)
		sharded.Add(key, i, time.Minute)
		expectedKeys = append(expectedKeys, key)
	}
	for i := range 100 {
		val, found := sharded.Get(fmt.Sprintf("key-%d", i))
		assert.True(t, found)
		assert.Equal(t, i, val)
	}
	assert.ElementsMatch(t, expectedKeys, sharded.Keys())

	{ // Keys should be spread over more than one shard.
		usedShards := 0
		for _, shard := range sharded.shards {
			if len(shard.Keys()) > 0 {
				usedShards++
			}
		}
		assert.Greater(t, usedShards, 1)
	}

	assert.True(t, sharded.Remove("key-1"))
	_, found := sharded.Get("key-1")
	assert.False(t, found)

	sharded.Purge()
	assert.Empty(t, sharded.Keys())
}

func TestSharded_SameKeySameShard(t *testing.T) {
	sharded := NewSharded(newFakeCache[int, string], 8)
	for i := range 20 {
		assert.Same(t, sharded.shard(i), sharded.shard(i))
	}
	type compositeKey struct{ a, b int }
	composite := NewSharded(newFakeCache[compositeKey, string], 8)
	composite.Add(compositeKey{1, 2}, "v", time.Minute)
	val, found := composite.Get(compositeKey{1, 2})
	assert.True(t, found)
	assert.Equal(t, "v", val)
}

func TestNoOp(t *testing.T) {
	noOp := NewNoOp[string, int]()
	assert.False(t, noOp.Add("k", 1, time.Minute))
	_, found := noOp.Get("k")
	assert.False(t, found)
	assert.False(t, noOp.Remove("k"))
	assert.Nil(t, noOp.Keys())
	noOp.Purge()
}
