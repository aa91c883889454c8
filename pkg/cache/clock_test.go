package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// newTestClock builds a clock cache whose reaper stops with the test.
func newTestClock[K comparable, V any](t *testing.T, capacity int, tick time.Duration,
	onEvict func(K, V)) *Clock[K, V] {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewClock[K, V](ctx, capacity, tick, onEvict)
}

func TestClock_AddAndGet(t *testing.T) {
	clockCache := newTestClock[string, string](t, 5, time.Second /*tick*/, nil /*onEvict*/)

	assert.False(t, clockCache.Add("key1", "value1", time.Minute), "Should not evict when cache is not full")
	val, found := clockCache.Get("key1")
	assert.True(t, found)
	assert.Equal(t, "value1", val)

	_, found = clockCache.Get("nonexistent")
	assert.False(t, found)
}

func TestClock_UpdateKey(t *testing.T) {
	clockCache := newTestClock[string, int](t, 2, time.Second /*tick*/, nil /*onEvict*/)
	clockCache.Add("key1", 100, time.Minute)
	clockCache.Add("key2", 200, time.Minute)

	assert.False(t, clockCache.Add("key1", 999, time.Minute), "Should not evict on update")
	val, found := clockCache.Get("key1")
	assert.True(t, found)
	assert.Equal(t, 999, val)
	_, found = clockCache.Get("key2")
	assert.True(t, found, "Other key should not be affected by an update")
}

func TestClock_EvictionPolicy(t *testing.T) {
	clockCache := newTestClock[int, string](t, 2, time.Second /*tick*/, nil /*onEvict*/)
	clockCache.Add(1, "one", time.Minute)
	clockCache.Add(2, "two", time.Minute)

	assert.True(t, clockCache.Add(3, "three", time.Minute), "Should evict when adding to a full cache")
	_, found := clockCache.Get(1)
	assert.False(t, found, "Item 1 should have been evicted")
	assert.ElementsMatch(t, []int{2, 3}, clockCache.Keys())

	// Item 2 was read, so it gets a second chance and item 3 goes instead.
	_, found = clockCache.Get(2)
	assert.True(t, found)
	assert.True(t, clockCache.Add(4, "four", time.Minute))
	_, found = clockCache.Get(2)
	assert.True(t, found, "Referenced item 2 should survive the sweep")
	_, found = clockCache.Get(3)
	assert.False(t, found, "Item 3 should have been evicted")
}

func TestClock_EvictionCallback(t *testing.T) {
	evicted := make(map[int]string)
	clockCache := newTestClock[int, string](t, 1, time.Second /*tick*/, func(k int, v string) { evicted[k] = v })

	clockCache.Add(10, "ten", time.Minute)
	clockCache.Add(20, "twenty", time.Minute)
	assert.Equal(t, map[int]string{10: "ten"}, evicted)

	clockCache.Purge()
	assert.Equal(t, map[int]string{10: "ten", 20: "twenty"}, evicted)
	assert.Empty(t, clockCache.Keys())
}

func TestClock_Remove(t *testing.T) {
	clockCache := newTestClock[string, int](t, 3, time.Second /*tick*/, nil /*onEvict*/)
	clockCache.Add("a", 1, time.Minute)
	clockCache.Add("b", 2, time.Minute)

	assert.True(t, clockCache.Remove("a"))
	assert.False(t, clockCache.Remove("a"), "Removing twice finds nothing")
	_, found := clockCache.Get("a")
	assert.False(t, found)
	assert.ElementsMatch(t, []string{"b"}, clockCache.Keys())

	// The hand must stay usable after removals.
	clockCache.Add("c", 3, time.Minute)
	clockCache.Add("d", 4, time.Minute)
	assert.True(t, clockCache.Add("e", 5, time.Minute))
	assert.Len(t, clockCache.Keys(), 3)
}

func TestClock_GetExpired(t *testing.T) {
	clockCache := newTestClock[string, int](t, 5, time.Hour /*tick*/, nil /*onEvict*/)
	clockCache.Add("key1", 1, -time.Millisecond)
	_, found := clockCache.Get("key1")
	assert.False(t, found, "Should not find an expired item")
}

func TestClock_ReapExpired(t *testing.T) {
	clockCache := newTestClock[string, int](t, 10, time.Millisecond /*tick*/, nil /*onEvict*/)
	clockCache.Add("key1", 1, 20*time.Millisecond)
	clockCache.Add("key2", 2, time.Hour)

	assert.Eventually(t, func() bool {
		return len(clockCache.Keys()) == 1
	}, time.Second, 5*time.Millisecond, "The reaper should drop the expired key")
	assert.Equal(t, []string{"key2"}, clockCache.Keys())
}

func TestClock_Concurrency(t *testing.T) {
	const goroutines, itemsPerGoroutine = 50, 50
	clockCache := newTestClock[string, int](t, 1000, time.Second /*tick*/, nil /*onEvict*/)

	var wg sync.WaitGroup
	for i := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range itemsPerGoroutine {
				key := fmt.Sprintf("key-%d-%d", i, j)
				clockCache.Add(key, i*100+j, time.Minute)
				// The key may be evicted by others already, but a hit must carry the right value.
				if val, found := clockCache.Get(key); found {
					assert.Equal(t, i*100+j, val)
				}
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, len(clockCache.Keys()), 1000)
}
