// Nothing to see here in this module. Couldn't find a better place for Pair.

package utils

import "slices"

type Pair[K any, V any] struct {
	Key   K
	Value V
}

type BytePair Pair[[]byte /*key*/, []byte /*value*/]

// ClonePair copies the given key and value so the pair doesn't alias buffers owned by an engine cursor.
func ClonePair(key, value []byte) BytePair {
	// Empty keys and values stay non-nil.
	clonedKey, clonedValue := make([]byte, len(key)), make([]byte, len(value))
	copy(clonedKey, key)
	copy(clonedValue, value)
	return BytePair{Key: clonedKey, Value: clonedValue}
}

// Keys returns the keys of the given pairs in order.
func Keys(pairs []BytePair) [][]byte {
	keys := make([][]byte, 0, len(pairs))
	for _, pair := range pairs {
		keys = append(keys, slices.Clone(pair.Key))
	}
	return keys
}
