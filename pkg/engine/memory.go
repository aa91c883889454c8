// The memory backend keeps every pair in a copy-on-write B-tree. It's meant for tests and throwaway handles: nothing
// survives Close. Iterators walk a clone of the tree taken on creation, so later writes don't leak into them.

package engine

import (
	"bytes"
	"slices"
	"sync"

	"github.com/google/btree"
	"github.com/nobletooth/kvhandle/pkg/utils"
)

const memoryTreeDegree = 32

// lessPair orders tree items by key.
func lessPair(a, b utils.BytePair) bool {
	return bytes.Compare(a.Key, b.Key) < 0
}

// memoryEngine implements Engine with an in-memory B-tree.
type memoryEngine struct { // Implements Engine.
	mux  sync.RWMutex
	tree *btree.BTreeG[utils.BytePair] // nil once closed.
}

var _ Engine = (*memoryEngine)(nil)

func openMemory() *memoryEngine {
	return &memoryEngine{tree: btree.NewG(memoryTreeDegree, lessPair)}
}

func (m *memoryEngine) Get(key []byte) ([]byte, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	if m.tree == nil {
		return nil, ErrClosed
	}

	pair, found := m.tree.Get(utils.BytePair{Key: key})
	if !found {
		return nil, ErrNotFound
	}
	return slices.Clone(pair.Value), nil
}

func (m *memoryEngine) Put(key, value []byte) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.tree == nil {
		return ErrClosed
	}

	// The tree keeps its own copies; callers may reuse their buffers.
	m.tree.ReplaceOrInsert(utils.ClonePair(key, value))
	return nil
}

func (m *memoryEngine) Delete(key []byte) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.tree == nil {
		return ErrClosed
	}

	m.tree.Delete(utils.BytePair{Key: key})
	return nil
}

func (m *memoryEngine) NewIterator() (Iterator, error) {
	m.mux.Lock() // Clone mutates the tree's copy-on-write bookkeeping.
	defer m.mux.Unlock()
	if m.tree == nil {
		return nil, ErrClosed
	}

	return &memoryIterator{tree: m.tree.Clone(), tracker: trackIterator(KindMemory)}, nil
}

func (m *memoryEngine) Close() error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.tree == nil {
		return ErrClosed
	}

	m.tree = nil
	return nil
}

// memoryIterator walks a snapshot of the tree. Each positioning call is a logarithmic descent from the root.
type memoryIterator struct { // Implements Iterator.
	tree    *btree.BTreeG[utils.BytePair] // nil once released.
	current utils.BytePair
	valid   bool
	tracker iteratorTracker
}

var _ Iterator = (*memoryIterator)(nil)

// seekAfter positions the cursor on the first key >= `key`, or > `key` when `exclusive` is set.
func (i *memoryIterator) seekAfter(key []byte, exclusive bool) {
	i.valid = false
	if i.tree == nil {
		return
	}
	i.tree.AscendGreaterOrEqual(utils.BytePair{Key: key}, func(pair utils.BytePair) bool {
		if exclusive && bytes.Equal(pair.Key, key) {
			return true // Skip the current key.
		}
		i.current, i.valid = pair, true
		return false
	})
}

func (i *memoryIterator) SeekToFirst() {
	i.valid = false
	if i.tree == nil {
		return
	}
	if pair, found := i.tree.Min(); found {
		i.current, i.valid = pair, true
	}
}

func (i *memoryIterator) Seek(key []byte) { i.seekAfter(key, false /*exclusive*/) }

func (i *memoryIterator) Valid() bool { return i.valid }

func (i *memoryIterator) Next() {
	if !i.valid {
		return
	}
	i.seekAfter(i.current.Key, true /*exclusive*/)
}

func (i *memoryIterator) Key() []byte {
	if !i.valid {
		return nil
	}
	return i.current.Key
}

func (i *memoryIterator) Value() []byte {
	if !i.valid {
		return nil
	}
	return i.current.Value
}

func (i *memoryIterator) Error() error { return nil }

func (i *memoryIterator) Release() {
	if i.tracker.release() {
		i.tree, i.valid = nil, false
	}
}
