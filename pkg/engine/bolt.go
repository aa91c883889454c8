// The bolt backend wraps bbolt, a copy-on-write B+ tree in a single memory-mapped file.
// Every key lives in one bucket; read-only transactions give iterators their consistent view.
//
// NOTE: bbolt may need to grow its memory map during a write, which waits for open read transactions. A write issued
// by the goroutine holding an iterator would then wait on itself forever, so writes fail with ErrBusy while any
// iterator of the store is open.

package engine

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	boltOpenTimeout = flag.Duration("bolt_open_timeout", time.Second,
		"How long to wait for the bolt file lock before giving up on open.")
	boltInitialMmapSize = flag.Int("bolt_initial_mmap_size", 16<<20, /*16 MiB*/
		"Initial size of the bolt memory map in bytes.")
	boltNoSync = flag.Bool("bolt_no_sync", false, "Skip fsync after each bolt commit.")
)

// boltBucket holds every key-value pair of a bolt store.
var boltBucket = []byte("kv")

// boltEngine implements Engine on top of bbolt.
type boltEngine struct { // Implements Engine.
	mux       sync.RWMutex // Guards `closed` against Close.
	db        *bolt.DB
	closed    bool
	iterators atomic.Int32 // Unreleased iterators; each holds a read transaction.
}

var _ Engine = (*boltEngine)(nil)

func openBolt(path string) (*boltEngine, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create bolt store directory %s: %w", dir, err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:         *boltOpenTimeout,
		InitialMmapSize: *boltInitialMmapSize,
		NoSync:          *boltNoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bolt bucket in %s: %w", path, err)
	}
	return &boltEngine{db: db}, nil
}

func (b *boltEngine) Get(key []byte) ([]byte, error) {
	b.mux.RLock()
	defer b.mux.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		// A cursor seek tells an empty value apart from a missing key.
		foundKey, foundValue := tx.Bucket(boltBucket).Cursor().Seek(key)
		if foundKey == nil || !bytes.Equal(foundKey, key) {
			return ErrNotFound
		}
		// Values are only valid for the lifetime of the transaction.
		value = make([]byte, len(foundValue))
		copy(value, foundValue)
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("bolt get failed: %w", err)
	}
	return value, nil
}

func (b *boltEngine) Put(key, value []byte) error {
	return b.update("put", func(bucket *bolt.Bucket) error { return bucket.Put(key, value) })
}

func (b *boltEngine) Delete(key []byte) error {
	return b.update("delete", func(bucket *bolt.Bucket) error { return bucket.Delete(key) })
}

// update runs `fn` against the store bucket inside a read-write transaction.
func (b *boltEngine) update(op string, fn func(bucket *bolt.Bucket) error) error {
	b.mux.RLock()
	defer b.mux.RUnlock()
	if b.closed {
		return ErrClosed
	}
	if open := b.iterators.Load(); open > 0 {
		return fmt.Errorf("bolt %s failed: %w: %d iterators hold read transactions", op, ErrBusy, open)
	}

	if err := b.db.Update(func(tx *bolt.Tx) error { return fn(tx.Bucket(boltBucket)) }); err != nil {
		return fmt.Errorf("bolt %s failed: %w", op, err)
	}
	return nil
}

func (b *boltEngine) NewIterator() (Iterator, error) {
	b.mux.RLock()
	defer b.mux.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	tx, err := b.db.Begin(false /*writable*/)
	if err != nil {
		return nil, fmt.Errorf("bolt iterator failed: %w", err)
	}
	b.iterators.Add(1)
	return &boltIterator{
		tx: tx, cursor: tx.Bucket(boltBucket).Cursor(), engine: b, tracker: trackIterator(KindBolt),
	}, nil
}

// Close waits for open iterators' transactions to finish before releasing the file.
func (b *boltEngine) Close() error {
	b.mux.Lock()
	defer b.mux.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.closed = true

	if err := b.db.Close(); err != nil {
		return fmt.Errorf("bolt close failed: %w", err)
	}
	return nil
}

// boltIterator walks a bucket cursor inside its own read-only transaction.
type boltIterator struct { // Implements Iterator.
	tx         *bolt.Tx
	cursor     *bolt.Cursor
	key, value []byte // nil key means the cursor is exhausted or unpositioned.
	engine     *boltEngine
	tracker    iteratorTracker
}

var _ Iterator = (*boltIterator)(nil)

func (i *boltIterator) SeekToFirst() { i.key, i.value = i.cursor.First() }

func (i *boltIterator) Seek(key []byte) { i.key, i.value = i.cursor.Seek(key) }

func (i *boltIterator) Valid() bool { return i.key != nil }

func (i *boltIterator) Next() {
	if i.key == nil {
		return
	}
	i.key, i.value = i.cursor.Next()
}

func (i *boltIterator) Key() []byte   { return i.key }
func (i *boltIterator) Value() []byte { return i.value }
func (i *boltIterator) Error() error  { return nil }

func (i *boltIterator) Release() {
	if i.tracker.release() {
		i.key, i.value = nil, nil
		_ = i.tx.Rollback() // Read-only transactions are always rolled back.
		i.engine.iterators.Add(-1)
	}
}
