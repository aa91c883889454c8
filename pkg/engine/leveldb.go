// The leveldb backend wraps goleveldb, a log-structured merge tree: writes land in a journal and a memtable, and are
// compacted into sorted tables in the background. The store directory is created when missing.

package engine

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

var (
	levelDBBlockCacheCapacity = flag.Int("leveldb_block_cache_capacity", 8<<20, /*8 MiB*/
		"Capacity of the leveldb block cache in bytes.")
	levelDBWriteBuffer = flag.Int("leveldb_write_buffer", 4<<20, /*4 MiB*/
		"Size of the leveldb memtable in bytes before it's flushed to a sorted table.")
	levelDBOpenFilesCacheCapacity = flag.Int("leveldb_open_files_cache_capacity", 64,
		"The number of open table files leveldb keeps cached.")
	levelDBBloomFilterBits = flag.Int("leveldb_bloom_filter_bits", 10,
		"Bits per key of the leveldb bloom filter; 0 or negative disables the filter.")
	levelDBSyncWrites = flag.Bool("leveldb_sync_writes", false,
		"Fsync the leveldb journal on every write.")
)

// levelDBEngine implements Engine on top of goleveldb.
type levelDBEngine struct { // Implements Engine.
	db           *leveldb.DB
	writeOptions *opt.WriteOptions
}

var _ Engine = (*levelDBEngine)(nil)

// levelDBOptions builds goleveldb options from the configured flags.
func levelDBOptions() *opt.Options {
	options := &opt.Options{
		BlockCacheCapacity:     *levelDBBlockCacheCapacity,
		WriteBuffer:            *levelDBWriteBuffer,
		OpenFilesCacheCapacity: *levelDBOpenFilesCacheCapacity,
		ErrorIfMissing:         false, // Create if missing.
	}
	if *levelDBBloomFilterBits > 0 {
		options.Filter = filter.NewBloomFilter(*levelDBBloomFilterBits)
	}
	return options
}

func openLevelDB(path string) (*levelDBEngine, error) {
	options := levelDBOptions()
	db, err := leveldb.OpenFile(path, options)
	if lerrors.IsCorrupted(err) {
		slog.Warn("Leveldb store is corrupted, trying to recover it.", "path", path, "error", err)
		recoveries.WithLabelValues(string(KindLevelDB)).Inc()
		db, err = leveldb.RecoverFile(path, options)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb store at %s: %w", path, err)
	}
	return &levelDBEngine{db: db, writeOptions: &opt.WriteOptions{Sync: *levelDBSyncWrites}}, nil
}

// translateLevelDBError maps goleveldb sentinels onto the engine package sentinels.
func translateLevelDBError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, leveldb.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return ErrClosed
	default:
		return fmt.Errorf("leveldb %s failed: %w", op, err)
	}
}

func (l *levelDBEngine) Get(key []byte) ([]byte, error) {
	// goleveldb returns a fresh slice the caller owns.
	value, err := l.db.Get(key, nil /*readOptions*/)
	if err != nil {
		return nil, translateLevelDBError("get", err)
	}
	return value, nil
}

func (l *levelDBEngine) Put(key, value []byte) error {
	return translateLevelDBError("put", l.db.Put(key, value, l.writeOptions))
}

func (l *levelDBEngine) Delete(key []byte) error {
	return translateLevelDBError("delete", l.db.Delete(key, l.writeOptions))
}

func (l *levelDBEngine) NewIterator() (Iterator, error) {
	it := l.db.NewIterator(nil /*range*/, nil /*readOptions*/)
	// A closed DB hands out an empty iterator that carries ErrClosed.
	if err := it.Error(); err != nil {
		it.Release()
		return nil, translateLevelDBError("iterator", err)
	}
	return &levelDBIterator{it: it, tracker: trackIterator(KindLevelDB)}, nil
}

func (l *levelDBEngine) Close() error {
	return translateLevelDBError("close", l.db.Close())
}

// levelDBIterator adapts goleveldb's iterator, which already matches the seek / valid / next model.
type levelDBIterator struct { // Implements Iterator.
	it      iterator.Iterator
	tracker iteratorTracker
}

var _ Iterator = (*levelDBIterator)(nil)

func (i *levelDBIterator) SeekToFirst()    { i.it.First() }
func (i *levelDBIterator) Seek(key []byte) { i.it.Seek(key) }
func (i *levelDBIterator) Valid() bool     { return i.it.Valid() }
func (i *levelDBIterator) Next()           { i.it.Next() }
func (i *levelDBIterator) Key() []byte     { return i.it.Key() }
func (i *levelDBIterator) Value() []byte   { return i.it.Value() }

func (i *levelDBIterator) Error() error {
	return translateLevelDBError("iterate", i.it.Error())
}

func (i *levelDBIterator) Release() {
	if i.tracker.release() {
		i.it.Release()
	}
}
