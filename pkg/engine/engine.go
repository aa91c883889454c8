// Package engine binds kvhandle to an embedded ordered key-value storage engine.
// The engines themselves are third-party libraries; this package only opens them with create-if-missing semantics,
// adapts their cursors to a single Iterator contract and translates their errors into the sentinels below.
//
// All engines order keys lexicographically by byte value (bytes.Compare) and hand out snapshot-stable iterators:
// mutations made after an iterator is created are not visible through it.

package engine

import (
	"errors"
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/nobletooth/kvhandle/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrNotFound is returned by Engine.Get when the key is absent.
	ErrNotFound = errors.New("key was not found")
	// ErrClosed is returned by every operation on a closed engine.
	ErrClosed = errors.New("engine is closed")
	// ErrBusy is returned by writes an engine can't run while iterators are open.
	ErrBusy = errors.New("engine is busy")
	// ErrUnknownKind is returned when opening an engine kind that isn't supported.
	ErrUnknownKind = errors.New("unknown engine kind")
)

// Kind names one of the supported engine backends.
type Kind string

const (
	KindLevelDB Kind = "leveldb" // LSM tree; durable; the path is a directory.
	KindBolt    Kind = "bolt"    // B+ tree; durable; the path is a file.
	KindMemory  Kind = "memory"  // In-memory B-tree; non-durable; the path is ignored.
)

var allKinds = []Kind{KindLevelDB, KindBolt, KindMemory}

var kindFlag = flag.String("engine", string(KindLevelDB), "Storage engine backend: leveldb/bolt/memory")

var (
	openIterators = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_open_iterators",
		Help: "The number of engine iterators that have been created but not released yet.",
	}, []string{"engine"})
	recoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_recoveries_total",
		Help: "The number of times a corrupted store was recovered on open.",
	}, []string{"engine"})
)

// ParseKind validates the given engine name.
func ParseKind(name string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(name)))
	if !slices.Contains(allKinds, kind) {
		return "", fmt.Errorf("%w: '%s'", ErrUnknownKind, name)
	}
	return kind, nil
}

// DefaultKind returns the engine kind configured by the --engine flag.
func DefaultKind() (Kind, error) {
	return ParseKind(*kindFlag)
}

// Engine is an open instance of an ordered key-value store. Implementations are safe to call from one goroutine at
// a time; kvhandle never shares an Engine between handles.
type Engine interface {
	// Get returns a copy of the value stored for `key`, or ErrNotFound.
	Get(key []byte) ([]byte, error)
	// Put stores `value` under `key`, overwriting any previous value.
	Put(key, value []byte) error
	// Delete removes `key`; deleting an absent key is not an error.
	Delete(key []byte) error
	// NewIterator returns an unpositioned cursor over a consistent view of the store.
	NewIterator() (Iterator, error)
	// Close flushes and releases the store. Calling it twice returns ErrClosed.
	Close() error
}

// Iterator is a cursor over the keys of an Engine in ascending order.
// Key and Value return buffers owned by the cursor; they're only valid until the next positioning call.
type Iterator interface {
	SeekToFirst()
	// Seek positions the cursor at the first key greater than or equal to `key`.
	Seek(key []byte)
	Valid() bool
	Next()
	Key() []byte
	Value() []byte
	// Error returns the error that invalidated the cursor, if any.
	Error() error
	// Release frees the cursor. It is safe to call more than once.
	Release()
}

// Open opens (creating if missing) the store of the given `kind` at `path`.
func Open(kind Kind, path string) (Engine, error) {
	switch kind {
	case KindLevelDB:
		return openLevelDB(path)
	case KindBolt:
		return openBolt(path)
	case KindMemory:
		return openMemory(), nil
	default:
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownKind, kind)
	}
}

// OpenIterators returns the number of unreleased iterators of the given engine kind.
func OpenIterators(kind Kind) int {
	metric := openIterators.WithLabelValues(string(kind))
	return int(utils.GaugeValue(metric))
}

// iteratorTracker keeps the open iterators gauge in sync with Release calls.
type iteratorTracker struct {
	kind     Kind
	released bool
}

func trackIterator(kind Kind) iteratorTracker {
	openIterators.WithLabelValues(string(kind)).Inc()
	return iteratorTracker{kind: kind}
}

// release returns true only on the first call.
func (t *iteratorTracker) release() bool {
	if t.released {
		return false
	}
	t.released = true
	openIterators.WithLabelValues(string(t.kind)).Dec()
	return true
}
