package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/nobletooth/kvhandle/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestEngine opens a fresh engine of the given kind under a temporary directory.
func openTestEngine(t *testing.T, kind Kind) Engine {
	t.Helper()
	eng, err := Open(kind, storePath(t.TempDir(), kind))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// storePath returns a store location inside `dir` that suits the given engine kind.
func storePath(dir string, kind Kind) string {
	if kind == KindBolt {
		return filepath.Join(dir, "nested", "store.bolt")
	}
	return filepath.Join(dir, "nested", "store")
}

// collect drains the iterator from its current position.
func collect(t *testing.T, it Iterator) []utils.BytePair {
	t.Helper()
	pairs := make([]utils.BytePair, 0)
	for ; it.Valid(); it.Next() {
		pairs = append(pairs, utils.ClonePair(it.Key(), it.Value()))
	}
	require.NoError(t, it.Error())
	return pairs
}

func TestParseKind(t *testing.T) {
	for _, testCase := range []struct {
		name     string
		input    string
		expected Kind
		wantErr  bool
	}{
		{name: "leveldb", input: "leveldb", expected: KindLevelDB},
		{name: "bolt_mixed_case", input: " Bolt ", expected: KindBolt},
		{name: "memory", input: "memory", expected: KindMemory},
		{name: "unknown", input: "rocksdb", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			kind, err := ParseKind(testCase.input)
			if testCase.wantErr {
				assert.ErrorIs(t, err, ErrUnknownKind)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, testCase.expected, kind)
		})
	}
}

func TestDefaultKind(t *testing.T) {
	utils.SetTestFlag(t, "engine", "memory")
	kind, err := DefaultKind()
	assert.NoError(t, err)
	assert.Equal(t, KindMemory, kind)

	utils.SetTestFlag(t, "engine", "unknown")
	_, err = DefaultKind()
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestOpenUnknownKind(t *testing.T) {
	_, err := Open(Kind("unknown"), t.TempDir())
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestEngines(t *testing.T) {
	for _, kind := range allKinds {
		t.Run(string(kind), func(t *testing.T) {
			t.Run("point_operations", func(t *testing.T) {
				eng := openTestEngine(t, kind)
				_, err := eng.Get([]byte("missing"))
				assert.ErrorIs(t, err, ErrNotFound)

				require.NoError(t, eng.Put([]byte("k"), []byte("v1")))
				require.NoError(t, eng.Put([]byte("k"), []byte("v2")))
				value, err := eng.Get([]byte("k"))
				assert.NoError(t, err)
				assert.Equal(t, []byte("v2"), value)

				require.NoError(t, eng.Put([]byte("empty"), []byte{}))
				value, err = eng.Get([]byte("empty"))
				assert.NoError(t, err)
				assert.Empty(t, value)

				assert.NoError(t, eng.Delete([]byte("k")))
				_, err = eng.Get([]byte("k"))
				assert.ErrorIs(t, err, ErrNotFound)
				assert.NoError(t, eng.Delete([]byte("never-set")), "Deleting an absent key is not an error")
			})
			t.Run("binary_keys", func(t *testing.T) {
				eng := openTestEngine(t, kind)
				key, value := []byte{0, 1, 0, 255}, []byte{0, 0, 7}
				require.NoError(t, eng.Put(key, value))
				got, err := eng.Get(key)
				assert.NoError(t, err)
				assert.Equal(t, value, got)
			})
			t.Run("caller_buffers_are_not_retained", func(t *testing.T) {
				eng := openTestEngine(t, kind)
				key, value := []byte("key"), []byte("value")
				require.NoError(t, eng.Put(key, value))
				copy(value, "XXXXX")
				got, err := eng.Get([]byte("key"))
				assert.NoError(t, err)
				assert.Equal(t, []byte("value"), got)
			})
			t.Run("iterator_order_and_seek", func(t *testing.T) {
				eng := openTestEngine(t, kind)
				for _, key := range []string{"c", "a", "b", "bb"} {
					require.NoError(t, eng.Put([]byte(key), []byte("v"+key)))
				}
				it, err := eng.NewIterator()
				require.NoError(t, err)
				defer it.Release()

				assert.False(t, it.Valid(), "A fresh iterator is unpositioned")
				it.SeekToFirst()
				assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("bb"), []byte("c")},
					utils.Keys(collect(t, it)))

				it.Seek([]byte("ba"))
				assert.Equal(t, []utils.BytePair{
					{Key: []byte("bb"), Value: []byte("vbb")},
					{Key: []byte("c"), Value: []byte("vc")},
				}, collect(t, it))

				it.Seek([]byte("b"))
				require.True(t, it.Valid())
				assert.Equal(t, []byte("b"), it.Key(), "Seek lands on an exact match")

				it.Seek([]byte("z"))
				assert.False(t, it.Valid())
			})
			t.Run("iterator_is_snapshot_stable", func(t *testing.T) {
				eng := openTestEngine(t, kind)
				require.NoError(t, eng.Put([]byte("a"), []byte("1")))
				require.NoError(t, eng.Put([]byte("b"), []byte("2")))
				it, err := eng.NewIterator()
				require.NoError(t, err)

				mutate := func() {
					require.NoError(t, eng.Put([]byte("c"), []byte("3")))
					require.NoError(t, eng.Delete([]byte("a")))
				}
				if kind == KindBolt {
					// bolt refuses writes while a read transaction is open.
					assert.ErrorIs(t, eng.Put([]byte("c"), []byte("3")), ErrBusy)
					assert.ErrorIs(t, eng.Delete([]byte("a")), ErrBusy)
				} else {
					// Mutations after the iterator was created belong to a fresh iterator only.
					mutate()
				}
				it.SeekToFirst()
				assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, utils.Keys(collect(t, it)))
				it.Release()
				if kind == KindBolt {
					mutate()
				}

				it, err = eng.NewIterator()
				require.NoError(t, err)
				defer it.Release()
				it.SeekToFirst()
				assert.Equal(t, [][]byte{[]byte("b"), []byte("c")}, utils.Keys(collect(t, it)))
			})
			t.Run("empty_store", func(t *testing.T) {
				eng := openTestEngine(t, kind)
				it, err := eng.NewIterator()
				require.NoError(t, err)
				defer it.Release()
				it.SeekToFirst()
				assert.False(t, it.Valid())
				it.Next() // Advancing an exhausted cursor is a no-op.
				assert.False(t, it.Valid())
			})
			t.Run("release_tracking", func(t *testing.T) {
				eng := openTestEngine(t, kind)
				before := OpenIterators(kind)
				it, err := eng.NewIterator()
				require.NoError(t, err)
				assert.Equal(t, before+1, OpenIterators(kind))
				it.Release()
				it.Release() // Double release is harmless.
				assert.Equal(t, before, OpenIterators(kind))
			})
			t.Run("closed", func(t *testing.T) {
				eng, err := Open(kind, storePath(t.TempDir(), kind))
				require.NoError(t, err)
				require.NoError(t, eng.Close())

				_, err = eng.Get([]byte("k"))
				assert.ErrorIs(t, err, ErrClosed)
				assert.ErrorIs(t, eng.Put([]byte("k"), []byte("v")), ErrClosed)
				assert.ErrorIs(t, eng.Delete([]byte("k")), ErrClosed)
				_, err = eng.NewIterator()
				assert.ErrorIs(t, err, ErrClosed)
				assert.ErrorIs(t, eng.Close(), ErrClosed)
			})
		})
	}
}

func TestBoltWritesFailWhileIterating(t *testing.T) {
	utils.SetTestFlag(t, "bolt_initial_mmap_size", "65536")
	eng := openTestEngine(t, KindBolt)
	require.NoError(t, eng.Put([]byte("a"), []byte("1")))

	it, err := eng.NewIterator()
	require.NoError(t, err)
	it.SeekToFirst()
	// Growing past the initial map would wait on the open read transaction; the write fails instead.
	largeValue := make([]byte, 64<<10)
	for i := range 8 {
		err := eng.Put([]byte(fmt.Sprintf("large-%d", i)), largeValue)
		assert.ErrorIs(t, err, ErrBusy)
	}
	assert.Equal(t, [][]byte{[]byte("a")}, utils.Keys(collect(t, it)))
	it.Release()
	it.Release()

	// Once released, the same writes grow the map and succeed.
	for i := range 8 {
		require.NoError(t, eng.Put([]byte(fmt.Sprintf("large-%d", i)), largeValue))
	}
	value, err := eng.Get([]byte("large-7"))
	require.NoError(t, err)
	assert.Len(t, value, 64<<10)
}

func TestDurableEngines(t *testing.T) {
	for _, kind := range []Kind{KindLevelDB, KindBolt} {
		t.Run(string(kind), func(t *testing.T) {
			path := storePath(t.TempDir(), kind)
			eng, err := Open(kind, path)
			require.NoError(t, err)
			require.NoError(t, eng.Put([]byte("durable"), []byte("yes")))
			require.NoError(t, eng.Close())

			eng, err = Open(kind, path)
			require.NoError(t, err)
			defer func() { _ = eng.Close() }()
			value, err := eng.Get([]byte("durable"))
			assert.NoError(t, err)
			assert.Equal(t, []byte("yes"), value)
		})
	}
}

func TestOpenFailures(t *testing.T) {
	t.Run("leveldb_path_is_a_file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(path, []byte("not a store"), 0o600))
		_, err := Open(KindLevelDB, path)
		assert.Error(t, err)
	})
	t.Run("bolt_parent_is_a_file", func(t *testing.T) {
		parent := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(parent, []byte("not a dir"), 0o600))
		_, err := Open(KindBolt, filepath.Join(parent, "store.bolt"))
		assert.Error(t, err)
	})
	t.Run("leveldb_store_is_locked", func(t *testing.T) {
		path := storePath(t.TempDir(), KindLevelDB)
		eng, err := Open(KindLevelDB, path)
		require.NoError(t, err)
		defer func() { _ = eng.Close() }()
		_, err = Open(KindLevelDB, path)
		assert.Error(t, err, "A second opener of the same store must fail")
	})
	t.Run("bolt_store_is_locked", func(t *testing.T) {
		utils.SetTestFlag(t, "bolt_open_timeout", "50ms")
		path := storePath(t.TempDir(), KindBolt)
		eng, err := Open(KindBolt, path)
		require.NoError(t, err)
		defer func() { _ = eng.Close() }()
		_, err = Open(KindBolt, path)
		assert.Error(t, err, "A second opener of the same store must time out")
	})
}

func TestLevelDBOptions(t *testing.T) {
	utils.SetTestFlag(t, "leveldb_bloom_filter_bits", "0")
	utils.SetTestFlag(t, "leveldb_write_buffer", "1024")
	options := levelDBOptions()
	assert.Nil(t, options.Filter)
	assert.Equal(t, 1024, options.WriteBuffer)
	assert.False(t, options.ErrorIfMissing)

	utils.SetTestFlag(t, "leveldb_bloom_filter_bits", "10")
	assert.NotNil(t, levelDBOptions().Filter)
}

func TestMemoryIteratorSnapshotAfterRelease(t *testing.T) {
	eng := openMemory()
	require.NoError(t, eng.Put([]byte("a"), []byte("1")))
	it, err := eng.NewIterator()
	require.NoError(t, err)
	it.Release()
	it.SeekToFirst()
	assert.False(t, it.Valid(), "Released iterators stay invalid")
	assert.Nil(t, it.Key())
	assert.True(t, slices.Equal([]byte(nil), it.Value()))
}
