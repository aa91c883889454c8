package port

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nobletooth/kvhandle/pkg/handle"
	"github.com/nobletooth/kvhandle/pkg/scan"
	"github.com/nobletooth/kvhandle/pkg/utils"
)

// Store is the storage backend used by ports, e.g. Redis. A Handle serves one caller at a time, so every call goes
// through a single lock; connections are served concurrently.
type Store struct {
	mux    sync.Mutex
	handle *handle.Handle
}

// NewStore wraps an open handle. The store takes ownership of it; Close closes the handle.
func NewStore(h *handle.Handle) (*Store, error) {
	if h == nil {
		return nil, errors.New("expected a non-nil handle")
	}
	if h.State() != handle.StateOpen {
		return nil, fmt.Errorf("expected an open handle, got %s", h.State())
	}
	return &Store{handle: h}, nil
}

// Get looks up the given `key` and returns its value, or handle.ErrNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.handle.GetWithStatus(key)
}

func (s *Store) Set(key, value []byte) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.handle.SetWithStatus(key, value)
}

// Delete removes the given keys and returns how many of them existed.
func (s *Store) Delete(keys ...[]byte) (int, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	deleted := 0
	for _, key := range keys {
		found, err := s.exists(key)
		if err != nil {
			return deleted, err
		}
		if err := s.handle.DeleteWithStatus(key); err != nil {
			return deleted, err
		}
		if found {
			deleted++
		}
	}
	return deleted, nil
}

// Exists returns how many of the given keys are present; repeated keys are counted every time.
func (s *Store) Exists(keys ...[]byte) (int, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	count := 0
	for _, key := range keys {
		found, err := s.exists(key)
		if err != nil {
			return count, err
		}
		if found {
			count++
		}
	}
	return count, nil
}

// NOTE: Caller should acquire lock.
func (s *Store) exists(key []byte) (bool, error) {
	_, err := s.handle.GetWithStatus(key)
	if errors.Is(err, handle.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Keys returns the sorted keys matching the glob `pattern`.
func (s *Store) Keys(pattern []byte) ([][]byte, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	prefix := scan.LiteralPrefix(pattern)
	request, err := handle.NewScanRequest(prefix)
	if err != nil {
		return nil, err
	}
	scanner, err := s.handle.Scan(request)
	if err != nil {
		return nil, err
	}
	matched, err := scan.MatchGlob(pattern, scan.TakePrefix(prefix, scanner.Pairs()))
	if err != nil {
		return nil, err
	}
	keys := make([][]byte, 0)
	for pair := range matched {
		keys = append(keys, pair.Key)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// List returns the pairs between the optional (start, end) bounds, both inclusive.
func (s *Store) List(bounds ...[]byte) ([]utils.BytePair, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	pairs := make([]utils.BytePair, 0)
	err := s.handle.List(func(key, value []byte) {
		pairs = append(pairs, utils.BytePair{Key: key, Value: value})
	}, bounds...)
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.handle.Close()
}
