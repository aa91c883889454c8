// Range scans walk the engine in ascending key order between optional bounds:
//
//	bounds       start                         end
//	none         first key                     end of the keyspace
//	start        first key >= start            end of the keyspace
//	start, end   first key >= start            last key <= end (inclusive)
//
// Scan returns a lazy pull-based sequence; List pushes every pair into a callback on top of it. In both forms the
// engine cursor is acquired when iteration starts and released when it ends, whichever way it ends.

package handle

import (
	"bytes"
	"fmt"
	"iter"

	"github.com/nobletooth/kvhandle/pkg/utils"
)

// ScanRequest holds the bounds of one range scan; build it with NewScanRequest.
type ScanRequest struct {
	start, end       []byte
	hasStart, hasEnd bool
}

// NewScanRequest builds a scan request from up to two positional bounds: (opt_start, opt_end).
func NewScanRequest(bounds ...[]byte) (ScanRequest, error) {
	switch len(bounds) {
	case 0:
		return ScanRequest{}, nil
	case 1:
		return ScanRequest{start: bounds[0], hasStart: true}, nil
	case 2:
		return ScanRequest{start: bounds[0], end: bounds[1], hasStart: true, hasEnd: true}, nil
	default:
		return ScanRequest{}, invalidArgument(
			"between zero and two bounds expected: (opt_start, opt_end), got %d", len(bounds))
	}
}

// Start returns the inclusive lower bound, if any.
func (r ScanRequest) Start() ([]byte, bool) {
	return r.start, r.hasStart
}

// End returns the inclusive upper bound, if any.
func (r ScanRequest) End() ([]byte, bool) {
	return r.end, r.hasEnd
}

// Sink receives scanned pairs in ascending key order. Keys and values are copies it may keep.
type Sink func(key, value []byte)

// Scanner is a lazy range scan over an open handle.
type Scanner struct {
	handle  *Handle
	owned   *ownedEngine
	request ScanRequest
	compare utils.CompareFn[[]byte]
	err     error
}

// Scan prepares a lazy range scan. No cursor is held until the returned scanner is iterated.
func (h *Handle) Scan(request ScanRequest) (*Scanner, error) {
	if !h.isOpen() {
		return nil, notOpen("it can be listed")
	}
	return &Scanner{handle: h, owned: h.owned, request: request, compare: bytes.Compare}, nil
}

// Err returns the error that ended the last iteration early, if any.
func (s *Scanner) Err() error {
	return s.err
}

// Pairs returns the pairs in range. Every iteration reads from its own engine snapshot taken when it starts.
// The cursor is released when the iteration ends, including on break and on panics in the loop body.
func (s *Scanner) Pairs() iter.Seq[utils.BytePair] {
	return func(yield func(utils.BytePair) bool) {
		s.err = nil
		lease, err := s.handle.acquireCursor(s.owned)
		if err != nil {
			s.err = err
			return
		}
		defer s.handle.releaseCursor(s.owned, lease)

		if start, hasStart := s.request.Start(); hasStart {
			lease.Seek(start)
		} else {
			lease.SeekToFirst()
		}
		end, hasEnd := s.request.End()
		for ; lease.Valid(); lease.Next() {
			if hasEnd && s.compare(lease.Key(), end) > 0 {
				return // The first key past the inclusive end bound isn't emitted.
			}
			if !yield(utils.ClonePair(lease.Key(), lease.Value())) {
				return
			}
			if lease.released {
				return // The handle was closed while the pair was being consumed.
			}
		}
		if err := lease.Error(); err != nil {
			s.err = engineFailure(err)
		}
	}
}

// acquireCursor opens an engine cursor on `owned`, as long as it still belongs to the handle.
func (h *Handle) acquireCursor(owned *ownedEngine) (*cursorLease, error) {
	if owned != h.owned || !h.isOpen() {
		return nil, notOpen("it can be listed")
	}
	cursor, err := owned.NewIterator()
	if err != nil {
		return nil, engineFailure(err)
	}
	lease := &cursorLease{Iterator: cursor}
	owned.cursors[lease] = struct{}{}
	h.cursors++
	openCursors.Inc()
	return lease, nil
}

// releaseCursor releases the lease once; later calls are no-ops.
func (h *Handle) releaseCursor(owned *ownedEngine, lease *cursorLease) {
	if lease.released {
		return
	}
	lease.released = true
	lease.Release()
	delete(owned.cursors, lease)
	h.cursors--
	openCursors.Dec()
	if h.cursors < 0 {
		utils.RaiseInvariant("handle", "negative_cursor_count", "Released more cursors than acquired.",
			"handleCursors", h.cursors)
	}
}

// List scans the pairs between the optional (start, end) bounds into `sink`, synchronously and in ascending key
// order. It returns once the whole range has been delivered, or with the engine error that stopped the scan.
func (h *Handle) List(sink Sink, bounds ...[]byte) error {
	request, err := NewScanRequest(bounds...)
	if err != nil {
		return record("list", err)
	}
	return h.ListRequest(request, sink)
}

// ListRequest is List with a prebuilt request.
func (h *Handle) ListRequest(request ScanRequest, sink Sink) error {
	if sink == nil {
		return record("list", invalidArgument("a sink callback is required to list the database"))
	}
	scanner, err := h.Scan(request)
	if err != nil {
		return record("list", err)
	}
	for pair := range scanner.Pairs() {
		sink(pair.Key, pair.Value)
	}
	if err := scanner.Err(); err != nil {
		return record("list", fmt.Errorf("list stopped early: %w", err))
	}
	return record("list", nil)
}
