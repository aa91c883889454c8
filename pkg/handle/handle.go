// Package handle implements the database handle: a stateful facade owning at most one open storage engine.
//
// A Handle starts Uninitialized, becomes Open through Open, and returns to a non-Open state through Close; a closed
// handle may be opened again. Point reads and writes, and range scans, require an open handle. Handles are meant for
// a single caller at a time; concurrent use of one Handle is undefined, while separate handles over separate stores
// are fully independent.
//
// Error reporting follows three rules:
//   - state and argument errors (ErrInvalidState, ErrInvalidArgument) are always returned and have no side effects;
//   - engine failures on Get / Set / Delete collapse into a false or absent result; the *WithStatus variants return
//     them in full;
//   - engine failures on Open are returned with the engine's message.
//
// Open and List validate their arguments before the handle state; the other operations have no runtime argument
// errors and check the state only.

package handle

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/nobletooth/kvhandle/pkg/engine"
	"github.com/nobletooth/kvhandle/pkg/utils"
)

// State is the lifecycle state of a Handle. Uninitialized and Closed behave identically.
type State int

const (
	StateUninitialized State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ownedEngine is the engine instance a handle owns, plus the cursors still reading from it.
type ownedEngine struct {
	engine.Engine
	path    string
	cursors map[*cursorLease]struct{}
}

// cursorLease is a scan cursor handed out by the handle. Close may release it while its scan is running.
type cursorLease struct {
	engine.Iterator
	released bool
}

// Handle is the database handle. The zero value is not usable; use New or NewWithEngine.
type Handle struct {
	kind    engine.Kind
	state   State
	owned   *ownedEngine // Present iff state == StateOpen.
	cache   *readCache   // Present iff state == StateOpen.
	cursors int          // Live cursor leases of the owned engine.
}

// New creates an uninitialized handle using the engine configured by the --engine flag.
func New() (*Handle, error) {
	kind, err := engine.DefaultKind()
	if err != nil {
		return nil, invalidArgument("%v", err)
	}
	return NewWithEngine(kind), nil
}

// NewWithEngine creates an uninitialized handle that opens stores with the given engine kind.
func NewWithEngine(kind engine.Kind) *Handle {
	h := &Handle{kind: kind, state: StateUninitialized}
	// Release the engine when an open handle is garbage collected.
	runtime.SetFinalizer(h, func(h *Handle) { h.finalize() })
	return h
}

func (h *Handle) State() State {
	return h.state
}

func (h *Handle) Kind() engine.Kind {
	return h.kind
}

// Path returns the path of the open store, or "" when the handle isn't open.
func (h *Handle) Path() string {
	if h.owned == nil {
		return ""
	}
	return h.owned.path
}

// OpenCursors returns the number of scan cursors this handle currently holds.
func (h *Handle) OpenCursors() int {
	return h.cursors
}

// isOpen reports whether the handle is open, raising an invariant if state and ownership disagree.
func (h *Handle) isOpen() bool {
	if (h.state == StateOpen) != (h.owned != nil) {
		utils.RaiseInvariant("handle", "state_ownership_mismatch",
			"Handle state disagrees with engine ownership.", "state", h.state, "ownsEngine", h.owned != nil)
	}
	return h.state == StateOpen && h.owned != nil
}

// Open opens (creating if missing) the store at `path` and takes ownership of it.
func (h *Handle) Open(path string) error {
	if path == "" {
		return record("open", invalidArgument("expected a non-empty database path"))
	}
	if h.isOpen() {
		return record("open",
			fmt.Errorf("%w: the database must be closed before it can be re-opened", ErrAlreadyOpen))
	}

	eng, err := engine.Open(h.kind, path)
	if err != nil {
		slog.Error("Failed to open database.", "engine", h.kind, "path", path, "error", err)
		return record("open", engineFailure(err))
	}
	h.owned = &ownedEngine{Engine: eng, path: path, cursors: make(map[*cursorLease]struct{})}
	h.cache = newReadCache()
	h.state = StateOpen
	openEngines.Inc()
	slog.Info("Opened database.", "engine", h.kind, "path", path)
	return record("open", nil)
}

// Close releases the owned engine, if any, and leaves the handle closed. It never fails and may be called in any
// state. When called from a scan sink, the running scan's cursor is released as well and the scan stops once the
// sink returns, so the store can be opened again right away.
func (h *Handle) Close() error {
	defer func() { _ = record("close", nil) }()
	if !h.isOpen() {
		h.state = StateClosed
		h.owned, h.cache = nil, nil
		return nil
	}

	owned := h.owned
	h.cache.close()
	h.owned, h.cache = nil, nil
	h.state = StateClosed
	if len(owned.cursors) > 0 {
		slog.Debug("Releasing open cursors before closing the database.", "path", owned.path,
			"cursors", len(owned.cursors))
	}
	for lease := range owned.cursors {
		h.releaseCursor(owned, lease)
	}
	h.releaseEngine(owned)
	return nil
}

// releaseEngine closes the engine; errors are logged since Close has no failure mode.
func (h *Handle) releaseEngine(owned *ownedEngine) {
	if err := owned.Close(); err != nil && !errors.Is(err, engine.ErrClosed) {
		slog.Error("Failed to close database engine.", "engine", h.kind, "path", owned.path, "error", err)
	}
	openEngines.Dec()
	slog.Info("Closed database.", "engine", h.kind, "path", owned.path)
}

// finalize is the implicit Close of a handle that's garbage collected while open.
func (h *Handle) finalize() {
	if h.owned != nil {
		slog.Warn("Open database handle was garbage collected; releasing its engine.", "path", h.owned.path)
		_ = h.Close()
	}
}

// GetWithStatus returns the value stored for `key`. Unlike Get, it tells ErrNotFound apart from engine failures.
func (h *Handle) GetWithStatus(key []byte) ([]byte, error) {
	if !h.isOpen() {
		return nil, record("get", notOpen("keys can be fetched"))
	}
	if value, found := h.cache.get(key); found {
		return value, record("get", nil)
	}

	value, err := h.owned.Get(key)
	if errors.Is(err, engine.ErrNotFound) {
		return nil, record("get", ErrNotFound)
	}
	if err != nil {
		return nil, record("get", engineFailure(err))
	}
	h.cache.put(key, value)
	return value, record("get", nil)
}

// Get returns the value stored for `key`. Missing keys and engine failures are both reported as found == false; the
// error is only set when the handle isn't open.
func (h *Handle) Get(key []byte) ( /*value*/ []byte /*found*/, bool, error) {
	value, err := h.GetWithStatus(key)
	if errors.Is(err, ErrInvalidState) {
		return nil, false, err
	}
	if err != nil {
		return nil, false, nil
	}
	return value, true, nil
}

// SetWithStatus stores `value` under `key`, returning engine failures wrapped in ErrEngineFailure.
func (h *Handle) SetWithStatus(key, value []byte) error {
	if !h.isOpen() {
		return record("set", notOpen("keys can be set"))
	}
	if err := h.owned.Put(key, value); err != nil {
		// The engine may or may not hold the new value now.
		h.cache.evict(key)
		return record("set", engineFailure(err))
	}
	h.cache.put(key, value)
	return record("set", nil)
}

// Set stores `value` under `key`, overwriting any previous value. It returns false if the engine write failed; the
// error is only set when the handle isn't open.
func (h *Handle) Set(key, value []byte) (bool, error) {
	return collapse(h.SetWithStatus(key, value))
}

// DeleteWithStatus removes `key`, returning engine failures wrapped in ErrEngineFailure. Removing an absent key
// succeeds.
func (h *Handle) DeleteWithStatus(key []byte) error {
	if !h.isOpen() {
		return record("delete", notOpen("an item can be deleted"))
	}
	h.cache.evict(key)
	if err := h.owned.Delete(key); err != nil {
		return record("delete", engineFailure(err))
	}
	return record("delete", nil)
}

// Delete removes `key`. It returns true when the key is gone, including when it never existed, and false if the
// engine failed; the error is only set when the handle isn't open.
func (h *Handle) Delete(key []byte) (bool, error) {
	return collapse(h.DeleteWithStatus(key))
}

// collapse turns an engine failure into a false result while passing state errors through.
func collapse(err error) (bool, error) {
	if errors.Is(err, ErrInvalidState) {
		return false, err
	}
	return err == nil, nil
}
