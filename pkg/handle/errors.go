package handle

import (
	"errors"
	"fmt"

	"github.com/nobletooth/kvhandle/pkg/engine"
)

var (
	// ErrInvalidState is the parent of every lifecycle precondition failure.
	ErrInvalidState = errors.New("invalid handle state")
	// ErrNotOpen is returned by operations that need an open handle.
	ErrNotOpen = fmt.Errorf("%w: handle is not open", ErrInvalidState)
	// ErrAlreadyOpen is returned by Open on an open handle.
	ErrAlreadyOpen = fmt.Errorf("%w: handle is already open", ErrInvalidState)
	// ErrInvalidArgument is returned for malformed requests; nothing is executed.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrEngineFailure wraps every non-success status of the storage engine other than a missing key.
	ErrEngineFailure = errors.New("engine failure")
	// ErrNotFound is returned by GetWithStatus for absent keys.
	ErrNotFound = engine.ErrNotFound
)

// notOpen builds the ErrNotOpen error of an operation, e.g. "keys can be fetched".
func notOpen(action string) error {
	return fmt.Errorf("%w: the database must be opened before %s", ErrNotOpen, action)
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func engineFailure(err error) error {
	return fmt.Errorf("%w: %w", ErrEngineFailure, err)
}

// resultLabel classifies an operation outcome for the operations metric.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "engine_error"
	}
}
