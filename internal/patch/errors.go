package patch

import "errors"

var (
	// ErrConflict reports an operation not permitted in the current state:
	// a mutation while the runtime is not paused or a duplicate patch id.
	ErrConflict = errors.New("conflict")
	// ErrNotFound reports an unknown patch id, or a missing artifact source.
	ErrNotFound = errors.New("not found")
	// ErrUnsupportedScheme reports an artifact URI other than file://.
	ErrUnsupportedScheme = errors.New("unsupported artifact scheme")
	// ErrFetch reports a failure to copy the artifact into local storage.
	ErrFetch = errors.New("artifact fetch failed")
	// ErrInvalidID reports a patch id that cannot be used as a file name.
	ErrInvalidID = errors.New("invalid patch id")
)
