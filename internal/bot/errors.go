package bot

import "errors"

var (
	// ErrNotConnected is returned when an operation needs the connection
	// open at the moment it is issued.
	ErrNotConnected = errors.New("not connected")
	// ErrFetchTimeout is returned when a single-item fetch saw no matching
	// arrival within the polling budget.
	ErrFetchTimeout = errors.New("item not found within timeout")
	// ErrResolveTimeout is returned when an identifier resolution saw no
	// matching search response within the polling budget.
	ErrResolveTimeout = errors.New("could not resolve identifier")
	// ErrBadCredentials terminates the runtime; the service rejected the
	// configured login outright.
	ErrBadCredentials = errors.New("bad credentials")
)
