package pmem

import "errors"

// Error classification codes.
//
// Implementations MAY wrap these errors with additional context.
// Callers MUST classify errors using errors.Is.
var (
	// ErrCorrupt indicates the pool file is corrupted (rebuild-class).
	ErrCorrupt = errors.New("pmem: corrupt")
	// ErrIncompatible indicates the pool file format or configuration
	// does not match what the caller asked for.
	ErrIncompatible = errors.New("pmem: incompatible")

	// ErrBusy indicates another process holds the pool lock.
	ErrBusy = errors.New("pmem: busy")
	// ErrInvalidInput indicates invalid options or arguments.
	ErrInvalidInput = errors.New("pmem: invalid input")
	// ErrClosed indicates the pool handle has been closed.
	ErrClosed = errors.New("pmem: closed")
)
