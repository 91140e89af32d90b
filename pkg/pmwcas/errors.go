package pmwcas

import "errors"

// Error classification codes.
//
// Implementations MAY wrap these errors with additional context.
// Callers MUST classify errors using errors.Is.
var (
	// ErrPoolFull indicates no free descriptor slot is available.
	ErrPoolFull = errors.New("pmwcas: descriptor pool full")
	// ErrDescriptorFull indicates the descriptor already holds
	// [WordsPerDescriptor] words.
	ErrDescriptorFull = errors.New("pmwcas: descriptor full")
	// ErrDuplicateAddress indicates the target address is already part of
	// the descriptor.
	ErrDuplicateAddress = errors.New("pmwcas: duplicate target address")
	// ErrTaggedValue indicates an expected or new value uses the reserved
	// tag bits (61-63).
	ErrTaggedValue = errors.New("pmwcas: value uses reserved tag bits")
	// ErrInvalidInput indicates invalid options or arguments.
	ErrInvalidInput = errors.New("pmwcas: invalid input")
	// ErrIncompatible indicates the pool file was created with a
	// different descriptor geometry.
	ErrIncompatible = errors.New("pmwcas: incompatible pool layout")
)
