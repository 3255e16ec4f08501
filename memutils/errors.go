package memutils

import "github.com/pkg/errors"

var (
	// ErrOutOfMemory is the error returned when the raw memory provider cannot satisfy a request. Operations
	// that fail with it have no effect beyond the failed attempt.
	ErrOutOfMemory error = errors.New("out of memory")
	// ErrNotTracked is the error returned from a tracked-only operation when the pointer provided has
	// no allocation record, either because it was never allocated through the tracked family or because it
	// has already been freed
	ErrNotTracked error = errors.New("pointer is not tracked")
	// ErrInvalidPolicy is the error returned when a policy list is malformed: too many entries, more than
	// one redundancy entry, an unknown policy, or an invalid policy configuration
	ErrInvalidPolicy error = errors.New("invalid policy list")
	// ErrOverflow is the error returned when size arithmetic overflows
	ErrOverflow error = errors.New("size overflow")
)
