// Package heap supplies the raw, unprotected storage that tracked regions are built on. A Provider knows
// nothing about policies: it hands out blocks of bytes and takes them back.
package heap

//go:generate mockgen -destination mocks/provider.go -package mocks github.com/vkngwrapper/ermalloc/heap Provider

// Provider is a conventional heap allocator.
//
// Malloc and Calloc of size 0 return a nil block and no error. Realloc of a nil block behaves as Malloc,
// and Realloc to size 0 releases the block and returns nil. When a request cannot be satisfied, the error
// returned must satisfy errors.Is(err, memutils.ErrOutOfMemory) and the state of any block passed in is
// unchanged.
//
// Free must be passed a block exactly as it was returned from Malloc, Calloc or Realloc.
type Provider interface {
	Malloc(size int) ([]byte, error)
	Calloc(size int) ([]byte, error)
	Realloc(b []byte, size int) ([]byte, error)
	Free(b []byte) error
}

// Closer is implemented by providers that hold resources beyond the blocks they have handed out
type Closer interface {
	Close() error
}
