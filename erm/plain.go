package erm

import (
	"github.com/vkngwrapper/ermalloc/memutils"
)

// Malloc allocates an untracked block directly from the memory provider. Plain blocks never touch the
// registry and must not be passed to tracked operations.
func (a *Allocator) Malloc(size int) ([]byte, error) {
	return a.provider.Malloc(size)
}

// Calloc allocates an untracked, zeroed block of nmemb*size bytes
func (a *Allocator) Calloc(nmemb, size int) ([]byte, error) {
	total, err := memutils.CheckedMul(nmemb, size, "plain zeroed allocation size")
	if err != nil {
		return nil, err
	}

	return a.provider.Calloc(total)
}

// Realloc resizes an untracked block
func (a *Allocator) Realloc(b []byte, size int) ([]byte, error) {
	return a.provider.Realloc(b, size)
}

// ReallocArray resizes an untracked block to nmemb*size bytes
func (a *Allocator) ReallocArray(b []byte, nmemb, size int) ([]byte, error) {
	total, err := memutils.CheckedMul(nmemb, size, "plain array resize")
	if err != nil {
		return nil, err
	}

	return a.provider.Realloc(b, total)
}

// FreePlain returns an untracked block to the memory provider
func (a *Allocator) FreePlain(b []byte) error {
	return a.provider.Free(b)
}
