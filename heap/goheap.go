package heap

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/ermalloc/memutils"
)

const goAlignment = 64

// Go is a Provider that allocates from the Go heap, aligning each block to 64 bytes. Free is a no-op:
// blocks are reclaimed by the garbage collector once nothing refers to them.
type Go struct{}

var _ Provider = Go{}

func NewGo() Go { return Go{} }

func (g Go) Malloc(size int) ([]byte, error) {
	return g.Calloc(size)
}

func (g Go) Calloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, errors.Newf("invalid allocation size %d", size)
	}
	if size == 0 {
		return nil, nil
	}

	padded, err := memutils.CheckedAdd(size, goAlignment, "go heap allocation size")
	if err != nil {
		return nil, errors.Mark(err, memutils.ErrOutOfMemory)
	}

	buf := make([]byte, padded)
	addr := int(uintptr(unsafe.Pointer(&buf[0])))
	shift := memutils.AlignUp(addr, goAlignment) - addr
	return buf[shift : size+shift : size+shift], nil
}

func (g Go) Realloc(b []byte, size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if size == len(b) {
		return b, nil
	}

	r, err := g.Calloc(size)
	if err != nil {
		return nil, err
	}
	copy(r, b)
	return r, nil
}

func (g Go) Free(b []byte) error { return nil }
