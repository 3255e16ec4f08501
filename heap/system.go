package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/ermalloc/internal/utils"
	"github.com/vkngwrapper/ermalloc/memutils"
	"modernc.org/memory"
)

// System is a Provider backed by memory mapped directly from the operating system. Blocks live outside of
// the Go heap, so their addresses never change for as long as they are allocated.
type System struct {
	mutex     utils.OptionalMutex
	allocator memory.Allocator
}

var _ Provider = &System{}
var _ Closer = &System{}

// NewSystem creates a System provider. If externallySynchronized is true, the provider does not lock
// internally and the consumer must guarantee it is only used from one goroutine at a time.
func NewSystem(externallySynchronized bool) *System {
	return &System{
		mutex: utils.OptionalMutex{UseMutex: !externallySynchronized},
	}
}

func (s *System) Malloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, errors.Newf("invalid allocation size %d", size)
	}
	if size == 0 {
		return nil, nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	b, err := s.allocator.Malloc(size)
	if err != nil {
		return nil, outOfMemory(err, size)
	}
	return b, nil
}

func (s *System) Calloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, errors.Newf("invalid allocation size %d", size)
	}
	if size == 0 {
		return nil, nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	b, err := s.allocator.Calloc(size)
	if err != nil {
		return nil, outOfMemory(err, size)
	}
	return b, nil
}

func (s *System) Realloc(b []byte, size int) ([]byte, error) {
	if size < 0 {
		return nil, errors.Newf("invalid allocation size %d", size)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if size == 0 {
		if b != nil {
			return nil, s.allocator.Free(b)
		}
		return nil, nil
	}

	r, err := s.allocator.Realloc(b, size)
	if err != nil {
		return nil, outOfMemory(err, size)
	}
	return r, nil
}

func (s *System) Free(b []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.allocator.Free(b)
}

// Close returns every block still allocated to the operating system. Blocks handed out by this provider
// must not be used afterward.
func (s *System) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.allocator.Close()
}

func outOfMemory(err error, size int) error {
	return errors.Mark(errors.Wrapf(err, "failed to map %d bytes", size), memutils.ErrOutOfMemory)
}
