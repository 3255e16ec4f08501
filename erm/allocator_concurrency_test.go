package erm

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/ermalloc/memutils/policy"
)

func TestConcurrentTrackedOperations(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})

	shared, err := allocator.Allocate(4096, policy.List{policy.Redundancy{}})
	require.NoError(t, err)
	sharedData := pattern(4096)
	writeAt(t, allocator, shared, sharedData, 0)

	var wg sync.WaitGroup
	errs := make(chan error, 64)

	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			data := pattern(64 + worker)
			for i := 0; i < 50; i++ {
				ptr, err := allocator.Allocate(len(data), policy.List{policy.Redundancy{}})
				if err != nil {
					errs <- err
					return
				}

				_, err = allocator.WriteAt(ptr, data, 0)
				if err != nil {
					errs <- err
					return
				}

				ptr, err = allocator.Resize(ptr, len(data)*2, policy.List{policy.None{}, policy.Redundancy{Replicas: 5}})
				if err != nil {
					errs <- err
					return
				}

				read := make([]byte, len(data))
				count, err := allocator.ReadAt(ptr, read, 0)
				if err != nil {
					errs <- err
					return
				}
				if count != 0 {
					errs <- errors.Newf("worker %d read a region with %d errors", worker, count)
					return
				}
				if string(read) != string(data) {
					errs <- errors.Newf("worker %d read back corrupted data", worker)
					return
				}

				_, err = allocator.Enforce(shared)
				if err != nil {
					errs <- err
					return
				}

				err = allocator.Free(ptr)
				if err != nil {
					errs <- err
					return
				}
			}
		}(worker)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	b, err := allocator.Bytes(shared)
	require.NoError(t, err)
	require.Equal(t, sharedData, b)
	require.Equal(t, 1, allocator.TrackedCount())
}

func TestConcurrentEnforceSameRegion(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})

	data := pattern(1024)
	ptr, err := allocator.Allocate(len(data), policy.List{policy.Redundancy{}})
	require.NoError(t, err)
	writeAt(t, allocator, ptr, data, 0)

	for position := 0; position < len(data); position += 16 {
		corrupt(t, allocator, ptr, position%3, position, data[position]^0xFF)
	}

	var wg sync.WaitGroup
	counts := make([]int, 16)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			counts[i], _ = allocator.Enforce(ptr)
		}(i)
	}
	wg.Wait()

	// Exactly one pass sees the corruption; the rest find the region already repaired
	total := 0
	for _, count := range counts {
		total += count
	}
	require.Equal(t, len(data)/16, total)

	b, err := allocator.Bytes(ptr)
	require.NoError(t, err)
	require.Equal(t, data, b)
}
