package erm

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/ermalloc/heap"
	"github.com/vkngwrapper/ermalloc/memutils"
	"github.com/vkngwrapper/ermalloc/memutils/policy"
	"golang.org/x/exp/slog"
)

func readyAllocator(t testing.TB, options CreateOptions) *Allocator {
	provider := heap.NewSystem(options.Flags&AllocatorCreateExternallySynchronized != 0)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	allocator, err := New(logger, provider, options)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, allocator.Validate())
		require.NoError(t, allocator.Destroy())
		require.NoError(t, provider.Close())
	})

	return allocator
}

// corrupt overwrites one byte of one replica of a region protected by a single Redundancy policy
func corrupt(t testing.TB, allocator *Allocator, ptr Pointer, replica, position int, value byte) {
	record, tracked := allocator.registry.lookup(ptr)
	require.True(t, tracked)
	record.block[replica*record.size+position] = value
}

func replicas(t testing.TB, allocator *Allocator, ptr Pointer) [][]byte {
	record, tracked := allocator.registry.lookup(ptr)
	require.True(t, tracked)

	count := record.layout.PhysicalSize / record.size
	out := make([][]byte, 0, count)
	for replica := 0; replica < count; replica++ {
		out = append(out, record.block[replica*record.size:(replica+1)*record.size])
	}
	return out
}

func pattern(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

// writeAt writes src into a region that is expected to be free of errors
func writeAt(t testing.TB, allocator *Allocator, ptr Pointer, src []byte, offset int) {
	count, err := allocator.WriteAt(ptr, src, offset)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	_, err := New(logger, heap.NewGo(), CreateOptions{DefaultRedundancy: 1})
	require.True(t, errors.Is(err, memutils.ErrInvalidPolicy))

	_, err = New(logger, heap.NewGo(), CreateOptions{DefaultRedundancy: policy.MaxReplicas + 1})
	require.True(t, errors.Is(err, memutils.ErrInvalidPolicy))

	_, err = New(logger, nil, CreateOptions{})
	require.Error(t, err)

	_, err = New(nil, heap.NewGo(), CreateOptions{})
	require.Error(t, err)
}

func TestFreshRegionsEnforceClean(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})

	lists := []policy.List{
		nil,
		{policy.None{}},
		{policy.Redundancy{}},
		{policy.None{}, policy.Redundancy{Replicas: 5}},
		{policy.None{}, policy.None{}, policy.Redundancy{Replicas: 2}},
	}

	for _, list := range lists {
		for _, size := range []int{1, 7, 64, 100, 4096} {
			ptr, err := allocator.Allocate(size, list)
			require.NoError(t, err)
			require.NotEqual(t, Null, ptr)

			count, err := allocator.Enforce(ptr)
			require.NoError(t, err)
			require.Equal(t, 0, count, "list %s size %d", list, size)

			zeroed, err := allocator.AllocateZeroed(size, 3, list)
			require.NoError(t, err)

			count, err = allocator.Enforce(zeroed)
			require.NoError(t, err)
			require.Equal(t, 0, count)

			b, err := allocator.Bytes(zeroed)
			require.NoError(t, err)
			require.Equal(t, make([]byte, size*3), b)

			require.NoError(t, allocator.Free(ptr))
			require.NoError(t, allocator.Free(zeroed))
		}
	}

	require.Equal(t, 0, allocator.TrackedCount())
}

func TestDefaultRedundancyApplies(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{DefaultRedundancy: 5})

	ptr, err := allocator.Allocate(10, policy.List{policy.Redundancy{}})
	require.NoError(t, err)

	info, tracked := allocator.Record(ptr)
	require.True(t, tracked)
	require.Equal(t, policy.List{policy.Redundancy{Replicas: 5, Threshold: 3}}, info.Policies)
	require.Equal(t, 10, info.Size)
	require.Equal(t, 50, info.PhysicalSize)
	require.Equal(t, ptr, info.Pointer)
	require.NotEmpty(t, info.ID)
}

func TestEnforceCorrectsSingleReplica(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})

	data := pattern(32)
	ptr, err := allocator.Allocate(len(data), policy.List{policy.Redundancy{}})
	require.NoError(t, err)
	writeAt(t, allocator, ptr, data, 0)

	for replica := 0; replica < 3; replica++ {
		corrupt(t, allocator, ptr, replica, 5, data[5]^0x10)

		result, err := allocator.EnforceReport(ptr)
		require.NoError(t, err)
		require.Equal(t, policy.Result{ErrorsFound: 1, ErrorsCorrected: 1}, result)

		b, err := allocator.Bytes(ptr)
		require.NoError(t, err)
		require.Equal(t, data, b)

		// A second pass has nothing left to do
		count, err := allocator.Enforce(ptr)
		require.NoError(t, err)
		require.Equal(t, 0, count)
	}

	enforceStats := allocator.EnforceStatistics()
	require.Equal(t, 7, enforceStats.EnforceCount)
	require.Equal(t, 3, enforceStats.ErrorsFound)
	require.Equal(t, 3, enforceStats.ErrorsCorrected)
	require.Equal(t, 0, enforceStats.UnrecoverableVerdicts)
}

func TestEnforceCountsPositions(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})

	data := pattern(200)
	ptr, err := allocator.Allocate(len(data), policy.List{policy.Redundancy{}})
	require.NoError(t, err)
	writeAt(t, allocator, ptr, data, 0)

	corrupt(t, allocator, ptr, 0, 0, 0xFF)
	corrupt(t, allocator, ptr, 1, 100, 0xFF)
	corrupt(t, allocator, ptr, 2, 199, 0xFF)
	corrupt(t, allocator, ptr, 1, 150, 0xEE)

	count, err := allocator.Enforce(ptr)
	require.NoError(t, err)
	require.Equal(t, 4, count)

	for _, replica := range replicas(t, allocator, ptr) {
		require.Equal(t, data, replica)
	}
}

func TestEnforceUnrecoverable(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})

	data := pattern(16)
	ptr, err := allocator.Allocate(len(data), policy.List{policy.Redundancy{}})
	require.NoError(t, err)
	writeAt(t, allocator, ptr, data, 0)

	corrupt(t, allocator, ptr, 1, 3, data[3]^0x01)
	corrupt(t, allocator, ptr, 2, 3, data[3]^0x02)

	corrupted, err := allocator.Corrupted(ptr)
	require.NoError(t, err)
	require.True(t, corrupted)

	count, err := allocator.Enforce(ptr)
	require.NoError(t, err)
	require.Equal(t, Unrecoverable, count)

	// The verdict persists until the data is rewritten
	count, err = allocator.Enforce(ptr)
	require.NoError(t, err)
	require.Equal(t, Unrecoverable, count)

	dst := make([]byte, 4)
	count, err = allocator.ReadAt(ptr, dst, 0)
	require.NoError(t, err)
	require.Equal(t, Unrecoverable, count)
	require.Equal(t, make([]byte, 4), dst)

	// WriteAt will not paper over the damage
	count, err = allocator.WriteAt(ptr, []byte{0x42}, 3)
	require.NoError(t, err)
	require.Equal(t, Unrecoverable, count)

	count, err = allocator.Enforce(ptr)
	require.NoError(t, err)
	require.Equal(t, Unrecoverable, count)

	// Overwriting through Bytes and Sync clears it
	b, err := allocator.Bytes(ptr)
	require.NoError(t, err)
	b[3] = 0x42
	require.NoError(t, allocator.Sync(ptr))

	count, err = allocator.Enforce(ptr)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	require.Equal(t, 5, allocator.EnforceStatistics().UnrecoverableVerdicts)
}

func TestWriteAtLeavesUnrecoverableRegionUntouched(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})

	data := pattern(16)
	ptr, err := allocator.Allocate(len(data), policy.List{policy.Redundancy{}})
	require.NoError(t, err)
	writeAt(t, allocator, ptr, data, 0)

	corrupt(t, allocator, ptr, 0, 10, 0xA0)
	corrupt(t, allocator, ptr, 1, 10, 0xB0)

	// The write targets bytes away from the damaged position
	count, err := allocator.WriteAt(ptr, []byte{0x42}, 0)
	require.NoError(t, err)
	require.Equal(t, Unrecoverable, count)

	stored := replicas(t, allocator, ptr)
	require.Equal(t, data[0], stored[0][0])
	require.Equal(t, byte(0xA0), stored[0][10])
	require.Equal(t, byte(0xB0), stored[1][10])
	require.Equal(t, data[10], stored[2][10])

	count, err = allocator.Enforce(ptr)
	require.NoError(t, err)
	require.Equal(t, Unrecoverable, count)

	corrupted, err := allocator.Corrupted(ptr)
	require.NoError(t, err)
	require.True(t, corrupted)
}

func TestTwoReplicasDetectOnly(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})

	ptr, err := allocator.AllocateZeroed(1, 8, policy.List{policy.Redundancy{Replicas: 2}})
	require.NoError(t, err)

	corrupt(t, allocator, ptr, 1, 0, 0x99)

	count, err := allocator.Enforce(ptr)
	require.NoError(t, err)
	require.Equal(t, Unrecoverable, count)
}

func TestDirectWritesRequireSync(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})

	ptr, err := allocator.AllocateZeroed(1, 8, policy.List{policy.Redundancy{}})
	require.NoError(t, err)

	b, err := allocator.Bytes(ptr)
	require.NoError(t, err)
	copy(b, "abcdefgh")

	corrupted, err := allocator.Corrupted(ptr)
	require.NoError(t, err)
	require.True(t, corrupted)

	require.NoError(t, allocator.Sync(ptr))

	count, err := allocator.Enforce(ptr)
	require.NoError(t, err)
	require.Equal(t, 0, count)
	require.Equal(t, []byte("abcdefgh"), b)

	// Without a sync, the replicas outvote a direct write
	b[0] = 'z'
	count, err = allocator.Enforce(ptr)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, []byte("abcdefgh"), b)
}

func TestReadWriteAt(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})

	ptr, err := allocator.AllocateZeroed(4, 4, policy.List{policy.None{}, policy.Redundancy{}})
	require.NoError(t, err)

	writeAt(t, allocator, ptr, []byte{1, 2, 3}, 13)

	corrupt(t, allocator, ptr, 2, 14, 0xAB)

	dst := make([]byte, 4)
	count, err := allocator.ReadAt(ptr, dst, 12)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, []byte{0, 1, 2, 3}, dst)

	_, err = allocator.ReadAt(ptr, dst, 13)
	require.Error(t, err)
	_, err = allocator.WriteAt(ptr, []byte{1}, -1)
	require.Error(t, err)
	_, err = allocator.WriteAt(ptr, make([]byte, 17), 0)
	require.Error(t, err)

	_, err = allocator.ReadAt(Pointer(12345), dst, 0)
	require.True(t, errors.Is(err, memutils.ErrNotTracked))
}

func TestAllocateZeroSize(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})

	ptr, err := allocator.Allocate(0, policy.List{policy.Redundancy{}})
	require.NoError(t, err)
	require.Equal(t, Null, ptr)
	require.NoError(t, allocator.Free(ptr))

	_, err = allocator.Allocate(0, policy.List{policy.Redundancy{Replicas: 1}})
	require.True(t, errors.Is(err, memutils.ErrInvalidPolicy))

	ptr, err = allocator.AllocateZeroed(0, 100, nil)
	require.NoError(t, err)
	require.Equal(t, Null, ptr)

	require.Equal(t, 0, allocator.TrackedCount())
}

func TestTrackedOperationsRejectUntrackedPointers(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})

	tracked, err := allocator.Allocate(16, nil)
	require.NoError(t, err)
	untracked := tracked + 1

	require.True(t, errors.Is(allocator.Free(untracked), memutils.ErrNotTracked))

	_, err = allocator.Enforce(untracked)
	require.True(t, errors.Is(err, memutils.ErrNotTracked))

	_, err = allocator.Resize(untracked, 32, nil)
	require.True(t, errors.Is(err, memutils.ErrNotTracked))

	err = allocator.ChangePolicies(untracked, policy.List{policy.Redundancy{}})
	require.True(t, errors.Is(err, memutils.ErrNotTracked))

	_, err = allocator.Corrupted(untracked)
	require.True(t, errors.Is(err, memutils.ErrNotTracked))

	require.True(t, errors.Is(allocator.Sync(untracked), memutils.ErrNotTracked))

	_, found := allocator.Record(untracked)
	require.False(t, found)

	require.NoError(t, allocator.Free(tracked))
	require.True(t, errors.Is(allocator.Free(tracked), memutils.ErrNotTracked))
}

func TestAllocateRejectsInvalidPolicies(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})

	_, err := allocator.Allocate(16, policy.List{policy.None{}, policy.None{}, policy.None{}, policy.None{}})
	require.True(t, errors.Is(err, memutils.ErrInvalidPolicy))

	_, err = allocator.Allocate(16, policy.List{policy.Redundancy{}, policy.Redundancy{}})
	require.True(t, errors.Is(err, memutils.ErrInvalidPolicy))

	_, err = allocator.AllocateZeroed(4, 4, policy.List{nil})
	require.True(t, errors.Is(err, memutils.ErrInvalidPolicy))

	require.Equal(t, 0, allocator.TrackedCount())
}

func TestAllocateZeroedOverflow(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})

	_, err := allocator.AllocateZeroed(1<<40, 1<<40, nil)
	require.True(t, errors.Is(err, memutils.ErrOverflow))

	_, err = allocator.Allocate(-1, nil)
	require.True(t, errors.Is(err, memutils.ErrOverflow))

	require.Equal(t, 0, allocator.TrackedCount())
}

func TestRecordMetadata(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})

	ptr, err := allocator.Allocate(8, policy.List{policy.Redundancy{}})
	require.NoError(t, err)
	require.NoError(t, allocator.SetName(ptr, "counters"))
	require.NoError(t, allocator.SetUserData(ptr, 42))

	before, tracked := allocator.Record(ptr)
	require.True(t, tracked)
	require.Equal(t, "counters", before.Name)
	require.Equal(t, 42, before.UserData)
	require.Len(t, before.Layout.Segments, 3)

	moved, err := allocator.Resize(ptr, 64, before.Policies)
	require.NoError(t, err)

	after, tracked := allocator.Record(moved)
	require.True(t, tracked)
	require.Equal(t, before.ID, after.ID)
	require.Equal(t, "counters", after.Name)
	require.Equal(t, 42, after.UserData)
	require.Equal(t, 64, after.Size)
}

func TestMemoryCallbacks(t *testing.T) {
	allocated := map[Pointer]int{}
	freed := map[Pointer]int{}

	allocator := readyAllocator(t, CreateOptions{
		MemoryCallbackOptions: &MemoryCallbackOptions{
			Allocate: func(allocator *Allocator, ptr Pointer, size int, userData interface{}) {
				require.Equal(t, "callbacks", userData)
				allocated[ptr] = size
			},
			Free: func(allocator *Allocator, ptr Pointer, size int, userData interface{}) {
				freed[ptr] = size
			},
			UserData: "callbacks",
		},
	})

	ptr, err := allocator.Allocate(10, policy.List{policy.Redundancy{}})
	require.NoError(t, err)
	require.Equal(t, map[Pointer]int{ptr: 30}, allocated)

	// The old block is released before the new one is reported under the same handle
	require.NoError(t, allocator.ChangePolicies(ptr, nil))
	require.Equal(t, map[Pointer]int{ptr: 30}, freed)
	require.Equal(t, map[Pointer]int{ptr: 10}, allocated)

	moved, err := allocator.Resize(ptr, 20, nil)
	require.NoError(t, err)
	require.NotEqual(t, ptr, moved)
	require.Equal(t, map[Pointer]int{ptr: 10}, freed)
	require.Equal(t, 20, allocated[moved])

	plain, err := allocator.Malloc(100)
	require.NoError(t, err)
	require.NoError(t, allocator.FreePlain(plain))
	require.Len(t, allocated, 2)

	require.NoError(t, allocator.Free(moved))
	require.Equal(t, 20, freed[moved])
}

func TestExternallySynchronized(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Flags: AllocatorCreateExternallySynchronized})
	require.Equal(t, "AllocatorCreateExternallySynchronized", allocator.createFlags.String())

	ptr, err := allocator.AllocateZeroed(1, 24, policy.List{policy.Redundancy{}})
	require.NoError(t, err)

	corrupt(t, allocator, ptr, 0, 23, 0x01)
	count, err := allocator.Enforce(ptr)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestDestroyReleasesEverything(t *testing.T) {
	provider := heap.NewLimited(heap.NewGo(), 1<<20)
	allocator, err := New(slog.New(slog.NewJSONHandler(io.Discard, nil)), provider, CreateOptions{})
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		_, err = allocator.Allocate(i*10, policy.List{policy.Redundancy{}})
		require.NoError(t, err)
	}
	require.Equal(t, 10, provider.Statistics().BlockCount)

	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, allocator.TrackedCount())
	require.Equal(t, memutils.Statistics{}, provider.Statistics())
}

func BenchmarkEnforce(b *testing.B) {
	allocator := readyAllocator(b, CreateOptions{})

	ptr, err := allocator.Allocate(64*1024, policy.List{policy.Redundancy{}})
	require.NoError(b, err)

	b.SetBytes(64 * 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err = allocator.Enforce(ptr)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEnforceCorrecting(b *testing.B) {
	allocator := readyAllocator(b, CreateOptions{})

	ptr, err := allocator.Allocate(64*1024, policy.List{policy.Redundancy{}})
	require.NoError(b, err)

	b.SetBytes(64 * 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		corrupt(b, allocator, ptr, i%3, (i*4099)%(64*1024), byte(i))
		_, err = allocator.Enforce(ptr)
		if err != nil {
			b.Fatal(err)
		}
	}
}
