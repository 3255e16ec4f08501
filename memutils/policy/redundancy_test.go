package policy_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/ermalloc/memutils"
	"github.com/vkngwrapper/ermalloc/memutils/policy"
)

func redundantBlock(t *testing.T, p policy.Redundancy, data []byte) (policy.List, policy.Layout, []byte) {
	list, err := policy.List{p}.Prepare(policy.DefaultReplicas)
	require.NoError(t, err)

	layout, err := list.Layout(len(data))
	require.NoError(t, err)

	block := make([]byte, layout.PhysicalSize)
	copy(block, data)
	list.Initialize(block, layout)

	return list, layout, block
}

func TestRedundancyInitializeReplicates(t *testing.T) {
	data := []byte("hello world")
	_, _, block := redundantBlock(t, policy.Redundancy{}, data)

	require.Len(t, block, 3*len(data))
	for replica := 0; replica < 3; replica++ {
		require.Equal(t, data, block[replica*len(data):(replica+1)*len(data)])
	}
}

func TestRedundancySingleReplicaCorrection(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	size := len(data)

	for replica := 0; replica < 3; replica++ {
		list, layout, block := redundantBlock(t, policy.Redundancy{}, data)
		block[replica*size+9] ^= 0x40

		require.True(t, list.Corrupted(block, layout))
		result := list.VerifyAndCorrect(block, layout)
		require.Equal(t, policy.Result{ErrorsFound: 1, ErrorsCorrected: 1}, result)
		require.True(t, result.Recoverable())
		require.Equal(t, data, block[:size])

		// A second pass has nothing left to do
		require.Equal(t, policy.Result{}, list.VerifyAndCorrect(block, layout))
		require.False(t, list.Corrupted(block, layout))
	}
}

func TestRedundancyCountsPositionsNotBits(t *testing.T) {
	data := make([]byte, 200)
	list, layout, block := redundantBlock(t, policy.Redundancy{}, data)

	// Every bit in one position, plus positions in two different scan chunks of different replicas
	block[0] = 0xFF
	block[200+70] = 0x01
	block[400+199] = 0x80

	result := list.VerifyAndCorrect(block, layout)
	require.Equal(t, policy.Result{ErrorsFound: 3, ErrorsCorrected: 3}, result)
	require.Equal(t, make([]byte, 600), block)
}

func TestRedundancyUnrecoverable(t *testing.T) {
	data := []byte{10, 20, 30, 40}
	list, layout, block := redundantBlock(t, policy.Redundancy{}, data)

	// Two replicas disagree with the original and with each other
	block[4+1] = 21
	block[8+1] = 22

	result := list.VerifyAndCorrect(block, layout)
	require.Equal(t, policy.Result{ErrorsFound: 1, ErrorsUnrecoverable: 1}, result)
	require.False(t, result.Recoverable())

	// Replicas are left alone so the verdict is stable
	require.Equal(t, []byte{10, 20, 30, 40, 10, 21, 30, 40, 10, 22, 30, 40}, block)
	require.Equal(t, result, list.VerifyAndCorrect(block, layout))
}

func TestRedundancyTwoReplicasDetectOnly(t *testing.T) {
	data := []byte{1, 2, 3}
	list, layout, block := redundantBlock(t, policy.Redundancy{Replicas: 2}, data)

	block[3+2] = 9
	result := list.VerifyAndCorrect(block, layout)
	require.Equal(t, policy.Result{ErrorsFound: 1, ErrorsUnrecoverable: 1}, result)
	require.Equal(t, []byte{1, 2, 3, 1, 2, 9}, block)
}

func TestRedundancyThreshold(t *testing.T) {
	data := []byte{7}

	// 3 of 5 agree: enough for the default threshold of 3
	list, layout, block := redundantBlock(t, policy.Redundancy{Replicas: 5}, data)
	block[1] = 8
	block[2] = 9
	result := list.VerifyAndCorrect(block, layout)
	require.Equal(t, policy.Result{ErrorsFound: 1, ErrorsCorrected: 1}, result)
	require.Equal(t, []byte{7, 7, 7, 7, 7}, block)

	// With a threshold of 4, the same corruption cannot be trusted
	list, layout, block = redundantBlock(t, policy.Redundancy{Replicas: 5, Threshold: 4}, data)
	block[1] = 8
	block[2] = 9
	result = list.VerifyAndCorrect(block, layout)
	require.Equal(t, policy.Result{ErrorsFound: 1, ErrorsUnrecoverable: 1}, result)

	// A majority that excludes replica 0 still wins
	list, layout, block = redundantBlock(t, policy.Redundancy{Replicas: 5, Threshold: 4}, data)
	block[0] = 1
	result = list.VerifyAndCorrect(block, layout)
	require.Equal(t, policy.Result{ErrorsFound: 1, ErrorsCorrected: 1}, result)
	require.Equal(t, []byte{7, 7, 7, 7, 7}, block)
}

func TestRedundancySegments(t *testing.T) {
	segments := policy.Redundancy{Replicas: 2, Threshold: 2}.Segments(1, 8)
	require.Equal(t, []policy.Segment{
		{Policy: 1, Kind: policy.KindRedundancy, Role: policy.RoleData, Offset: 0, Size: 8},
		{Policy: 1, Kind: policy.KindRedundancy, Role: policy.RoleReplica, Offset: 8, Size: 8},
	}, segments)
	require.Equal(t, "Redundancy/Replica[8:16]", segments[1].String())
}

func TestRedundancySpanMismatchPanics(t *testing.T) {
	require.Panics(t, func() {
		policy.Redundancy{Replicas: 3, Threshold: 2}.Initialize(make([]byte, 10), 4)
	})
}

func TestEntries(t *testing.T) {
	list, err := policy.FromEntries(
		policy.Entry{Kind: policy.KindNone},
		policy.Entry{Kind: policy.KindRedundancy, Data: uint32(5)},
	)
	require.NoError(t, err)
	require.Equal(t, policy.List{policy.None{}, policy.Redundancy{Replicas: 5}}, list)

	_, err = policy.FromEntries(policy.Entry{Kind: policy.Kind(42)})
	require.True(t, errors.Is(err, memutils.ErrInvalidPolicy))

	_, err = policy.FromEntries(policy.Entry{Kind: policy.KindRedundancy, Data: "three"})
	require.True(t, errors.Is(err, memutils.ErrInvalidPolicy))

	_, err = policy.FromEntries(
		policy.Entry{Kind: policy.KindNone},
		policy.Entry{Kind: policy.KindNone},
		policy.Entry{Kind: policy.KindNone},
		policy.Entry{Kind: policy.KindNone},
	)
	require.True(t, errors.Is(err, memutils.ErrInvalidPolicy))

	require.Equal(t, "Unknown", policy.Kind(42).String())
	require.False(t, policy.Kind(42).Valid())
}

func TestParseList(t *testing.T) {
	list, err := policy.ParseList("redundancy:5/4, none")
	require.NoError(t, err)
	require.Equal(t, policy.List{policy.Redundancy{Replicas: 5, Threshold: 4}, policy.None{}}, list)

	list, err = policy.ParseList("red")
	require.NoError(t, err)
	require.Equal(t, policy.List{policy.Redundancy{}}, list)

	list, err = policy.ParseList("")
	require.NoError(t, err)
	require.Empty(t, list)

	_, err = policy.ParseList("parity")
	require.True(t, errors.Is(err, memutils.ErrInvalidPolicy))

	_, err = policy.ParseList("redundancy:x")
	require.True(t, errors.Is(err, memutils.ErrInvalidPolicy))
}
