package policy

import (
	"bytes"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/ermalloc/memutils"
)

const (
	// DefaultReplicas is the number of copies a Redundancy policy keeps when none is specified
	DefaultReplicas = 3
	// MaxReplicas is the largest number of copies a Redundancy policy may keep
	MaxReplicas = 16

	// scanChunk is the number of bytes compared at once while looking for disagreeing replicas
	scanChunk = 64
)

// Redundancy stores Replicas full copies of the inner region back to back, replica i starting at offset
// i*inner. A position is repaired when at least Threshold replicas agree on its value.
//
// With three replicas and the default threshold this is triple modular redundancy: any single corrupted
// replica is corrected. With two replicas, corruption can be detected but never corrected.
type Redundancy struct {
	// Replicas is the total number of copies, including the one callers read and write. 0 selects the
	// allocator's default.
	Replicas int
	// Threshold is the number of replicas that must agree on a value for it to be trusted. 0 selects
	// a strict majority. Values below a strict majority are rejected.
	Threshold int
}

var _ Policy = Redundancy{}

func (p Redundancy) Kind() Kind { return KindRedundancy }

func (p Redundancy) String() string {
	return fmt.Sprintf("Redundancy(%d/%d)", p.Threshold, p.Replicas)
}

func (p Redundancy) normalize(defaultReplicas int) Policy {
	if p.Replicas == 0 {
		p.Replicas = defaultReplicas
	}
	if p.Threshold == 0 {
		p.Threshold = p.Replicas/2 + 1
	}
	return p
}

func (p Redundancy) validate() error {
	if p.Replicas < 2 || p.Replicas > MaxReplicas {
		return errors.Wrapf(memutils.ErrInvalidPolicy, "redundancy requires between 2 and %d replicas, but %d were requested", MaxReplicas, p.Replicas)
	}

	if p.Threshold <= p.Replicas/2 || p.Threshold > p.Replicas {
		return errors.Wrapf(memutils.ErrInvalidPolicy, "redundancy threshold %d is not a strict majority of %d replicas", p.Threshold, p.Replicas)
	}

	return nil
}

func (p Redundancy) PhysicalSize(inner int) (int, error) {
	return memutils.CheckedMul(inner, p.Replicas, "redundant layout size")
}

func (p Redundancy) Segments(index, inner int) []Segment {
	segments := make([]Segment, 0, p.Replicas)
	segments = append(segments, Segment{Policy: index, Kind: KindRedundancy, Role: RoleData, Offset: 0, Size: inner})
	for replica := 1; replica < p.Replicas; replica++ {
		segments = append(segments, Segment{
			Policy: index,
			Kind:   KindRedundancy,
			Role:   RoleReplica,
			Offset: replica * inner,
			Size:   inner,
		})
	}
	return segments
}

func (p Redundancy) Initialize(span []byte, inner int) {
	checkSpan(KindRedundancy, span, inner*p.Replicas)

	data := span[:inner]
	for replica := 1; replica < p.Replicas; replica++ {
		copy(span[replica*inner:(replica+1)*inner], data)
	}
}

func (p Redundancy) Corrupted(span []byte, inner int) bool {
	checkSpan(KindRedundancy, span, inner*p.Replicas)

	data := span[:inner]
	for replica := 1; replica < p.Replicas; replica++ {
		if !bytes.Equal(data, span[replica*inner:(replica+1)*inner]) {
			return true
		}
	}

	return false
}

func (p Redundancy) VerifyAndCorrect(span []byte, inner int) Result {
	var result Result
	if !p.Corrupted(span, inner) {
		return result
	}

	for start := 0; start < inner; start += scanChunk {
		end := min(start+scanChunk, inner)
		if p.chunkAgrees(span, inner, start, end) {
			continue
		}

		for position := start; position < end; position++ {
			p.vote(span, inner, position, &result)
		}
	}

	return result
}

func (p Redundancy) chunkAgrees(span []byte, inner, start, end int) bool {
	data := span[start:end]
	for replica := 1; replica < p.Replicas; replica++ {
		offset := replica * inner
		if !bytes.Equal(data, span[offset+start:offset+end]) {
			return false
		}
	}

	return true
}

// vote resolves a single logical byte position across every replica
func (p Redundancy) vote(span []byte, inner, position int, result *Result) {
	var values [MaxReplicas]byte
	agree := true
	for replica := 0; replica < p.Replicas; replica++ {
		values[replica] = span[replica*inner+position]
		if values[replica] != values[0] {
			agree = false
		}
	}

	if agree {
		return
	}

	result.ErrorsFound++

	winner := values[0]
	winnerCount := 0
	for candidate := 0; candidate < p.Replicas; candidate++ {
		count := 0
		for replica := 0; replica < p.Replicas; replica++ {
			if values[replica] == values[candidate] {
				count++
			}
		}

		if count > winnerCount {
			winner = values[candidate]
			winnerCount = count
		}
	}

	if winnerCount < p.Threshold {
		// No trustworthy value: leave every replica as it is so the verdict persists
		result.ErrorsUnrecoverable++
		return
	}

	for replica := 0; replica < p.Replicas; replica++ {
		span[replica*inner+position] = winner
	}
	result.ErrorsCorrected++
}
