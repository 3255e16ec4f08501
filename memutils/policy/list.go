package policy

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/ermalloc/memutils"
)

// List is an ordered set of policies applied to a single region. Policies compose in list order: the
// first policy protects the logical region, and each later policy protects the span produced by every
// policy before it. An empty list applies no protection.
type List []Policy

// Layout describes the physical structure of a region's raw storage under a particular List
type Layout struct {
	// LogicalSize is the number of bytes visible to callers
	LogicalSize int
	// PhysicalSize is the number of raw bytes required to hold the region and its policies
	PhysicalSize int
	// Spans holds, for each policy i, the size of the region policy i protects at index i and the
	// size of the span it produces at index i+1. Spans[0] is always LogicalSize and the final entry is
	// always PhysicalSize.
	Spans []int
	// Segments lists every byte range laid out by the policies, in list order
	Segments []Segment
}

// Validate verifies that the layout is internally consistent
func (l Layout) Validate() error {
	if len(l.Spans) == 0 {
		return errors.New("layout has no spans")
	}
	if l.Spans[0] != l.LogicalSize {
		return errors.Newf("layout's first span is %d bytes, but its logical size is %d", l.Spans[0], l.LogicalSize)
	}
	if l.Spans[len(l.Spans)-1] != l.PhysicalSize {
		return errors.Newf("layout's last span is %d bytes, but its physical size is %d", l.Spans[len(l.Spans)-1], l.PhysicalSize)
	}

	for index, segment := range l.Segments {
		if segment.Offset < 0 || segment.Size < 0 || segment.Offset+segment.Size > l.PhysicalSize {
			return errors.Newf("segment %d (%s) lies outside of the %d-byte physical layout", index, segment, l.PhysicalSize)
		}
	}

	return nil
}

// Prepare checks the structure of the list, fills in configuration defaults and validates the
// resulting configuration. defaultReplicas is used for Redundancy entries that do not specify a replica
// count. Every error returned wraps memutils.ErrInvalidPolicy.
func (l List) Prepare(defaultReplicas int) (List, error) {
	if len(l) > MaxPolicies {
		return nil, errors.Wrapf(memutils.ErrInvalidPolicy, "%d policies were provided, but at most %d may be applied to a region", len(l), MaxPolicies)
	}

	prepared := make(List, 0, len(l))
	redundancyCount := 0
	for index, p := range l {
		if p == nil {
			return nil, errors.Wrapf(memutils.ErrInvalidPolicy, "policy %d is nil", index)
		}

		if !p.Kind().Valid() {
			return nil, errors.Wrapf(memutils.ErrInvalidPolicy, "policy %d has unknown kind %d", index, p.Kind())
		}

		if p.Kind() == KindRedundancy {
			redundancyCount++
			if redundancyCount > 1 {
				return nil, errors.Wrapf(memutils.ErrInvalidPolicy, "policy %d is a second redundancy policy, but redundancy already covers the whole region", index)
			}
		}

		p = p.normalize(defaultReplicas)
		err := p.validate()
		if err != nil {
			return nil, errors.Wrapf(err, "policy %d", index)
		}

		prepared = append(prepared, p)
	}

	return prepared, nil
}

// Validate checks the list using DefaultReplicas for unspecified replica counts
func (l List) Validate() error {
	_, err := l.Prepare(DefaultReplicas)
	return err
}

// Protected returns true if any policy in the list does more than the identity layout
func (l List) Protected() bool {
	for _, p := range l {
		if p.Kind() != KindNone {
			return true
		}
	}
	return false
}

// Layout composes the physical layout of a region of the provided logical size under every policy in the
// list. The list must have been prepared.
func (l List) Layout(logicalSize int) (Layout, error) {
	if logicalSize < 0 {
		return Layout{}, errors.Newf("logical size %d is negative", logicalSize)
	}

	layout := Layout{
		LogicalSize: logicalSize,
		Spans:       make([]int, 0, len(l)+1),
	}
	layout.Spans = append(layout.Spans, logicalSize)

	inner := logicalSize
	for index, p := range l {
		outer, err := p.PhysicalSize(inner)
		if err != nil {
			return Layout{}, err
		}

		layout.Segments = append(layout.Segments, p.Segments(index, inner)...)
		layout.Spans = append(layout.Spans, outer)
		inner = outer
	}

	layout.PhysicalSize = inner
	return layout, nil
}

// Initialize establishes every policy's redundant state in list order, treating the first LogicalSize bytes
// of block as correct
func (l List) Initialize(block []byte, layout Layout) {
	checkBlock(block, layout)

	for index, p := range l {
		p.Initialize(block[:layout.Spans[index+1]], layout.Spans[index])
	}
}

// VerifyAndCorrect runs every policy's verification in list order and sums the results
func (l List) VerifyAndCorrect(block []byte, layout Layout) Result {
	checkBlock(block, layout)

	var result Result
	for index, p := range l {
		result.Add(p.VerifyAndCorrect(block[:layout.Spans[index+1]], layout.Spans[index]))
	}
	return result
}

// Corrupted reports whether any policy in the list would find errors in block
func (l List) Corrupted(block []byte, layout Layout) bool {
	checkBlock(block, layout)

	for index, p := range l {
		if p.Corrupted(block[:layout.Spans[index+1]], layout.Spans[index]) {
			return true
		}
	}
	return false
}

// Equal returns true if both lists apply the same policies with the same configuration in the same order
func (l List) Equal(other List) bool {
	if len(l) != len(other) {
		return false
	}

	for index := range l {
		if l[index] != other[index] {
			return false
		}
	}

	return true
}

func (l List) String() string {
	if len(l) == 0 {
		return "[]"
	}

	names := make([]string, 0, len(l))
	for _, p := range l {
		if p == nil {
			names = append(names, "<nil>")
			continue
		}
		names = append(names, p.String())
	}
	return "[" + strings.Join(names, ", ") + "]"
}

// Migrate moves a region from one layout to another. The best-known-good logical bytes are first recovered
// from oldBlock by running oldList's verification over it, then copied into newBlock. Bytes past the end of
// the old logical region are zeroed, and finally newList's redundant state is established.
//
// The returned Result is the outcome of the recovery pass. If it is not recoverable, the bytes that were
// carried over are best-effort.
func Migrate(oldBlock []byte, oldLayout Layout, oldList List, newBlock []byte, newLayout Layout, newList List) Result {
	result := oldList.VerifyAndCorrect(oldBlock, oldLayout)

	checkBlock(newBlock, newLayout)
	carried := min(oldLayout.LogicalSize, newLayout.LogicalSize)
	copy(newBlock[:carried], oldBlock[:carried])
	clear(newBlock[carried:newLayout.LogicalSize])

	newList.Initialize(newBlock, newLayout)
	return result
}

func checkBlock(block []byte, layout Layout) {
	if len(block) != layout.PhysicalSize {
		panic(fmt.Sprintf("block of %d bytes does not match a layout of %d bytes", len(block), layout.PhysicalSize))
	}
}
