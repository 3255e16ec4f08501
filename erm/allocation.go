package erm

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/rs/xid"
	"github.com/vkngwrapper/ermalloc/internal/utils"
	"github.com/vkngwrapper/ermalloc/memutils"
	"github.com/vkngwrapper/ermalloc/memutils/policy"
)

// Pointer is the handle returned for a tracked region. Handles are issued by the allocator's registry and
// stay valid until the region is freed or resized, so a Pointer can be stored, compared and handed across
// API boundaries without any header attached. Use Allocator.Bytes for the region's addressable memory.
type Pointer uintptr

// Null is the Pointer returned for empty regions
const Null Pointer = 0

func (p Pointer) String() string {
	return fmt.Sprintf("0x%x", uintptr(p))
}

// AllocationRecord holds everything the allocator knows about one tracked region. Records are owned by
// the registry: the raw block belongs to the record for as long as the record is registered.
type AllocationRecord struct {
	mutex utils.OptionalMutex

	id       string
	pointer  Pointer
	size     int
	policies policy.List
	layout   policy.Layout
	block    []byte

	name     string
	userData any
}

var _ memutils.Validatable = &AllocationRecord{}

func newAllocationRecord(useMutex bool, size int, policies policy.List, layout policy.Layout, block []byte) *AllocationRecord {
	return &AllocationRecord{
		mutex:    utils.OptionalMutex{UseMutex: useMutex},
		id:       xid.New().String(),
		size:     size,
		policies: policies,
		layout:   layout,
		block:    block,
	}
}

// migrated builds the record that replaces this one after a migration. Identity, handle and
// caller-provided metadata carry over.
func (r *AllocationRecord) migrated(size int, policies policy.List, layout policy.Layout, block []byte) *AllocationRecord {
	return &AllocationRecord{
		mutex:    utils.OptionalMutex{UseMutex: r.mutex.UseMutex},
		id:       r.id,
		pointer:  r.pointer,
		size:     size,
		policies: policies,
		layout:   layout,
		block:    block,
		name:     r.name,
		userData: r.userData,
	}
}

// Validate verifies that the record's layout agrees with its policies and its raw block
func (r *AllocationRecord) Validate() error {
	err := r.layout.Validate()
	if err != nil {
		return err
	}

	if r.layout.LogicalSize != r.size {
		return errors.Newf("record %s has a logical size of %d, but its layout describes %d logical bytes", r.id, r.size, r.layout.LogicalSize)
	}

	if len(r.block) != r.layout.PhysicalSize {
		return errors.Newf("record %s has a raw block of %d bytes, but its layout requires %d", r.id, len(r.block), r.layout.PhysicalSize)
	}

	if len(r.layout.Spans) != len(r.policies)+1 {
		return errors.Newf("record %s has %d policies, but its layout has %d spans", r.id, len(r.policies), len(r.layout.Spans))
	}

	return nil
}

func (r *AllocationRecord) logical() []byte {
	return r.block[:r.size:r.size]
}

func (r *AllocationRecord) checkRange(offset, length int) error {
	if offset < 0 || length < 0 || offset > r.size-length {
		return errors.Newf("range [%d:%d] lies outside of the %d-byte region at %s", offset, offset+length, r.size, r.pointer)
	}
	return nil
}

func (r *AllocationRecord) info() AllocationInfo {
	return AllocationInfo{
		ID:           r.id,
		Pointer:      r.pointer,
		Size:         r.size,
		PhysicalSize: len(r.block),
		Policies:     append(policy.List(nil), r.policies...),
		Layout:       r.layout,
		Name:         r.name,
		UserData:     r.userData,
	}
}

func (r *AllocationRecord) printParameters(json *jwriter.ObjectState) {
	json.Name("ID").String(r.id)
	json.Name("Pointer").String(r.pointer.String())
	json.Name("Size").Int(r.size)
	json.Name("PhysicalSize").Int(len(r.block))
	json.Name("Policies").String(r.policies.String())

	segments := json.Name("Segments").Array()
	for _, segment := range r.layout.Segments {
		segments.String(segment.String())
	}
	segments.End()

	if r.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", r.userData))
	}

	if r.name != "" {
		json.Name("Name").String(r.name)
	}
}

// AllocationInfo is a snapshot of a tracked region's record
type AllocationInfo struct {
	// ID uniquely identifies the region for its whole lifetime, including across migrations
	ID string
	// Pointer is the region's current handle
	Pointer Pointer
	// Size is the number of logical bytes in the region
	Size int
	// PhysicalSize is the size of the raw block holding the region and its policies
	PhysicalSize int
	// Policies is the normalized policy list in effect
	Policies policy.List
	Layout   policy.Layout

	Name     string
	UserData any
}
