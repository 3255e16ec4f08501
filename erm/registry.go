package erm

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/ermalloc/internal/utils"
)

// firstHandle is the first Pointer a registry issues. Handles are never reused.
const firstHandle Pointer = 0x1000

// registry maps each tracked Pointer to its record. Every method expects the caller to hold mutex: Lock for
// insert, remove and replace, and at least RLock for everything else. Record-level locks are always taken
// after the registry lock, never before.
type registry struct {
	mutex   utils.OptionalRWMutex
	records *swiss.Map[Pointer, *AllocationRecord]
	next    Pointer
}

func (r *registry) Init(useMutex bool) {
	r.mutex = utils.OptionalRWMutex{UseMutex: useMutex}
	r.records = swiss.NewMap[Pointer, *AllocationRecord](42)
	r.next = firstHandle
}

// issue returns a handle that has never been registered
func (r *registry) issue() Pointer {
	ptr := r.next
	r.next++
	return ptr
}

func (r *registry) insert(record *AllocationRecord) error {
	if record.pointer == Null {
		return errors.Newf("attempted to register record %s without a pointer", record.id)
	}

	if r.records.Has(record.pointer) {
		return errors.Newf("attempted to register record %s at %s, which is already tracked", record.id, record.pointer)
	}

	r.records.Put(record.pointer, record)
	return nil
}

func (r *registry) lookup(ptr Pointer) (*AllocationRecord, bool) {
	if ptr == Null {
		return nil, false
	}
	return r.records.Get(ptr)
}

func (r *registry) remove(ptr Pointer) bool {
	return r.records.Delete(ptr)
}

// replace swaps oldRecord out for newRecord. Both happen under the same write lock, so a concurrent lookup
// sees one or the other.
func (r *registry) replace(oldRecord, newRecord *AllocationRecord) error {
	if !r.records.Delete(oldRecord.pointer) {
		return errors.Newf("attempted to replace record %s at %s, which is not tracked", oldRecord.id, oldRecord.pointer)
	}

	err := r.insert(newRecord)
	if err != nil {
		// Restore the old record so the registry is left as it was
		r.records.Put(oldRecord.pointer, oldRecord)
		return err
	}

	return nil
}

func (r *registry) count() int {
	return r.records.Count()
}

func (r *registry) visit(fn func(record *AllocationRecord) bool) {
	r.records.Iter(func(ptr Pointer, record *AllocationRecord) bool {
		return !fn(record)
	})
}

func (r *registry) clear() {
	r.records = swiss.NewMap[Pointer, *AllocationRecord](42)
}

func (r *registry) Validate() error {
	var err error
	r.records.Iter(func(ptr Pointer, record *AllocationRecord) bool {
		if ptr != record.pointer {
			err = errors.Newf("record %s is registered at %s but holds pointer %s", record.id, ptr, record.pointer)
			return true
		}

		err = record.Validate()
		return err != nil
	})
	return err
}
