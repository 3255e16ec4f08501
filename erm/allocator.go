package erm

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/ermalloc/heap"
	"github.com/vkngwrapper/ermalloc/internal/utils"
	"github.com/vkngwrapper/ermalloc/memutils"
	"github.com/vkngwrapper/ermalloc/memutils/policy"
	"golang.org/x/exp/slog"
)

// Unrecoverable is returned from Enforce when at least one position in the region had no value that
// enough replicas agreed on. The region remains allocated and usable, but its contents cannot be trusted.
const Unrecoverable = -1

// Allocator hands out tracked regions protected by fault-tolerance policies, alongside a plain family
// of calls that pass straight through to the memory provider.
type Allocator struct {
	useMutex          bool
	logger            *slog.Logger
	provider          heap.Provider
	createFlags       CreateFlags
	defaultRedundancy int
	callbacks         memoryCallbacks

	registry registry

	statsMutex   utils.OptionalMutex
	enforceStats memutils.EnforceStatistics
}

func (a *Allocator) prepare(policies policy.List) (policy.List, error) {
	return policies.Prepare(a.defaultRedundancy)
}

// Allocate creates a tracked region of size logical bytes protected by policies. The initial contents of
// the region are unspecified, but every policy is established over them, so an immediate Enforce finds no
// errors. An empty policy list still tracks the region, so that policies can be applied later.
//
// A size of 0 allocates nothing and returns Null. The policies are validated regardless.
func (a *Allocator) Allocate(size int, policies policy.List) (Pointer, error) {
	a.logger.Debug("Allocator::Allocate", slog.Int("Size", size), slog.String("Policies", policies.String()))

	if size < 0 {
		return Null, errors.Wrapf(memutils.ErrOverflow, "allocation size %d is negative", size)
	}

	prepared, err := a.prepare(policies)
	if err != nil {
		return Null, err
	}

	if size == 0 {
		return Null, nil
	}

	return a.allocateTracked(size, prepared, false)
}

// AllocateZeroed creates a tracked region of nmemb*size logical bytes, all zero, protected by policies.
// It fails with memutils.ErrOverflow if the total size cannot be represented.
func (a *Allocator) AllocateZeroed(nmemb, size int, policies policy.List) (Pointer, error) {
	a.logger.Debug("Allocator::AllocateZeroed", slog.Int("Count", nmemb), slog.Int("Size", size), slog.String("Policies", policies.String()))

	total, err := memutils.CheckedMul(nmemb, size, "zeroed allocation size")
	if err != nil {
		return Null, err
	}

	prepared, err := a.prepare(policies)
	if err != nil {
		return Null, err
	}

	if total == 0 {
		return Null, nil
	}

	return a.allocateTracked(total, prepared, true)
}

func (a *Allocator) allocateTracked(size int, policies policy.List, zeroed bool) (Pointer, error) {
	layout, err := policies.Layout(size)
	if err != nil {
		return Null, err
	}

	var block []byte
	if zeroed {
		block, err = a.provider.Calloc(layout.PhysicalSize)
	} else {
		block, err = a.provider.Malloc(layout.PhysicalSize)
	}
	if err != nil {
		return Null, errors.Wrapf(err, "failed to obtain a %d-byte block for a %d-byte region", layout.PhysicalSize, size)
	}

	policies.Initialize(block, layout)
	record := newAllocationRecord(a.useMutex, size, policies, layout, block)
	memutils.DebugValidate(record)

	a.registry.mutex.Lock()
	record.pointer = a.registry.issue()
	err = a.registry.insert(record)
	a.registry.mutex.Unlock()

	if err != nil {
		freeErr := a.provider.Free(block)
		if freeErr != nil {
			a.logger.Error("error attempting to free block after failing to register it", slog.Any("error", freeErr))
		}
		return Null, err
	}

	a.callbacks.Allocate(record.pointer, len(block))
	a.logger.Debug("  Allocated tracked region", slog.String("ID", record.id), slog.String("Pointer", record.pointer.String()), slog.Int("PhysicalSize", len(block)))

	return record.pointer, nil
}

// Free releases a tracked region and its raw storage. Freeing Null does nothing. Any other pointer
// that is not currently tracked, including one that has already been freed or one obtained from the
// plain family, fails with memutils.ErrNotTracked.
func (a *Allocator) Free(ptr Pointer) error {
	a.logger.Debug("Allocator::Free", slog.String("Pointer", ptr.String()))

	if ptr == Null {
		return nil
	}

	a.registry.mutex.Lock()
	defer a.registry.mutex.Unlock()

	record, tracked := a.registry.lookup(ptr)
	if !tracked {
		return errors.Wrapf(memutils.ErrNotTracked, "attempted to free %s", ptr)
	}

	// A region whose block the provider refuses stays tracked, so Free can be retried
	err := a.releaseBlock(record)
	if err != nil {
		return err
	}

	a.registry.remove(ptr)
	return nil
}

// releaseBlock returns a record's raw block to the provider
func (a *Allocator) releaseBlock(record *AllocationRecord) error {
	err := a.provider.Free(record.block)
	if err != nil {
		return errors.Wrapf(err, "failed to release the raw block behind %s", record.pointer)
	}

	a.callbacks.Free(record.pointer, len(record.block))
	record.block = nil
	return nil
}

// Resize changes the logical size of a tracked region and applies policies to it. The region's contents
// are recovered through its current policies, the first min(old, new) logical bytes carry over, any growth
// is zeroed and the new policies are established. Pass the region's current policies to resize without
// changing its protection.
//
// The region may move: the returned Pointer replaces ptr, which is no longer tracked once Resize succeeds.
// Resize is all-or-nothing. If the new raw block cannot be obtained, the error satisfies
// errors.Is(err, memutils.ErrOutOfMemory) and the original region is untouched.
//
// Resizing to 0 frees the region and returns Null. Resizing Null allocates a new region.
func (a *Allocator) Resize(ptr Pointer, size int, policies policy.List) (Pointer, error) {
	a.logger.Debug("Allocator::Resize", slog.String("Pointer", ptr.String()), slog.Int("Size", size), slog.String("Policies", policies.String()))

	if ptr == Null {
		return a.Allocate(size, policies)
	}

	if size < 0 {
		return Null, errors.Wrapf(memutils.ErrOverflow, "resize of %s to %d bytes is negative", ptr, size)
	}

	prepared, err := a.prepare(policies)
	if err != nil {
		return Null, err
	}

	if size == 0 {
		err = a.Free(ptr)
		return Null, err
	}

	return a.migrate(ptr, func(record *AllocationRecord) int { return size }, prepared, false)
}

// ResizeArray resizes a tracked region to nmemb*size logical bytes. It fails with memutils.ErrOverflow
// if the total size cannot be represented, and otherwise behaves as Resize.
func (a *Allocator) ResizeArray(ptr Pointer, nmemb, size int, policies policy.List) (Pointer, error) {
	total, err := memutils.CheckedMul(nmemb, size, "array resize")
	if err != nil {
		return Null, err
	}

	return a.Resize(ptr, total, policies)
}

// ChangePolicies replaces the policies protecting a tracked region without changing its logical size.
// The region's contents move to a new raw block, but ptr keeps identifying it: only slices previously
// returned by Bytes are invalidated. On failure nothing changes.
func (a *Allocator) ChangePolicies(ptr Pointer, policies policy.List) error {
	a.logger.Debug("Allocator::ChangePolicies", slog.String("Pointer", ptr.String()), slog.String("Policies", policies.String()))

	prepared, err := a.prepare(policies)
	if err != nil {
		return err
	}

	_, err = a.migrate(ptr, func(record *AllocationRecord) int { return record.size }, prepared, true)
	return err
}

// migrate moves a tracked region to a new raw block laid out for policies. If keepHandle is set the region
// stays registered under ptr, otherwise it is issued a new handle.
func (a *Allocator) migrate(ptr Pointer, sizeOf func(record *AllocationRecord) int, policies policy.List, keepHandle bool) (Pointer, error) {
	a.registry.mutex.Lock()
	defer a.registry.mutex.Unlock()

	record, tracked := a.registry.lookup(ptr)
	if !tracked {
		return Null, errors.Wrapf(memutils.ErrNotTracked, "attempted to migrate %s", ptr)
	}

	size := sizeOf(record)
	layout, err := policies.Layout(size)
	if err != nil {
		return Null, err
	}

	block, err := a.provider.Malloc(layout.PhysicalSize)
	if err != nil {
		return Null, errors.Wrapf(err, "failed to obtain a %d-byte block to migrate %s", layout.PhysicalSize, ptr)
	}

	// The registry write lock excludes every holder of a record lock, so the old block can be read
	// without taking one
	result := policy.Migrate(record.block, record.layout, record.policies, block, layout, policies)

	replacement := record.migrated(size, policies, layout, block)
	if !keepHandle {
		replacement.pointer = a.registry.issue()
	}
	memutils.DebugValidate(replacement)

	err = a.registry.replace(record, replacement)
	if err != nil {
		freeErr := a.provider.Free(block)
		if freeErr != nil {
			a.logger.Error("error attempting to free block after failing to register a migrated region", slog.Any("error", freeErr))
		}
		return Null, err
	}

	a.recordPass(result)
	if !result.Recoverable() {
		a.logger.Warn("migrated a region with unrecoverable corruption",
			slog.String("ID", record.id),
			slog.Int("ErrorsUnrecoverable", result.ErrorsUnrecoverable),
		)
	}

	err = a.releaseBlock(record)
	if err != nil {
		a.logger.Error("error attempting to release the old block after a migration", slog.Any("error", err))
	}
	a.callbacks.Allocate(replacement.pointer, len(block))

	a.logger.Debug("  Migrated tracked region",
		slog.String("ID", replacement.id),
		slog.String("Pointer", replacement.pointer.String()),
		slog.String("Policies", policies.String()),
		slog.Int("ErrorsCorrected", result.ErrorsCorrected),
	)

	return replacement.pointer, nil
}

// withRecord runs fn against the record for ptr while holding the registry's read lock and the record's
// own lock. It fails with memutils.ErrNotTracked if ptr is not tracked.
func (a *Allocator) withRecord(ptr Pointer, fn func(record *AllocationRecord) error) error {
	a.registry.mutex.RLock()
	defer a.registry.mutex.RUnlock()

	record, tracked := a.registry.lookup(ptr)
	if !tracked {
		return errors.Wrapf(memutils.ErrNotTracked, "%s", ptr)
	}

	record.mutex.Lock()
	defer record.mutex.Unlock()

	return fn(record)
}

func (a *Allocator) recordPass(result policy.Result) {
	a.statsMutex.Lock()
	defer a.statsMutex.Unlock()

	a.enforceStats.AddPass(result.ErrorsFound, result.ErrorsCorrected, result.Recoverable())
}

// Enforce verifies every policy protecting a tracked region in list order and corrects what it can.
// It returns 0 if the region was consistent, the number of corrected positions if every error could be
// repaired, or Unrecoverable if at least one position could not be.
func (a *Allocator) Enforce(ptr Pointer) (int, error) {
	result, err := a.EnforceReport(ptr)
	if err != nil {
		return 0, err
	}

	return enforceCount(result), nil
}

func enforceCount(result policy.Result) int {
	if !result.Recoverable() {
		return Unrecoverable
	}
	return result.ErrorsCorrected
}

// EnforceReport behaves as Enforce but returns the full outcome of the pass
func (a *Allocator) EnforceReport(ptr Pointer) (policy.Result, error) {
	a.logger.Debug("Allocator::Enforce", slog.String("Pointer", ptr.String()))

	var result policy.Result
	err := a.withRecord(ptr, func(record *AllocationRecord) error {
		result = record.policies.VerifyAndCorrect(record.block, record.layout)
		return nil
	})
	if err != nil {
		return result, errors.Wrap(err, "attempted to enforce policies")
	}

	a.recordPass(result)
	if !result.Clean() {
		a.logger.Debug("  Enforce found errors",
			slog.Int("ErrorsFound", result.ErrorsFound),
			slog.Int("ErrorsCorrected", result.ErrorsCorrected),
			slog.Int("ErrorsUnrecoverable", result.ErrorsUnrecoverable),
		)
	}

	return result, nil
}

// Corrupted reports whether Enforce would find any errors in a tracked region, without correcting them
func (a *Allocator) Corrupted(ptr Pointer) (bool, error) {
	a.logger.Debug("Allocator::Corrupted", slog.String("Pointer", ptr.String()))

	var corrupted bool
	err := a.withRecord(ptr, func(record *AllocationRecord) error {
		corrupted = record.policies.Corrupted(record.block, record.layout)
		return nil
	})
	return corrupted, err
}

// Bytes returns the logical bytes of a tracked region. Writes through the returned slice are not
// protected until Sync is called: until then, Enforce treats them as corruption. The slice is invalid
// once the region is freed or migrated.
func (a *Allocator) Bytes(ptr Pointer) ([]byte, error) {
	var b []byte
	err := a.withRecord(ptr, func(record *AllocationRecord) error {
		b = record.logical()
		return nil
	})
	return b, err
}

// Sync re-establishes every policy over the current logical bytes of a tracked region, accepting them
// as correct. It must be called after writing to the region through Bytes.
func (a *Allocator) Sync(ptr Pointer) error {
	a.logger.Debug("Allocator::Sync", slog.String("Pointer", ptr.String()))

	return a.withRecord(ptr, func(record *AllocationRecord) error {
		record.policies.Initialize(record.block, record.layout)
		return nil
	})
}

// ReadAt enforces a tracked region's policies, then copies len(dst) logical bytes beginning at offset
// into dst. It returns the same count Enforce would. If the region is Unrecoverable, nothing is copied.
func (a *Allocator) ReadAt(ptr Pointer, dst []byte, offset int) (int, error) {
	a.logger.Debug("Allocator::ReadAt", slog.String("Pointer", ptr.String()), slog.Int("Offset", offset), slog.Int("Length", len(dst)))

	var result policy.Result
	err := a.withRecord(ptr, func(record *AllocationRecord) error {
		err := record.checkRange(offset, len(dst))
		if err != nil {
			return err
		}

		result = record.policies.VerifyAndCorrect(record.block, record.layout)
		if result.Recoverable() {
			copy(dst, record.block[offset:offset+len(dst)])
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	a.recordPass(result)
	return enforceCount(result), nil
}

// WriteAt enforces a tracked region's policies, then copies src into its logical bytes beginning at offset
// and re-establishes every policy. It returns the same count Enforce would. If the region is Unrecoverable,
// nothing is written and the region is left as it was, so the verdict is still visible to the next Enforce.
// Use Bytes and Sync to overwrite a region deliberately.
func (a *Allocator) WriteAt(ptr Pointer, src []byte, offset int) (int, error) {
	a.logger.Debug("Allocator::WriteAt", slog.String("Pointer", ptr.String()), slog.Int("Offset", offset), slog.Int("Length", len(src)))

	var result policy.Result
	err := a.withRecord(ptr, func(record *AllocationRecord) error {
		err := record.checkRange(offset, len(src))
		if err != nil {
			return err
		}

		result = record.policies.VerifyAndCorrect(record.block, record.layout)
		if !result.Recoverable() {
			return nil
		}

		copy(record.block[offset:offset+len(src)], src)
		record.policies.Initialize(record.block, record.layout)
		return nil
	})
	if err != nil {
		return 0, err
	}

	a.recordPass(result)
	if !result.Recoverable() {
		a.logger.Warn("refused to write to a region with unrecoverable corruption",
			slog.String("Pointer", ptr.String()),
			slog.Int("ErrorsUnrecoverable", result.ErrorsUnrecoverable),
		)
	}

	return enforceCount(result), nil
}

// Record returns a snapshot of a tracked region's record
func (a *Allocator) Record(ptr Pointer) (AllocationInfo, bool) {
	var info AllocationInfo
	err := a.withRecord(ptr, func(record *AllocationRecord) error {
		info = record.info()
		return nil
	})
	return info, err == nil
}

// SetName attaches a name to a tracked region, reported by BuildStatsString
func (a *Allocator) SetName(ptr Pointer, name string) error {
	return a.withRecord(ptr, func(record *AllocationRecord) error {
		record.name = name
		return nil
	})
}

// SetUserData attaches arbitrary data to a tracked region
func (a *Allocator) SetUserData(ptr Pointer, userData any) error {
	return a.withRecord(ptr, func(record *AllocationRecord) error {
		record.userData = userData
		return nil
	})
}

// TrackedCount returns the number of regions currently tracked
func (a *Allocator) TrackedCount() int {
	return utils.WithRLock(&a.registry.mutex, a.registry.count)
}

// Validate verifies every record in the registry
func (a *Allocator) Validate() error {
	return utils.WithRLock(&a.registry.mutex, a.registry.Validate)
}

// Destroy frees every tracked region. The allocator can still be used afterward, but every Pointer it
// previously returned is invalid. The provider is not closed.
func (a *Allocator) Destroy() error {
	a.registry.mutex.Lock()
	defer a.registry.mutex.Unlock()

	a.logger.Debug("Allocator::Destroy", slog.Int("TrackedCount", a.registry.count()))

	var err error
	a.registry.visit(func(record *AllocationRecord) bool {
		err = errors.CombineErrors(err, a.releaseBlock(record))
		return true
	})
	a.registry.clear()

	return err
}
