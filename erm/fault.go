package erm

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// InjectFault flips the bits in mask at a physical offset within a tracked region's raw block, bypassing
// every policy. Offsets below the region's logical size land in the logical bytes; later offsets land
// in whatever the policies lay out after them, such as redundant replicas. It exists to exercise
// detection and correction.
func (a *Allocator) InjectFault(ptr Pointer, physicalOffset int, mask byte) error {
	a.logger.Debug("Allocator::InjectFault", slog.String("Pointer", ptr.String()), slog.Int("Offset", physicalOffset), slog.Int("Mask", int(mask)))

	return a.withRecord(ptr, func(record *AllocationRecord) error {
		if physicalOffset < 0 || physicalOffset >= len(record.block) {
			return errors.Newf("offset %d lies outside of the %d-byte raw block at %s", physicalOffset, len(record.block), ptr)
		}

		record.block[physicalOffset] ^= mask
		return nil
	})
}
