package memutils

import "math"

// Statistics summarizes a set of regions. Block values describe raw storage obtained from the memory
// provider, Region values describe the logical bytes visible to callers.
type Statistics struct {
	BlockCount  int
	RegionCount int
	BlockBytes  int
	RegionBytes int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.RegionCount = 0
	s.BlockBytes = 0
	s.RegionBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.RegionCount += other.RegionCount
	s.BlockBytes += other.BlockBytes
	s.RegionBytes += other.RegionBytes
}

// Overhead returns the number of raw bytes spent on policies rather than logical data
func (s *Statistics) Overhead() int {
	return s.BlockBytes - s.RegionBytes
}

type DetailedStatistics struct {
	Statistics
	ProtectedRegionCount int
	RegionSizeMin        int
	RegionSizeMax        int
	BlockSizeMin         int
	BlockSizeMax         int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.ProtectedRegionCount = 0
	s.RegionSizeMin = math.MaxInt
	s.RegionSizeMax = 0
	s.BlockSizeMin = math.MaxInt
	s.BlockSizeMax = 0
}

// AddRegion records one tracked region of regionSize logical bytes backed by a raw block of blockSize bytes.
// protected indicates whether any policy beyond the identity layout applies to the region.
func (s *DetailedStatistics) AddRegion(regionSize, blockSize int, protected bool) {
	s.BlockCount++
	s.BlockBytes += blockSize
	s.RegionCount++
	s.RegionBytes += regionSize

	if protected {
		s.ProtectedRegionCount++
	}

	if regionSize < s.RegionSizeMin {
		s.RegionSizeMin = regionSize
	}

	if regionSize > s.RegionSizeMax {
		s.RegionSizeMax = regionSize
	}

	if blockSize < s.BlockSizeMin {
		s.BlockSizeMin = blockSize
	}

	if blockSize > s.BlockSizeMax {
		s.BlockSizeMax = blockSize
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.ProtectedRegionCount += other.ProtectedRegionCount

	if other.RegionSizeMin < s.RegionSizeMin {
		s.RegionSizeMin = other.RegionSizeMin
	}

	if other.RegionSizeMax > s.RegionSizeMax {
		s.RegionSizeMax = other.RegionSizeMax
	}

	if other.BlockSizeMin < s.BlockSizeMin {
		s.BlockSizeMin = other.BlockSizeMin
	}

	if other.BlockSizeMax > s.BlockSizeMax {
		s.BlockSizeMax = other.BlockSizeMax
	}
}

// EnforceStatistics accumulates the outcome of every enforce pass an allocator has run
type EnforceStatistics struct {
	EnforceCount          int
	ErrorsFound           int
	ErrorsCorrected       int
	UnrecoverableVerdicts int
}

func (s *EnforceStatistics) Clear() {
	s.EnforceCount = 0
	s.ErrorsFound = 0
	s.ErrorsCorrected = 0
	s.UnrecoverableVerdicts = 0
}

func (s *EnforceStatistics) AddPass(found, corrected int, recoverable bool) {
	s.EnforceCount++
	s.ErrorsFound += found
	s.ErrorsCorrected += corrected
	if !recoverable {
		s.UnrecoverableVerdicts++
	}
}
