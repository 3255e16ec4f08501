package heap

import (
	"fmt"
	"math"
	"math/bits"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
)

const (
	smallBufferSize        = 256
	secondLevelIndex uint8 = 5
	memoryClassShift       = 7
	maxMemoryClasses       = 65 - memoryClassShift
)

var blockPool = sync.Pool{
	New: func() any {
		return &tlsfBlock{}
	},
}

type tlsfBlock struct {
	offset       int
	size         int
	prevPhysical *tlsfBlock
	nextPhysical *tlsfBlock

	prevFree *tlsfBlock
	nextFree *tlsfBlock
}

func (b *tlsfBlock) markFree() {
	b.prevFree = nil
}

func (b *tlsfBlock) markTaken() {
	b.prevFree = b
}

func (b *tlsfBlock) isFree() bool {
	return b.prevFree != b
}

// tlsf tracks the taken and free ranges of a single chunk with a two-level segregated fit. The unused
// space at the end of the chunk is held by the null block, which is never in a free list.
type tlsf struct {
	size int

	allocCount        int
	blocksFreeCount   int
	blocksFreeSize    int
	isFreeBitmap      uint32
	memoryClasses     int
	innerIsFreeBitmap [maxMemoryClasses]uint32

	taken     *swiss.Map[int, *tlsfBlock]
	freeList  []*tlsfBlock
	nullBlock *tlsfBlock
	// headBlock is the block at offset 0
	headBlock *tlsfBlock
}

func (m *tlsf) init(size int) {
	m.size = size
	m.taken = swiss.NewMap[int, *tlsfBlock](42)

	m.nullBlock = m.allocateBlock()
	m.nullBlock.size = size
	m.nullBlock.markFree()
	m.headBlock = m.nullBlock

	memoryClass := sizeToMemoryClass(size)
	sli := sizeToSecondIndex(size, memoryClass)

	listSize := 1
	if memoryClass != 0 {
		listSize = int(memoryClass-1)*(1<<secondLevelIndex) + int(sli+1)
	}
	listSize += 4

	m.memoryClasses = int(memoryClass + 2)
	m.freeList = make([]*tlsfBlock, listSize)
}

func (m *tlsf) allocateBlock() *tlsfBlock {
	b := blockPool.Get().(*tlsfBlock)
	*b = tlsfBlock{}
	return b
}

func (m *tlsf) releaseBlock(b *tlsfBlock) {
	blockPool.Put(b)
}

func sizeToMemoryClass(size int) uint8 {
	if size > smallBufferSize {
		return uint8(63-bits.LeadingZeros64(uint64(size))) - memoryClassShift
	}

	return 0
}

func sizeToSecondIndex(size int, memoryClass uint8) uint16 {
	if memoryClass != 0 {
		mask := uint(1) << secondLevelIndex
		return uint16((uint(size) >> (memoryClass + memoryClassShift - secondLevelIndex)) ^ mask)
	}

	return uint16((size - 1) / 64)
}

func listIndex(memoryClass uint8, secondIndex uint16) int {
	if memoryClass == 0 {
		return int(secondIndex)
	}

	return int(uint32(memoryClass-1)*(1<<secondLevelIndex)+uint32(secondIndex)) + 4
}

func (m *tlsf) sumFreeSize() int {
	return m.blocksFreeSize + m.nullBlock.size
}

func (m *tlsf) empty() bool {
	return m.allocCount == 0
}

// nextListSize is the smallest size whose free list holds only blocks of at least size bytes
func nextListSize(size int) int {
	smallSizeStep := smallBufferSize / 4
	if size > smallBufferSize {
		mostSignificantBit := 63 - bits.LeadingZeros64(uint64(size))
		return size + int(uint(1)<<(mostSignificantBit-int(secondLevelIndex)))
	} else if size > smallBufferSize-smallSizeStep {
		return smallBufferSize + 1
	}

	return size + smallSizeStep
}

// alloc reserves size bytes and returns their offset, or false if no free range is large enough
func (m *tlsf) alloc(size int) (int, bool) {
	if size < 1 || size > m.sumFreeSize() {
		return 0, false
	}

	block := m.search(size)
	if block == nil {
		return 0, false
	}

	m.take(block, size)
	return block.offset, true
}

func (m *tlsf) search(size int) *tlsfBlock {
	if m.blocksFreeCount > 0 {
		block := m.findFreeBlock(nextListSize(size))
		if block != nil {
			return block
		}
	}

	if m.nullBlock.size >= size {
		return m.nullBlock
	}

	for block := m.findFreeBlock(size); block != nil; block = block.nextFree {
		if block.size >= size {
			return block
		}
	}

	return nil
}

func (m *tlsf) findFreeBlock(size int) *tlsfBlock {
	memoryClass := sizeToMemoryClass(size)
	if int(memoryClass) >= maxMemoryClasses {
		return nil
	}
	innerFreeMap := m.innerIsFreeBitmap[memoryClass] & (math.MaxUint32 << sizeToSecondIndex(size, memoryClass))

	if innerFreeMap == 0 {
		freeMap := m.isFreeBitmap & (math.MaxUint32 << (memoryClass + 1))
		if freeMap == 0 {
			return nil
		}

		memoryClass = uint8(bits.TrailingZeros32(freeMap))
		innerFreeMap = m.innerIsFreeBitmap[memoryClass]
		if innerFreeMap == 0 {
			panic("free bitmap is in an invalid state")
		}
	}

	index := listIndex(memoryClass, uint16(bits.TrailingZeros32(innerFreeMap)))
	if m.freeList[index] == nil {
		panic(fmt.Sprintf("free list index %d was listed as having free blocks, but no blocks were in the free list", index))
	}

	return m.freeList[index]
}

func (m *tlsf) take(block *tlsfBlock, size int) {
	if block != m.nullBlock {
		m.removeFreeBlock(block)
	}

	if block.size == size {
		if block == m.nullBlock {
			m.nullBlock = m.allocateBlock()
			m.nullBlock.offset = block.offset + size
			m.nullBlock.prevPhysical = block
			m.nullBlock.markFree()
			block.nextPhysical = m.nullBlock
			block.markTaken()
		}
	} else {
		rest := m.allocateBlock()
		rest.size = block.size - size
		rest.offset = block.offset + size
		rest.prevPhysical = block
		rest.nextPhysical = block.nextPhysical
		block.nextPhysical = rest
		block.size = size

		if block == m.nullBlock {
			m.nullBlock = rest
			m.nullBlock.markFree()
			block.markTaken()
		} else {
			rest.nextPhysical.prevPhysical = rest
			rest.markTaken()
			m.insertFreeBlock(rest)
		}
	}

	m.taken.Put(block.offset, block)
	m.allocCount++
}

// blockSize returns the number of bytes reserved at offset
func (m *tlsf) blockSize(offset int) (int, bool) {
	block, ok := m.taken.Get(offset)
	if !ok {
		return 0, false
	}
	return block.size, true
}

func (m *tlsf) free(offset int) error {
	block, ok := m.taken.Get(offset)
	if !ok {
		return errors.Errorf("no block is allocated at offset %d", offset)
	}
	m.taken.Delete(offset)
	m.allocCount--

	next := block.nextPhysical
	prev := block.prevPhysical
	if prev != nil && prev.isFree() {
		m.removeFreeBlock(prev)
		m.mergeBlock(block, prev)
	}

	if !next.isFree() {
		m.insertFreeBlock(block)
	} else if next == m.nullBlock {
		m.mergeBlock(m.nullBlock, block)
	} else {
		m.removeFreeBlock(next)
		m.mergeBlock(next, block)
		m.insertFreeBlock(next)
	}

	return nil
}

func (m *tlsf) removeFreeBlock(block *tlsfBlock) {
	if block == m.nullBlock {
		panic("cannot remove the null block")
	}
	if !block.isFree() {
		panic("provided block is not free")
	}

	if block.nextFree != nil {
		block.nextFree.prevFree = block.prevFree
	}
	if block.prevFree != nil {
		block.prevFree.nextFree = block.nextFree
	} else {
		memClass := sizeToMemoryClass(block.size)
		secondIndex := sizeToSecondIndex(block.size, memClass)
		index := listIndex(memClass, secondIndex)

		if m.freeList[index] != block {
			panic("block was not in the free list at the expected location")
		}
		m.freeList[index] = block.nextFree
		if block.nextFree == nil {
			m.innerIsFreeBitmap[memClass] &= ^(uint32(1) << secondIndex)
			if m.innerIsFreeBitmap[memClass] == 0 {
				m.isFreeBitmap &= ^(uint32(1) << memClass)
			}
		}
	}

	block.markTaken()
	block.nextFree = nil
	m.blocksFreeCount--
	m.blocksFreeSize -= block.size
}

func (m *tlsf) insertFreeBlock(block *tlsfBlock) {
	if block == m.nullBlock {
		panic("cannot insert the null block")
	}
	if block.isFree() {
		panic("block is already free")
	}

	memClass := sizeToMemoryClass(block.size)
	secondIndex := sizeToSecondIndex(block.size, memClass)
	index := listIndex(memClass, secondIndex)

	if index >= len(m.freeList) {
		panic("invalid free list index found for block")
	}

	block.prevFree = nil
	block.nextFree = m.freeList[index]
	m.freeList[index] = block
	if block.nextFree != nil {
		block.nextFree.prevFree = block
	} else {
		m.innerIsFreeBitmap[memClass] |= uint32(1) << secondIndex
		m.isFreeBitmap |= uint32(1) << memClass
	}
	m.blocksFreeCount++
	m.blocksFreeSize += block.size
}

// mergeBlock folds prev into block. prev must immediately precede block and be out of the free lists.
func (m *tlsf) mergeBlock(block *tlsfBlock, prev *tlsfBlock) {
	if block.prevPhysical != prev {
		panic("cannot merge separate physical regions")
	}
	if prev.isFree() {
		panic("cannot merge a block that belongs to the free list")
	}

	block.offset = prev.offset
	block.size += prev.size
	block.prevPhysical = prev.prevPhysical
	if block.prevPhysical != nil {
		block.prevPhysical.nextPhysical = block
	} else {
		m.headBlock = block
	}

	m.releaseBlock(prev)
}

// visit walks every range of the chunk in address order, free ranges included
func (m *tlsf) visit(fn func(offset, size int, free bool)) {
	for block := m.headBlock; block != nil; block = block.nextPhysical {
		if block == m.nullBlock && block.size == 0 {
			continue
		}
		fn(block.offset, block.size, block.isFree())
	}
}

func (m *tlsf) Validate() error {
	if m.sumFreeSize() > m.size {
		return errors.New("invalid metadata free size")
	}

	var freeListCount int
	for index := 0; index < len(m.freeList); index++ {
		block := m.freeList[index]
		if block == nil {
			continue
		}

		if block.prevFree != nil {
			return errors.Errorf("block at offset %d is the head of a free list but has a previous block", block.offset)
		}

		for ; block != nil; block = block.nextFree {
			if !block.isFree() {
				return errors.Errorf("block at offset %d is in the free list but is not free", block.offset)
			}
			if block.nextFree != nil && block.nextFree.prevFree != block {
				return errors.Errorf("block at offset %d lists the block at offset %d as its next block, but the reverse reference is broken", block.offset, block.nextFree.offset)
			}
			freeListCount++
		}
	}

	if m.nullBlock.nextPhysical != nil {
		return errors.New("null block must be the tail of its physical block chain")
	}

	calculatedSize := m.nullBlock.size
	calculatedFreeSize := m.nullBlock.size
	nextOffset := m.nullBlock.offset
	var allocCount, freeCount int

	for prev := m.nullBlock.prevPhysical; prev != nil; prev = prev.prevPhysical {
		if prev.offset+prev.size != nextOffset {
			return errors.Errorf("physical block at offset %d does not end at the next block's start offset", prev.offset)
		}
		if prev.nextPhysical == nil || prev.nextPhysical.prevPhysical != prev {
			return errors.Errorf("block at offset %d has a next physical block, but the reverse reference is broken", prev.offset)
		}

		nextOffset = prev.offset
		calculatedSize += prev.size

		if prev.isFree() {
			freeCount++
			calculatedFreeSize += prev.size
		} else {
			allocCount++
			if _, ok := m.taken.Get(prev.offset); !ok {
				return errors.Errorf("taken block at offset %d is missing from the offset index", prev.offset)
			}
		}
	}

	switch {
	case nextOffset != 0:
		return errors.Errorf("the first physical block should have an offset of 0, but instead it has an offset of %d", nextOffset)
	case calculatedSize != m.size:
		return errors.Errorf("the full size of the chunk is %d, but the blocks only added up to %d", m.size, calculatedSize)
	case calculatedFreeSize != m.sumFreeSize():
		return errors.Errorf("the free size of the chunk is %d, but the free blocks only added up to %d", m.sumFreeSize(), calculatedFreeSize)
	case freeListCount != freeCount || freeCount != m.blocksFreeCount:
		return errors.Errorf("free block counts disagree: %d in the free lists, %d in the physical chain, %d recorded", freeListCount, freeCount, m.blocksFreeCount)
	case allocCount != m.allocCount || allocCount != m.taken.Count():
		return errors.Errorf("the allocation count of the chunk is %d, but the taken blocks added up to %d", m.allocCount, allocCount)
	}

	return nil
}
