package heap

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/ermalloc/internal/utils"
	"github.com/vkngwrapper/ermalloc/memutils"
)

const (
	// DefaultChunkSize is the size of the chunks an Arena requests when none is specified
	DefaultChunkSize = 1 << 20
	arenaAlignment   = 16
)

type arenaChunk struct {
	data     []byte
	metadata tlsf
}

type arenaBlock struct {
	chunk  *arenaChunk
	offset int
	// dedicated is set for blocks too large to share a chunk
	dedicated []byte
}

// Arena is a Provider that carves small blocks out of large chunks obtained from another Provider,
// placing them with a two-level segregated fit. Requests larger than half a chunk are passed straight
// through to the wrapped provider. Every block is aligned to 16 bytes.
type Arena struct {
	mutex     utils.OptionalMutex
	provider  Provider
	chunkSize int

	chunks         []*arenaChunk
	blocks         *swiss.Map[uintptr, arenaBlock]
	dedicatedBytes int
}

var _ Provider = &Arena{}
var _ Closer = &Arena{}

// NewArena wraps provider, requesting chunks of chunkSize bytes from it. A chunkSize of 0 selects
// DefaultChunkSize. If externallySynchronized is true, the arena does not lock internally.
func NewArena(provider Provider, chunkSize int, externallySynchronized bool) (*Arena, error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < 2*arenaAlignment || chunkSize%arenaAlignment != 0 {
		return nil, errors.Newf("arena chunk size %d must be a multiple of %d and at least %d", chunkSize, arenaAlignment, 2*arenaAlignment)
	}

	return &Arena{
		mutex:     utils.OptionalMutex{UseMutex: !externallySynchronized},
		provider:  provider,
		chunkSize: chunkSize,
		blocks:    swiss.NewMap[uintptr, arenaBlock](42),
	}, nil
}

func address(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

func (a *Arena) Malloc(size int) ([]byte, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocate(size, false)
}

func (a *Arena) Calloc(size int) ([]byte, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocate(size, true)
}

func (a *Arena) allocate(size int, zeroed bool) ([]byte, error) {
	if size < 0 {
		return nil, errors.Newf("invalid allocation size %d", size)
	}
	if size == 0 {
		return nil, nil
	}

	if size > a.chunkSize/2 {
		return a.allocateDedicated(size, zeroed)
	}

	reserved := memutils.AlignUp(size, arenaAlignment)
	for _, chunk := range a.chunks {
		offset, ok := chunk.metadata.alloc(reserved)
		if ok {
			return a.place(chunk, offset, size, zeroed), nil
		}
	}

	data, err := a.provider.Malloc(a.chunkSize)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to obtain a %d byte chunk", a.chunkSize)
	}

	chunk := &arenaChunk{data: data}
	chunk.metadata.init(len(data))
	a.chunks = append(a.chunks, chunk)

	offset, ok := chunk.metadata.alloc(reserved)
	if !ok {
		panic("a fresh chunk could not hold a block of half its size")
	}
	return a.place(chunk, offset, size, zeroed), nil
}

func (a *Arena) place(chunk *arenaChunk, offset, size int, zeroed bool) []byte {
	b := chunk.data[offset : offset+size : offset+size]
	if zeroed {
		clear(b)
	}

	a.blocks.Put(address(b), arenaBlock{chunk: chunk, offset: offset})
	memutils.DebugValidate(a)
	return b
}

func (a *Arena) allocateDedicated(size int, zeroed bool) ([]byte, error) {
	var b []byte
	var err error
	if zeroed {
		b, err = a.provider.Calloc(size)
	} else {
		b, err = a.provider.Malloc(size)
	}
	if err != nil {
		return nil, err
	}

	a.blocks.Put(address(b), arenaBlock{dedicated: b})
	a.dedicatedBytes += len(b)
	return b, nil
}

func (a *Arena) lookup(b []byte) (arenaBlock, error) {
	block, ok := a.blocks.Get(address(b))
	if !ok {
		return block, errors.Newf("block at 0x%x was not allocated by this arena", address(b))
	}
	return block, nil
}

// Realloc keeps a block in place when its size stays within the same 16-byte granule. Otherwise the
// contents move to a new block and the old one is released.
func (a *Arena) Realloc(b []byte, size int) ([]byte, error) {
	if size < 0 {
		return nil, errors.Newf("invalid allocation size %d", size)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if b == nil {
		return a.allocate(size, false)
	}

	block, err := a.lookup(b)
	if err != nil {
		return nil, err
	}

	if size == 0 {
		return nil, a.release(b, block)
	}

	if block.chunk != nil && size <= a.chunkSize/2 {
		reserved, _ := block.chunk.metadata.blockSize(block.offset)
		if reserved == memutils.AlignUp(size, arenaAlignment) {
			return block.chunk.data[block.offset : block.offset+size : block.offset+size], nil
		}
	}

	r, err := a.allocate(size, false)
	if err != nil {
		return nil, err
	}
	copy(r, b)

	err = a.release(b, block)
	if err != nil {
		return nil, errors.CombineErrors(err, a.release(r, a.mustLookup(r)))
	}
	return r, nil
}

func (a *Arena) mustLookup(b []byte) arenaBlock {
	block, err := a.lookup(b)
	if err != nil {
		panic(err)
	}
	return block
}

func (a *Arena) Free(b []byte) error {
	if b == nil {
		return nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	block, err := a.lookup(b)
	if err != nil {
		return err
	}
	return a.release(b, block)
}

func (a *Arena) release(b []byte, block arenaBlock) error {
	if block.chunk == nil {
		err := a.provider.Free(block.dedicated)
		if err != nil {
			return err
		}
		a.blocks.Delete(address(b))
		a.dedicatedBytes -= len(block.dedicated)
		return nil
	}

	err := block.chunk.metadata.free(block.offset)
	if err != nil {
		return err
	}
	a.blocks.Delete(address(b))

	if block.chunk.metadata.empty() {
		err = a.trimChunks(block.chunk)
	}

	memutils.DebugValidate(a)
	return err
}

// trimChunks returns an empty chunk to the wrapped provider unless it is the only empty chunk left
func (a *Arena) trimChunks(emptied *arenaChunk) error {
	var emptyCount int
	for _, chunk := range a.chunks {
		if chunk.metadata.empty() {
			emptyCount++
		}
	}
	if emptyCount < 2 {
		return nil
	}

	err := a.provider.Free(emptied.data)
	if err != nil {
		return err
	}

	for i, chunk := range a.chunks {
		if chunk == emptied {
			a.chunks = append(a.chunks[:i], a.chunks[i+1:]...)
			break
		}
	}
	return nil
}

// Close returns every chunk and every dedicated block to the wrapped provider, then closes it if it
// can be closed. Blocks handed out by this arena must not be used afterward.
func (a *Arena) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var err error
	a.blocks.Iter(func(_ uintptr, block arenaBlock) bool {
		if block.chunk == nil {
			err = errors.CombineErrors(err, a.provider.Free(block.dedicated))
		}
		return false
	})
	for _, chunk := range a.chunks {
		err = errors.CombineErrors(err, a.provider.Free(chunk.data))
	}

	a.chunks = nil
	a.blocks = swiss.NewMap[uintptr, arenaBlock](42)
	a.dedicatedBytes = 0

	if closer, ok := a.provider.(Closer); ok {
		err = errors.CombineErrors(err, closer.Close())
	}
	return err
}

// Statistics describes the arena's chunks and dedicated blocks as blocks, and the blocks it has handed
// out as regions. Region bytes include alignment padding.
func (a *Arena) Statistics() memutils.Statistics {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats memutils.Statistics
	for _, chunk := range a.chunks {
		stats.BlockCount++
		stats.BlockBytes += chunk.metadata.size
		stats.RegionCount += chunk.metadata.allocCount
		stats.RegionBytes += chunk.metadata.size - chunk.metadata.sumFreeSize()
	}

	dedicatedCount := a.blocks.Count()
	for _, chunk := range a.chunks {
		dedicatedCount -= chunk.metadata.allocCount
	}
	stats.BlockCount += dedicatedCount
	stats.BlockBytes += a.dedicatedBytes
	stats.RegionCount += dedicatedCount
	stats.RegionBytes += a.dedicatedBytes

	return stats
}

func (a *Arena) Validate() error {
	var chunkAllocs int
	for i, chunk := range a.chunks {
		if chunk.metadata.size != len(chunk.data) {
			return errors.Newf("chunk %d is %d bytes but its metadata covers %d", i, len(chunk.data), chunk.metadata.size)
		}

		err := chunk.metadata.Validate()
		if err != nil {
			return errors.Wrapf(err, "chunk %d", i)
		}
		chunkAllocs += chunk.metadata.allocCount
	}

	var err error
	var indexed, dedicatedBytes int
	a.blocks.Iter(func(_ uintptr, block arenaBlock) bool {
		if block.chunk == nil {
			dedicatedBytes += len(block.dedicated)
			return false
		}

		indexed++
		if _, ok := block.chunk.metadata.blockSize(block.offset); !ok {
			err = errors.Newf("block at offset %d is indexed but its chunk has no allocation there", block.offset)
			return true
		}
		return false
	})
	if err != nil {
		return err
	}

	if indexed != chunkAllocs {
		return errors.Newf("%d chunk blocks are indexed but the chunks hold %d allocations", indexed, chunkAllocs)
	}
	if dedicatedBytes != a.dedicatedBytes {
		return errors.Newf("dedicated blocks add up to %d bytes but %d are recorded", dedicatedBytes, a.dedicatedBytes)
	}

	return nil
}

// WriteJSON adds a map of the arena's chunks to a json object
func (a *Arena) WriteJSON(json *jwriter.ObjectState) {
	stats := a.Statistics()

	a.mutex.Lock()
	defer a.mutex.Unlock()

	json.Name("ChunkSize").Int(a.chunkSize)
	json.Name("Blocks").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("Allocations").Int(stats.RegionCount)
	json.Name("AllocationBytes").Int(stats.RegionBytes)
	json.Name("DedicatedBytes").Int(a.dedicatedBytes)

	chunks := json.Name("Chunks").Array()
	defer chunks.End()

	for _, chunk := range a.chunks {
		chunkObj := chunks.Object()
		chunkObj.Name("Size").Int(chunk.metadata.size)
		chunkObj.Name("Allocations").Int(chunk.metadata.allocCount)
		chunkObj.Name("UnusedBytes").Int(chunk.metadata.sumFreeSize())

		var unusedRanges int
		chunk.metadata.visit(func(offset, size int, free bool) {
			if free {
				unusedRanges++
			}
		})
		chunkObj.Name("UnusedRanges").Int(unusedRanges)
		chunkObj.End()
	}
}
