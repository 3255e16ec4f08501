package erm

// AllocateBlockCallback is called after the allocator obtains the raw block behind a tracked region
type AllocateBlockCallback func(
	allocator *Allocator,
	ptr Pointer,
	size int,
	userData interface{},
)

// FreeBlockCallback is called after the allocator releases the raw block behind a tracked region
type FreeBlockCallback func(
	allocator *Allocator,
	ptr Pointer,
	size int,
	userData interface{},
)

type MemoryCallbackOptions struct {
	Allocate AllocateBlockCallback
	Free     FreeBlockCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Allocator *Allocator
}

func (c *memoryCallbacks) Allocate(
	ptr Pointer,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Allocator, ptr, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(
	ptr Pointer,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Allocator, ptr, size, c.Callbacks.UserData)
	}
}
