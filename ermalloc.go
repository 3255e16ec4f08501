// Package ermalloc exposes a process-wide fault-tolerant allocator. Tracked regions are allocated with a
// list of policies, such as redundant replicas, and can later be scanned for corruption and repaired in
// place with EnforcePolicies. The plain family (Malloc, Calloc, Realloc, Free) passes straight through to
// the underlying memory provider.
//
// The allocator is created on first use from LoadConfig and torn down at process exit when the program
// exits through github.com/tebeka/atexit, or explicitly with Shutdown.
package ermalloc

import (
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/tebeka/atexit"
	"github.com/vkngwrapper/ermalloc/erm"
	"github.com/vkngwrapper/ermalloc/heap"
	"github.com/vkngwrapper/ermalloc/memutils/policy"
	"golang.org/x/exp/slog"
)

// ErrShutdown is returned once the process-wide allocator has been shut down
var ErrShutdown = errors.New("the process allocator has been shut down")

type process struct {
	load func() (Config, error)
	// exitHook registers shutdown with atexit once the allocator exists
	exitHook bool

	once      sync.Once
	mutex     sync.Mutex
	logger    *slog.Logger
	allocator *erm.Allocator
	provider  heap.Provider
	err       error
	closed    bool
}

var std = &process{load: LoadConfig, exitHook: true}

// setup runs at most once, with mutex held and before any shutdown
func (p *process) setup() {
	conf, err := p.load()
	if err != nil {
		p.err = err
		return
	}

	logger, err := conf.NewLogger(os.Stderr)
	if err != nil {
		p.err = err
		return
	}

	allocator, provider, err := conf.NewAllocator(logger)
	if err != nil {
		p.err = err
		return
	}

	p.logger = logger
	p.allocator = allocator
	p.provider = provider

	if p.exitHook {
		atexit.Register(func() {
			_ = p.shutdown()
		})
	}
}

func (p *process) get() (*erm.Allocator, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return nil, ErrShutdown
	}

	p.once.Do(p.setup)
	return p.allocator, p.err
}

func (p *process) shutdown() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.allocator == nil {
		return nil
	}

	err := p.allocator.Destroy()
	if closer, ok := p.provider.(heap.Closer); ok {
		err = errors.CombineErrors(err, closer.Close())
	}

	if err != nil {
		p.logger.Error("error attempting to tear down the process allocator", slog.Any("error", err))
	}
	return err
}

// Default returns the process-wide allocator, creating it on first use. Creation registers an atexit
// handler that releases every tracked region.
func Default() (*erm.Allocator, error) {
	return std.get()
}

// Shutdown releases every tracked region and the memory provider behind them. Every later call into
// this package fails with ErrShutdown. Calling Shutdown more than once does nothing.
func Shutdown() error {
	return std.shutdown()
}

// Malloc allocates an untracked block
func Malloc(size int) ([]byte, error) {
	allocator, err := Default()
	if err != nil {
		return nil, err
	}
	return allocator.Malloc(size)
}

// Calloc allocates an untracked, zeroed block of nmemb*size bytes
func Calloc(nmemb, size int) ([]byte, error) {
	allocator, err := Default()
	if err != nil {
		return nil, err
	}
	return allocator.Calloc(nmemb, size)
}

// Realloc resizes an untracked block
func Realloc(b []byte, size int) ([]byte, error) {
	allocator, err := Default()
	if err != nil {
		return nil, err
	}
	return allocator.Realloc(b, size)
}

// ReallocArray resizes an untracked block to nmemb*size bytes
func ReallocArray(b []byte, nmemb, size int) ([]byte, error) {
	allocator, err := Default()
	if err != nil {
		return nil, err
	}
	return allocator.ReallocArray(b, nmemb, size)
}

// Free releases an untracked block
func Free(b []byte) error {
	allocator, err := Default()
	if err != nil {
		return err
	}
	return allocator.FreePlain(b)
}

// ErMalloc allocates a tracked region protected by policies
func ErMalloc(size int, policies policy.List) (erm.Pointer, error) {
	allocator, err := Default()
	if err != nil {
		return erm.Null, err
	}
	return allocator.Allocate(size, policies)
}

// ErCalloc allocates a zeroed tracked region of nmemb*size bytes protected by policies
func ErCalloc(nmemb, size int, policies policy.List) (erm.Pointer, error) {
	allocator, err := Default()
	if err != nil {
		return erm.Null, err
	}
	return allocator.AllocateZeroed(nmemb, size, policies)
}

// ErFree releases a tracked region
func ErFree(ptr erm.Pointer) error {
	allocator, err := Default()
	if err != nil {
		return err
	}
	return allocator.Free(ptr)
}

// ErRealloc resizes a tracked region and applies policies to it. See erm.Allocator.Resize.
func ErRealloc(ptr erm.Pointer, size int, policies policy.List) (erm.Pointer, error) {
	allocator, err := Default()
	if err != nil {
		return erm.Null, err
	}
	return allocator.Resize(ptr, size, policies)
}

// ErReallocArray resizes a tracked region to nmemb*size bytes
func ErReallocArray(ptr erm.Pointer, nmemb, size int, policies policy.List) (erm.Pointer, error) {
	allocator, err := Default()
	if err != nil {
		return erm.Null, err
	}
	return allocator.ResizeArray(ptr, nmemb, size, policies)
}

// ChangePolicies replaces the policies protecting a tracked region without changing its size. ptr stays
// valid.
func ChangePolicies(ptr erm.Pointer, policies policy.List) error {
	allocator, err := Default()
	if err != nil {
		return err
	}
	return allocator.ChangePolicies(ptr, policies)
}

// EnforcePolicies scans a tracked region and corrects what it can. It returns 0 for a consistent region,
// the number of corrected errors, or erm.Unrecoverable.
func EnforcePolicies(ptr erm.Pointer) (int, error) {
	allocator, err := Default()
	if err != nil {
		return 0, err
	}
	return allocator.Enforce(ptr)
}

// ReadBuf enforces a tracked region's policies and copies len(dst) bytes from offset into dst
func ReadBuf(ptr erm.Pointer, dst []byte, offset int) (int, error) {
	allocator, err := Default()
	if err != nil {
		return 0, err
	}
	return allocator.ReadAt(ptr, dst, offset)
}

// WriteBuf enforces a tracked region's policies, copies src into it at offset and re-establishes its
// policies. It returns erm.Unrecoverable without writing if the region cannot be recovered.
func WriteBuf(ptr erm.Pointer, src []byte, offset int) (int, error) {
	allocator, err := Default()
	if err != nil {
		return 0, err
	}
	return allocator.WriteAt(ptr, src, offset)
}

// Bytes returns the logical bytes of a tracked region for direct access. Call SetupPolicies after
// writing through it.
func Bytes(ptr erm.Pointer) ([]byte, error) {
	allocator, err := Default()
	if err != nil {
		return nil, err
	}
	return allocator.Bytes(ptr)
}

// SetupPolicies re-establishes a tracked region's policies over its current contents
func SetupPolicies(ptr erm.Pointer) error {
	allocator, err := Default()
	if err != nil {
		return err
	}
	return allocator.Sync(ptr)
}
