package erm

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/ermalloc/heap"
	"github.com/vkngwrapper/ermalloc/memutils"
	"github.com/vkngwrapper/ermalloc/memutils/policy"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator and all records created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// goroutine at a time or are synchronized by some other mechanism, but performance may improve because
	// internal mutexes are not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	AllocatorCreateExternallySynchronized: "AllocatorCreateExternallySynchronized",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for flag := CreateFlags(1); flag != 0 && flag <= f; flag <<= 1 {
		if f&flag == 0 {
			continue
		}

		name, ok := createFlagsMapping[flag]
		if !ok {
			name = "Unknown"
		}
		names = append(names, name)
	}
	return strings.Join(names, "|")
}

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// DefaultRedundancy is the number of replicas used by Redundancy policies that do not specify one.
	// It defaults to policy.DefaultReplicas.
	DefaultRedundancy int

	// MemoryCallbackOptions is an optional set of callbacks that will be executed whenever this allocator
	// obtains or releases the raw block behind a tracked region. Plain allocations never trigger them.
	MemoryCallbackOptions *MemoryCallbackOptions
}

// New creates a new Allocator
//
// logger - Receives debug output for every tracked operation and errors that occur during cleanup
//
// provider - The raw memory provider that tracked regions and plain allocations are carved from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, provider heap.Provider, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		return nil, errors.New("attempted to create an allocator with a nil logger")
	}
	if provider == nil {
		return nil, errors.New("attempted to create an allocator with a nil memory provider")
	}

	defaultRedundancy := options.DefaultRedundancy
	if defaultRedundancy == 0 {
		defaultRedundancy = policy.DefaultReplicas
	}
	if defaultRedundancy < 2 || defaultRedundancy > policy.MaxReplicas {
		return nil, errors.Wrapf(memutils.ErrInvalidPolicy, "default redundancy must be between 2 and %d replicas, but %d was requested", policy.MaxReplicas, defaultRedundancy)
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		useMutex:          useMutex,
		logger:            logger,
		provider:          provider,
		createFlags:       options.Flags,
		defaultRedundancy: defaultRedundancy,
	}
	allocator.callbacks = memoryCallbacks{
		Callbacks: options.MemoryCallbackOptions,
		Allocator: allocator,
	}
	allocator.statsMutex.UseMutex = useMutex
	allocator.registry.Init(useMutex)

	logger.Debug("Allocator::New",
		slog.String("Flags", options.Flags.String()),
		slog.Int("DefaultRedundancy", defaultRedundancy),
	)

	return allocator, nil
}
