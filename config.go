package ermalloc

import (
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/kelseyhightower/envconfig"
	"github.com/vkngwrapper/ermalloc/erm"
	"github.com/vkngwrapper/ermalloc/heap"
	"github.com/vkngwrapper/ermalloc/memutils/policy"
	"golang.org/x/exp/slog"
)

const envPrefix = "ERMALLOC"

const (
	ProviderSystem = "system"
	ProviderGo     = "go"
	ProviderArena  = "arena"
)

// Config controls the process-wide allocator. Every field can be overridden from the environment with
// the ERMALLOC_ prefix, e.g. ERMALLOC_REPLICAS=5.
type Config struct {
	// Provider selects the raw memory provider: "system" maps memory outside of the Go heap, "go"
	// allocates from it, and "arena" suballocates small blocks from large system-mapped chunks
	Provider string `envconfig:"PROVIDER"`
	// ArenaChunkSize is the size of the chunks requested by the arena provider. 0 selects the default.
	ArenaChunkSize int `envconfig:"ARENA_CHUNK_SIZE"`
	// HeapLimit caps the number of raw bytes live at once. 0 means no limit.
	HeapLimit int `envconfig:"HEAP_LIMIT"`
	// Replicas is the number of copies kept by Redundancy policies that do not specify one
	Replicas int `envconfig:"REPLICAS"`
	// ExternallySynchronized disables internal locking. Only safe when a single goroutine allocates.
	ExternallySynchronized bool `envconfig:"EXTERNALLY_SYNCHRONIZED"`
	// LogLevel is one of debug, info, warn or error
	LogLevel string `envconfig:"LOG_LEVEL"`
	// LogFormat is text or json
	LogFormat string `envconfig:"LOG_FORMAT"`
}

// DefaultConfig is the configuration used before environment overrides are applied
var DefaultConfig = Config{
	Provider:  ProviderSystem,
	Replicas:  policy.DefaultReplicas,
	LogLevel:  "warn",
	LogFormat: "text",
}

// LoadConfig applies environment overrides to DefaultConfig and validates the result
func LoadConfig() (Config, error) {
	conf := DefaultConfig
	if err := envconfig.Process(envPrefix, &conf); err != nil {
		return conf, errors.Wrap(err, "failed to read allocator configuration from the environment")
	}

	return conf, conf.Validate()
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Provider) {
	case ProviderSystem, ProviderGo, ProviderArena:
	default:
		return errors.Newf("unknown memory provider %q", c.Provider)
	}

	if c.ArenaChunkSize < 0 || c.ArenaChunkSize%16 != 0 {
		return errors.Newf("arena chunk size %d must be a non-negative multiple of 16", c.ArenaChunkSize)
	}

	if c.HeapLimit < 0 {
		return errors.Newf("heap limit %d is negative", c.HeapLimit)
	}

	if c.Replicas < 2 || c.Replicas > policy.MaxReplicas {
		return errors.Newf("replica count must be between 2 and %d, but %d was configured", policy.MaxReplicas, c.Replicas)
	}

	_, err := c.level()
	if err != nil {
		return err
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return errors.Newf("unknown log format %q", c.LogFormat)
	}

	return nil
}

func (c Config) level() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}

	return 0, errors.Newf("unknown log level %q", c.LogLevel)
}

// NewLogger builds the logger described by the configuration, writing to w
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := c.level()
	if err != nil {
		return nil, err
	}

	options := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.LogFormat) == "json" {
		return slog.New(slog.NewJSONHandler(w, options)), nil
	}
	return slog.New(slog.NewTextHandler(w, options)), nil
}

// NewProvider builds the raw memory provider described by the configuration
func (c Config) NewProvider() (heap.Provider, error) {
	var provider heap.Provider
	switch strings.ToLower(c.Provider) {
	case ProviderGo:
		provider = heap.NewGo()
	case ProviderArena:
		arena, err := heap.NewArena(heap.NewSystem(c.ExternallySynchronized), c.ArenaChunkSize, c.ExternallySynchronized)
		if err != nil {
			return nil, err
		}
		provider = arena
	default:
		provider = heap.NewSystem(c.ExternallySynchronized)
	}

	if c.HeapLimit > 0 {
		provider = heap.NewLimited(provider, c.HeapLimit)
	}

	return provider, nil
}

// NewAllocator builds an allocator from the configuration. The provider is returned alongside it so the
// caller can close it once the allocator has been destroyed.
func (c Config) NewAllocator(logger *slog.Logger) (*erm.Allocator, heap.Provider, error) {
	err := c.Validate()
	if err != nil {
		return nil, nil, err
	}

	var flags erm.CreateFlags
	if c.ExternallySynchronized {
		flags |= erm.AllocatorCreateExternallySynchronized
	}

	provider, err := c.NewProvider()
	if err != nil {
		return nil, nil, err
	}

	allocator, err := erm.New(logger, provider, erm.CreateOptions{
		Flags:             flags,
		DefaultRedundancy: c.Replicas,
	})
	if err != nil {
		return nil, nil, err
	}

	return allocator, provider, nil
}
