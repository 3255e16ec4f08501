package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/ermalloc/internal/utils"
	"github.com/vkngwrapper/ermalloc/memutils"
)

// Limited wraps another Provider and refuses any request that would take the number of live bytes
// above a fixed limit. Refusals are reported as memutils.ErrOutOfMemory, exactly as if the wrapped
// provider had been exhausted.
type Limited struct {
	mutex    utils.OptionalMutex
	provider Provider
	limit    int
	stats    memutils.Statistics
}

var _ Provider = &Limited{}

// NewLimited wraps provider with a budget of limit bytes
func NewLimited(provider Provider, limit int) *Limited {
	return &Limited{
		mutex:    utils.OptionalMutex{UseMutex: true},
		provider: provider,
		limit:    limit,
	}
}

func (l *Limited) reserve(delta int) error {
	if delta > 0 && l.stats.BlockBytes+delta > l.limit {
		return errors.Wrapf(memutils.ErrOutOfMemory, "allocating %d bytes would exceed the heap limit of %d bytes (%d in use)", delta, l.limit, l.stats.BlockBytes)
	}
	return nil
}

func (l *Limited) Malloc(size int) ([]byte, error) {
	return l.allocate(size, l.provider.Malloc)
}

func (l *Limited) Calloc(size int) ([]byte, error) {
	return l.allocate(size, l.provider.Calloc)
}

func (l *Limited) allocate(size int, allocate func(int) ([]byte, error)) ([]byte, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	err := l.reserve(size)
	if err != nil {
		return nil, err
	}

	b, err := allocate(size)
	if err != nil || b == nil {
		return b, err
	}

	l.stats.BlockCount++
	l.stats.BlockBytes += len(b)
	return b, nil
}

func (l *Limited) Realloc(b []byte, size int) ([]byte, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	err := l.reserve(size - len(b))
	if err != nil {
		return nil, err
	}

	r, err := l.provider.Realloc(b, size)
	if err != nil {
		return nil, err
	}

	if b != nil {
		l.stats.BlockCount--
		l.stats.BlockBytes -= len(b)
	}
	if r != nil {
		l.stats.BlockCount++
		l.stats.BlockBytes += len(r)
	}
	return r, nil
}

func (l *Limited) Free(b []byte) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	err := l.provider.Free(b)
	if err != nil {
		return err
	}

	if b != nil {
		l.stats.BlockCount--
		l.stats.BlockBytes -= len(b)
	}
	return nil
}

// Close closes the wrapped provider, if it can be closed
func (l *Limited) Close() error {
	closer, ok := l.provider.(Closer)
	if !ok {
		return nil
	}
	return closer.Close()
}

// Limit returns the number of bytes this provider may have live at once
func (l *Limited) Limit() int { return l.limit }

// Statistics returns the number and size of the blocks currently live
func (l *Limited) Statistics() memutils.Statistics {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.stats
}

// WriteJSON adds this provider's budget to a json object
func (l *Limited) WriteJSON(json *jwriter.ObjectState) {
	stats := l.Statistics()
	json.Name("Limit").Int(l.limit)
	json.Name("Blocks").Int(stats.BlockCount)
	json.Name("UsedBytes").Int(stats.BlockBytes)
	json.Name("AvailableBytes").Int(l.limit - stats.BlockBytes)
}
