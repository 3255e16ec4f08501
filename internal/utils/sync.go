package utils

import (
	"sync"
)

// OptionalMutex is a sync.Mutex that only locks when UseMutex is set. Objects owned by an allocator
// created as externally synchronized leave it unset, and the consumer is responsible for serializing
// access instead.
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

// OptionalRWMutex is the sync.RWMutex counterpart of OptionalMutex
type OptionalRWMutex struct {
	Mutex    sync.RWMutex
	UseMutex bool
}

func (m *OptionalRWMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.UseMutex {
		m.Mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.UseMutex {
		m.Mutex.RUnlock()
	}
}

// WithLock runs fn while holding the write lock and returns its result
func WithLock[T any](m *OptionalRWMutex, fn func() T) T {
	m.Lock()
	defer m.Unlock()

	return fn()
}

// WithRLock runs fn while holding the read lock and returns its result
func WithRLock[T any](m *OptionalRWMutex, fn func() T) T {
	m.RLock()
	defer m.RUnlock()

	return fn()
}
