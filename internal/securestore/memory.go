package securestore

import (
	"sort"
	"strings"
	"sync"
)

// InMemoryBackend implements Backend with in-memory storage.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryBackend struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewInMemoryBackend creates a new in-memory backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		data: make(map[string][]byte),
	}
}

// Put stores a value under a key.
func (b *InMemoryBackend) Put(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	// Store a copy to prevent external mutation
	v := make([]byte, len(value))
	copy(v, value)
	b.data[key] = v
	return nil
}

// Get retrieves the value for a key.
func (b *InMemoryBackend) Get(key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}

	value, ok := b.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	v := make([]byte, len(value))
	copy(v, value)
	return v, nil
}

// Delete removes a key.
func (b *InMemoryBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	delete(b.data, key)
	return nil
}

// Keys returns all keys with the given prefix in lexicographic order.
func (b *InMemoryBackend) Keys(prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}

	var keys []string
	for k := range b.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// WriteBatch applies all puts under a single lock acquisition.
func (b *InMemoryBackend) WriteBatch(puts map[string][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	for key, value := range puts {
		v := make([]byte, len(value))
		copy(v, value)
		b.data[key] = v
	}
	return nil
}

// Close marks the backend closed. Data is retained so that tests can
// reopen a logical "restart" by constructing new stores over the same
// backend before closing it.
func (b *InMemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
