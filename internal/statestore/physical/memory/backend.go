// Package memory provides an in-memory record store for tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/helium-bots/helium/internal/statestore/physical"
)

func init() {
	physical.Register("memory", NewFactory, nil)
}

// NewFactory creates a memory backend. The configuration map is ignored.
func NewFactory(_ context.Context, _ map[string]string) (physical.Backend, error) {
	return New(), nil
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{records: make(map[string][]byte)}
}

// Backend is an in-memory implementation of physical.Backend.
type Backend struct {
	mu      sync.RWMutex
	records map[string][]byte
	closed  bool
}

// Put stores a record.
func (b *Backend) Put(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return physical.ErrClosed
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	b.records[key] = cp
	return nil
}

// Get reads a record.
func (b *Backend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, physical.ErrClosed
	}
	value, ok := b.records[key]
	if !ok {
		return nil, physical.ErrNotFound
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

// Delete removes a record.
func (b *Backend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return physical.ErrClosed
	}
	if _, ok := b.records[key]; !ok {
		return physical.ErrNotFound
	}
	delete(b.records, key)
	return nil
}

// List returns the keys under the given prefix, sorted.
func (b *Backend) List(_ context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, physical.ErrClosed
	}
	var keys []string
	for key := range b.records {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close marks the backend closed and drops all records.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.records = nil
	return nil
}
