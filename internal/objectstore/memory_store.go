package objectstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/book-expert/audiobook-service/internal/core"
)

// MemoryStore is a process-local core.ObjectStore used for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Download returns a copy of the object at key.
func (m *MemoryStore) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object '%s': %w", key, core.ErrNotFound)
	}

	return append([]byte(nil), data...), nil
}

// Upload stores a copy of data at key.
func (m *MemoryStore) Upload(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = append([]byte(nil), data...)

	return nil
}

// List returns the sorted keys starting with prefix.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))

	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)

	return keys, nil
}
