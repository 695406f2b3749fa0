package objstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Compile-time interface assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory [Store] for tests and local development.
// Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string

	// SignErr, when set, is returned by SignURL to exercise the playout
	// skip-and-warn path.
	SignErr error
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

// Upload implements Store.
func (m *MemoryStore) Upload(ctx context.Context, path, contentType string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[path] = buf
	m.types[path] = contentType
	return nil
}

// Download implements Store.
func (m *MemoryStore) Download(ctx context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("objstore: download %s returned status 404", path)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	delete(m.types, path)
	return nil
}

// SignURL implements Store with a fake URL of the form
// "memory://<path>?expires=<ttl seconds>".
func (m *MemoryStore) SignURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if m.SignErr != nil {
		return "", m.SignErr
	}
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[path]; !ok {
		return "", fmt.Errorf("objstore: sign %s returned status 404", path)
	}
	return fmt.Sprintf("memory://%s?expires=%d", path, int(ttl.Seconds())), nil
}

// Len reports the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
