package blob

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process blob store for tests and single-node runs
// without object storage configured.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Upload stores data under its content hash.
func (m *MemoryStore) Upload(ctx context.Context, data []byte, mime string) (*UploadResult, error) {
	sha := contentHash(data)
	cp := make([]byte, len(data))
	copy(cp, data)

	m.mu.Lock()
	m.objects[sha] = cp
	m.mu.Unlock()

	return &UploadResult{
		Bucket:    "memory",
		Key:       sha,
		ETag:      sha,
		SHA256:    sha,
		SizeBytes: int64(len(data)),
	}, nil
}

// Download retrieves the object at key.
func (m *MemoryStore) Download(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("blob %s not found", key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Close releases resources.
func (m *MemoryStore) Close() error {
	return nil
}
