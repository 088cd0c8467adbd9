package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// BlobStore stores raw snapshot content in-memory and returns pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject persists the content and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", path), nil
}

// GetObject returns stored content for a memory:// URI or a bare path.
func (s *BlobStore) GetObject(_ context.Context, uri string) ([]byte, error) {
	path := strings.TrimPrefix(uri, "memory://")
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, fmt.Errorf("blob not found: %s", uri)
	}
	return append([]byte(nil), data...), nil
}
