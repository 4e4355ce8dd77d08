// Package memory keeps archive objects in process memory for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// BlobStore stores objects by path and returns memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
}

// NewBlobStore creates an empty in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

// PutObject copies data under path, replacing any previous object.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("put object canceled: %w", err)
	}
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	payload, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object %s: %w", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = payload
	s.types[path] = contentType
	return "memory://" + path, nil
}

// Object returns a copy of the stored bytes and the content type.
func (s *BlobStore) Object(path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.objects[path]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), payload...), s.types[path], true
}

// Paths lists stored object paths in lexical order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
