package blobstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"copilot.mailarchive.org/common"
)

type memoryBlob struct {
	data     []byte
	metadata map[string]string
}

// MemoryStore is an in-memory blob store for tests and single-process
// runs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlob
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]memoryBlob)}
}

// Put stores a copy of the blob under the given key.
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}

	blob := memoryBlob{data: make([]byte, len(data))}
	copy(blob.data, data)
	if metadata != nil {
		blob.metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			blob.metadata[k] = v
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = blob
	return nil
}

// Get returns a copy of the blob stored under the given key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("object %q: %w", key, common.ErrNotFound)
	}
	data := make([]byte, len(blob.data))
	copy(data, blob.data)
	return data, nil
}

// Metadata returns the metadata stored with the blob.
func (s *MemoryStore) Metadata(ctx context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("object %q: %w", key, common.ErrNotFound)
	}
	metadata := make(map[string]string, len(blob.metadata))
	for k, v := range blob.metadata {
		metadata[k] = v
	}
	return metadata, nil
}

// Exists reports whether a blob is stored under the given key.
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[key]
	return ok, nil
}

// Delete removes the blob. Deleting a missing key succeeds.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

// List returns all keys under the prefix in lexical order.
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.blobs {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close releases the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs = make(map[string]memoryBlob)
	return nil
}
