package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"copilot.mailarchive.org/common"
)

type memoryEntry struct {
	vector  []float32
	payload map[string]interface{}
}

// MemoryStore is an in-memory vector store used by tests and
// single-process pipelines. All operations are safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	dim     int
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty in-memory store with the given
// collection dimension.
func NewMemoryStore(dim int) (*MemoryStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", dim)
	}
	return &MemoryStore{
		dim:     dim,
		entries: make(map[string]memoryEntry),
	}, nil
}

// Upsert inserts or replaces entries under the given ids.
func (s *MemoryStore) Upsert(ctx context.Context, ids []string, vectors [][]float32, payloads []map[string]interface{}) error {
	if err := checkUpsert(ids, vectors, payloads, s.dim); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, id := range ids {
		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])

		var payload map[string]interface{}
		if payloads != nil && payloads[i] != nil {
			payload = make(map[string]interface{}, len(payloads[i]))
			for k, v := range payloads[i] {
				payload[k] = v
			}
		}

		s.entries[id] = memoryEntry{vector: vec, payload: payload}
	}
	return nil
}

// Query returns up to k entries ordered by descending cosine similarity.
func (s *MemoryStore) Query(ctx context.Context, vector []float32, k int, filter map[string]interface{}) ([]SearchResult, error) {
	if err := checkDimension(vector, s.dim); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]SearchResult, 0, len(s.entries))
	for id, entry := range s.entries {
		if !matchesFilter(entry.payload, filter) {
			continue
		}
		results = append(results, SearchResult{
			ID:      id,
			Score:   cosineSimilarity(vector, entry.vector),
			Payload: entry.payload,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete removes the entry with the given id. Deleting an unknown id
// returns common.ErrNotFound.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("vector %q: %w", id, common.ErrNotFound)
	}
	delete(s.entries, id)
	return nil
}

// Count returns the number of stored entries.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Close releases the store. The in-memory store holds no external
// resources, so Close only clears the map.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]memoryEntry)
	return nil
}
