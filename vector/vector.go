// Package vector stores chunk embeddings and answers top-k cosine
// similarity queries for context retrieval.
//
// Three drivers implement the Store interface: an in-memory store for
// tests and single-process runs, a bbolt-backed store for embedded
// deployments, and a pgvector-backed store for production. A store is
// opened with a fixed collection dimension; vectors of any other length
// are rejected with common.ErrDimensionMismatch, which is never retried.
package vector

import (
	"context"
	"fmt"
	"math"

	"copilot.mailarchive.org/common"
)

// SearchResult is a single entry returned from a similarity query.
// Score is cosine similarity, higher is more similar.
type SearchResult struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Store is the vector store interface shared by all drivers.
//
// Upsert inserts or replaces one entry per id; ids, vectors and payloads
// are parallel slices. Query returns up to k results ordered by
// descending similarity; a non-nil filter restricts candidates to entries
// whose payload matches every filter key by equality.
type Store interface {
	Upsert(ctx context.Context, ids []string, vectors [][]float32, payloads []map[string]interface{}) error
	Query(ctx context.Context, vector []float32, k int, filter map[string]interface{}) ([]SearchResult, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// checkDimension validates a single vector against the collection dimension.
func checkDimension(vec []float32, dim int) error {
	if len(vec) != dim {
		return fmt.Errorf("%w: got %d, want %d", common.ErrDimensionMismatch, len(vec), dim)
	}
	return nil
}

// checkUpsert validates the parallel slices of an Upsert call.
func checkUpsert(ids []string, vectors [][]float32, payloads []map[string]interface{}, dim int) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d != %d", len(ids), len(vectors))
	}
	if payloads != nil && len(payloads) != len(ids) {
		return fmt.Errorf("ids and payloads length mismatch: %d != %d", len(ids), len(payloads))
	}
	for i, vec := range vectors {
		if err := checkDimension(vec, dim); err != nil {
			return fmt.Errorf("vector %q: %w", ids[i], err)
		}
	}
	return nil
}

// cosineSimilarity computes the cosine of the angle between two vectors
// of equal length. Returns 0 when either vector has zero magnitude.
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// matchesFilter reports whether a payload satisfies every key of the
// filter by equality. A nil filter matches everything.
func matchesFilter(payload, filter map[string]interface{}) bool {
	for key, want := range filter {
		got, ok := payload[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}
