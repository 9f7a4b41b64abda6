package vector

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"copilot.mailarchive.org/common"
)

const (
	boltVectorBucket = "vectors"
	boltMetaBucket   = "meta"
	boltDimensionKey = "dimension"
)

// boltEntry is the JSON record stored per vector id.
type boltEntry struct {
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// BoltStore is a bbolt-backed vector store for embedded deployments.
// Entries are stored as JSON records and queries scan the full bucket,
// which is adequate for single-archive collections.
type BoltStore struct {
	db  *bolt.DB
	dim int
}

// NewBoltStore opens or creates a bbolt-backed store at path. The
// collection dimension is persisted on first open; reopening an existing
// file with a different dimension fails with common.ErrDimensionMismatch.
func NewBoltStore(path string, dim int) (*BoltStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", dim)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(boltVectorBucket)); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", boltVectorBucket, err)
		}
		meta, err := tx.CreateBucketIfNotExists([]byte(boltMetaBucket))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", boltMetaBucket, err)
		}

		stored := meta.Get([]byte(boltDimensionKey))
		if stored == nil {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(dim))
			return meta.Put([]byte(boltDimensionKey), buf)
		}
		if got := int(binary.BigEndian.Uint64(stored)); got != dim {
			return fmt.Errorf("%w: store has %d, configured %d", common.ErrDimensionMismatch, got, dim)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, dim: dim}, nil
}

// Upsert inserts or replaces entries under the given ids in one
// transaction.
func (s *BoltStore) Upsert(ctx context.Context, ids []string, vectors [][]float32, payloads []map[string]interface{}) error {
	if err := checkUpsert(ids, vectors, payloads, s.dim); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltVectorBucket))
		if b == nil {
			return fmt.Errorf("bucket not found: %s", boltVectorBucket)
		}

		for i, id := range ids {
			entry := boltEntry{Vector: vectors[i]}
			if payloads != nil {
				entry.Payload = payloads[i]
			}
			data, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("failed to marshal JSON: %w", err)
			}
			if err := b.Put([]byte(id), data); err != nil {
				return fmt.Errorf("failed to store vector %s: %w", id, err)
			}
		}
		return nil
	})
}

// Query scans the bucket and returns up to k entries ordered by
// descending cosine similarity.
func (s *BoltStore) Query(ctx context.Context, vector []float32, k int, filter map[string]interface{}) ([]SearchResult, error) {
	if err := checkDimension(vector, s.dim); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	var results []SearchResult
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltVectorBucket))
		if b == nil {
			return fmt.Errorf("bucket not found: %s", boltVectorBucket)
		}

		return b.ForEach(func(key, value []byte) error {
			var entry boltEntry
			if err := json.Unmarshal(value, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", key, err)
			}
			if !matchesFilter(entry.Payload, filter) {
				return nil
			}
			results = append(results, SearchResult{
				ID:      string(key),
				Score:   cosineSimilarity(vector, entry.Vector),
				Payload: entry.Payload,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
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
func (s *BoltStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltVectorBucket))
		if b == nil {
			return fmt.Errorf("bucket not found: %s", boltVectorBucket)
		}
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("vector %q: %w", id, common.ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

// Count returns the number of stored entries.
func (s *BoltStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltVectorBucket))
		if b == nil {
			return fmt.Errorf("bucket not found: %s", boltVectorBucket)
		}
		count = b.Stats().KeyN
		return nil
	})
	return count, err
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
