package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"copilot.mailarchive.org/common"
)

const pgvectorTable = "chunk_embeddings"

// pgvectorRow is the gorm model for a stored embedding. thread_id is
// promoted out of the payload so the orchestrator's thread filter can
// use a plain btree index.
type pgvectorRow struct {
	ID        string          `gorm:"column:id;primaryKey"`
	ThreadID  string          `gorm:"column:thread_id"`
	Payload   []byte          `gorm:"column:payload"`
	Embedding pgvector.Vector `gorm:"column:embedding"`
}

func (pgvectorRow) TableName() string { return pgvectorTable }

// pgvectorHit is the scan target for similarity queries.
type pgvectorHit struct {
	ID       string  `gorm:"column:id"`
	Payload  []byte  `gorm:"column:payload"`
	Distance float64 `gorm:"column:distance"`
}

// PgvectorStore is a PostgreSQL-backed vector store using the pgvector
// extension. Similarity queries run server-side with the cosine distance
// operator and an HNSW index.
type PgvectorStore struct {
	db  *gorm.DB
	dim int
}

// NewPgvectorStore connects to PostgreSQL, ensures the pgvector extension
// and the embeddings table exist, and verifies the table's vector column
// matches the configured dimension. A pre-existing table with a different
// dimension fails with common.ErrDimensionMismatch.
func NewPgvectorStore(dsn string, dim int) (*PgvectorStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", dim)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	s := &PgvectorStore{db: db, dim: dim}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"table":     pgvectorTable,
		"dimension": dim,
	}).Debug("Connected to pgvector store")

	return s, nil
}

// migrate creates the extension, table and indexes, then checks the
// embedding column dimension against the configured one.
func (s *PgvectorStore) migrate() error {
	if err := s.db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (id text PRIMARY KEY, thread_id text, payload jsonb, embedding vector(%d))",
		pgvectorTable, s.dim)
	if err := s.db.Exec(createTable).Error; err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	var typmod int
	err := s.db.Raw(
		"SELECT atttypmod FROM pg_attribute WHERE attrelid = ?::regclass AND attname = 'embedding'",
		pgvectorTable).Scan(&typmod).Error
	if err != nil {
		return fmt.Errorf("failed to read embedding column type: %w", err)
	}
	if typmod != s.dim {
		return fmt.Errorf("%w: table has %d, configured %d", common.ErrDimensionMismatch, typmod, s.dim)
	}

	threadIndex := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS idx_%s_thread ON %s (thread_id)", pgvectorTable, pgvectorTable)
	if err := s.db.Exec(threadIndex).Error; err != nil {
		return fmt.Errorf("failed to create thread index: %w", err)
	}

	hnswIndex := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS idx_%s_embedding ON %s USING hnsw (embedding vector_cosine_ops)",
		pgvectorTable, pgvectorTable)
	if err := s.db.Exec(hnswIndex).Error; err != nil {
		return fmt.Errorf("failed to create hnsw index: %w", err)
	}
	return nil
}

// Upsert inserts or replaces entries under the given ids in one batch.
func (s *PgvectorStore) Upsert(ctx context.Context, ids []string, vectors [][]float32, payloads []map[string]interface{}) error {
	if err := checkUpsert(ids, vectors, payloads, s.dim); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	rows := make([]pgvectorRow, len(ids))
	for i, id := range ids {
		row := pgvectorRow{
			ID:        id,
			Embedding: pgvector.NewVector(vectors[i]),
		}
		if payloads != nil && payloads[i] != nil {
			data, err := json.Marshal(payloads[i])
			if err != nil {
				return fmt.Errorf("failed to marshal payload for %s: %w", id, err)
			}
			row.Payload = data
			if threadID, ok := payloads[i]["thread_id"].(string); ok {
				row.ThreadID = threadID
			}
		}
		rows[i] = row
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"thread_id", "payload", "embedding"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}
	return nil
}

// Query runs a server-side cosine similarity search and returns up to k
// results ordered by descending similarity.
func (s *PgvectorStore) Query(ctx context.Context, vector []float32, k int, filter map[string]interface{}) ([]SearchResult, error) {
	if err := checkDimension(vector, s.dim); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf("SELECT id, payload, embedding <=> ? AS distance FROM %s", pgvectorTable)
	args := []interface{}{pgvector.NewVector(vector)}

	where, whereArgs, err := pgvectorFilter(filter)
	if err != nil {
		return nil, err
	}
	if where != "" {
		query += " WHERE " + where
		args = append(args, whereArgs...)
	}
	query += " ORDER BY distance LIMIT ?"
	args = append(args, k)

	var hits []pgvectorHit
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&hits).Error; err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		result := SearchResult{
			ID:    hit.ID,
			Score: 1 - hit.Distance,
		}
		if len(hit.Payload) > 0 {
			if err := json.Unmarshal(hit.Payload, &result.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload for %s: %w", hit.ID, err)
			}
		}
		results = append(results, result)
	}
	return results, nil
}

// pgvectorFilter translates a payload filter into a WHERE fragment. The
// thread_id key uses the promoted column, everything else goes through
// jsonb containment.
func pgvectorFilter(filter map[string]interface{}) (string, []interface{}, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}

	var where string
	var args []interface{}

	rest := make(map[string]interface{}, len(filter))
	for key, value := range filter {
		if key == "thread_id" {
			where = "thread_id = ?"
			args = append(args, value)
			continue
		}
		rest[key] = value
	}

	if len(rest) > 0 {
		data, err := json.Marshal(rest)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal filter: %w", err)
		}
		if where != "" {
			where += " AND "
		}
		where += "payload @> ?"
		args = append(args, data)
	}
	return where, args, nil
}

// Delete removes the entry with the given id. Deleting an unknown id
// returns common.ErrNotFound.
func (s *PgvectorStore) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Exec(
		fmt.Sprintf("DELETE FROM %s WHERE id = ?", pgvectorTable), id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete vector %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("vector %q: %w", id, common.ErrNotFound)
	}
	return nil
}

// Count returns the number of stored entries.
func (s *PgvectorStore) Count(ctx context.Context) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Table(pgvectorTable).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return int(count), nil
}

// Close closes the underlying connection pool.
func (s *PgvectorStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
