package docstore

import (
	"context"
	"testing"
	"time"

	"copilot.mailarchive.org/common"
	"copilot.mailarchive.org/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func archiveDoc(source, hash string, status model.Status) map[string]interface{} {
	return map[string]interface{}{
		"source":        source,
		"file_hash":     hash,
		"storage_id":    "archives/" + source + "/file.mbox",
		"status":        string(status),
		"attempt_count": 0,
	}
}

// TestMemoryStore_InsertComputesKey tests key derivation on insert
func TestMemoryStore_InsertComputesKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	key, err := store.Insert(ctx, model.CollectionArchives, archiveDoc("s1", "deadbeef", model.StatusPending))
	require.NoError(t, err)
	assert.Equal(t, ArchiveKey("s1", "deadbeef"), key)

	doc, err := store.Get(ctx, model.CollectionArchives, key)
	require.NoError(t, err)
	assert.Equal(t, key, doc["_id"])
	assert.Equal(t, "pending", doc["status"])
	assert.NotEmpty(t, doc["last_updated"])
}

// TestMemoryStore_InsertRejectsMismatchedKey tests _id validation
func TestMemoryStore_InsertRejectsMismatchedKey(t *testing.T) {
	store := NewMemoryStore()

	doc := archiveDoc("s1", "deadbeef", model.StatusPending)
	doc["_id"] = "0000000000000000"
	_, err := store.Insert(context.Background(), model.CollectionArchives, doc)
	assert.Error(t, err)
}

// TestMemoryStore_DuplicateInsertIsIdempotent tests the insert-merge rule:
// no duplicate document, immutable fields untouched
func TestMemoryStore_DuplicateInsertIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := archiveDoc("s1", "deadbeef", model.StatusPending)
	key, err := store.Insert(ctx, model.CollectionArchives, first)
	require.NoError(t, err)

	second := archiveDoc("s1", "deadbeef", model.StatusPending)
	second["storage_id"] = "somewhere/else.mbox"
	key2, err := store.Insert(ctx, model.CollectionArchives, second)
	require.NoError(t, err)
	assert.Equal(t, key, key2)

	count, err := store.Count(ctx, model.CollectionArchives, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	doc, err := store.Get(ctx, model.CollectionArchives, key)
	require.NoError(t, err)
	assert.Equal(t, "archives/s1/file.mbox", doc["storage_id"], "immutable fields must not change on duplicate insert")
}

// TestMemoryStore_InsertNeverRegressesStatus tests the monotonic gate on the
// insert-merge path
func TestMemoryStore_InsertNeverRegressesStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	key, err := store.Insert(ctx, model.CollectionArchives, archiveDoc("s1", "deadbeef", model.StatusPending))
	require.NoError(t, err)

	_, err = store.Update(ctx, model.CollectionArchives, key, map[string]interface{}{
		"status": string(model.StatusProcessing),
	})
	require.NoError(t, err)
	_, err = store.Update(ctx, model.CollectionArchives, key, map[string]interface{}{
		"status": string(model.StatusCompleted),
	})
	require.NoError(t, err)

	// A replayed insert arrives with status pending again.
	_, err = store.Insert(ctx, model.CollectionArchives, archiveDoc("s1", "deadbeef", model.StatusPending))
	require.NoError(t, err)

	doc, err := store.Get(ctx, model.CollectionArchives, key)
	require.NoError(t, err)
	assert.Equal(t, "completed", doc["status"])
}

// TestMemoryStore_GetMissing tests the not-found sentinel
func TestMemoryStore_GetMissing(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), model.CollectionArchives, "ffffffffffffffff")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

// TestMemoryStore_UpdateMutableFieldsOnly tests the patch allow-list
func TestMemoryStore_UpdateMutableFieldsOnly(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	key, err := store.Insert(ctx, model.CollectionArchives, archiveDoc("s1", "deadbeef", model.StatusPending))
	require.NoError(t, err)

	ok, err := store.Update(ctx, model.CollectionArchives, key, map[string]interface{}{
		"status":        string(model.StatusProcessing),
		"attempt_count": 1,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.Update(ctx, model.CollectionArchives, key, map[string]interface{}{
		"file_hash": "cafebabe",
	})
	assert.Error(t, err, "immutable field patch must be rejected")

	ok, err = store.Update(ctx, model.CollectionArchives, "ffffffffffffffff", map[string]interface{}{
		"status": string(model.StatusProcessing),
	})
	require.NoError(t, err)
	assert.False(t, ok, "updating a missing document reports false")
}

// TestMemoryStore_GatedTransitionSkipsAttemptBookkeeping tests that a
// replayed status patch against a terminal document moves neither the
// status nor the attempt fields that travel with it.
func TestMemoryStore_GatedTransitionSkipsAttemptBookkeeping(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	key, err := store.Insert(ctx, model.CollectionArchives, archiveDoc("s1", "deadbeef", model.StatusPending))
	require.NoError(t, err)

	ok, err := MarkProcessing(ctx, store, model.CollectionArchives, key)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = MarkCompleted(ctx, store, model.CollectionArchives, key)
	require.NoError(t, err)

	before, err := store.Get(ctx, model.CollectionArchives, key)
	require.NoError(t, err)

	// A redelivered event replays the processing transition against the
	// completed document.
	ok, err = MarkProcessing(ctx, store, model.CollectionArchives, key)
	require.NoError(t, err)
	assert.True(t, ok)

	after, err := store.Get(ctx, model.CollectionArchives, key)
	require.NoError(t, err)
	assert.Equal(t, "completed", after["status"])
	assert.Equal(t, before["attempt_count"], after["attempt_count"])
	assert.Equal(t, before["last_attempt_time"], after["last_attempt_time"])
}

// TestMemoryStore_UpdateStampsLastUpdated tests the non-decreasing timestamp
func TestMemoryStore_UpdateStampsLastUpdated(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	key, err := store.Insert(ctx, model.CollectionArchives, archiveDoc("s1", "deadbeef", model.StatusPending))
	require.NoError(t, err)

	before, err := store.Get(ctx, model.CollectionArchives, key)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	_, err = store.Update(ctx, model.CollectionArchives, key, map[string]interface{}{
		"status": string(model.StatusProcessing),
	})
	require.NoError(t, err)

	after, err := store.Get(ctx, model.CollectionArchives, key)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after["last_updated"].(string), before["last_updated"].(string))
}

// TestMemoryStore_QueryOperators tests the supported selector subset
func TestMemoryStore_QueryOperators(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seed := []struct {
		source string
		hash   string
		status model.Status
	}{
		{"s1", "aaaa", model.StatusPending},
		{"s1", "bbbb", model.StatusFailed},
		{"s2", "cccc", model.StatusFailed},
		{"s2", "dddd", model.StatusCompleted},
	}
	for _, row := range seed {
		_, err := store.Insert(ctx, model.CollectionArchives, archiveDoc(row.source, row.hash, row.status))
		require.NoError(t, err)
	}

	t.Run("Equality", func(t *testing.T) {
		got, err := store.Query(ctx, model.CollectionArchives, Filter{"source": "s1"}, 0)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("In", func(t *testing.T) {
		got, err := store.Query(ctx, model.CollectionArchives, Filter{
			"status": map[string]interface{}{"$in": []interface{}{"pending", "failed"}},
		}, 0)
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("EqualityAndIn", func(t *testing.T) {
		got, err := store.Query(ctx, model.CollectionArchives, Filter{
			"source": "s2",
			"status": map[string]interface{}{"$in": []interface{}{"failed"}},
		}, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "cccc", got[0]["file_hash"])
	})

	t.Run("Limit", func(t *testing.T) {
		got, err := store.Query(ctx, model.CollectionArchives, nil, 2)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("LtOnTimestamps", func(t *testing.T) {
		cutoff := time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano)
		got, err := store.Query(ctx, model.CollectionArchives, Filter{
			"last_updated": map[string]interface{}{"$lt": cutoff},
		}, 0)
		require.NoError(t, err)
		assert.Len(t, got, 4, "all rows were written before the cutoff")

		past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano)
		got, err = store.Query(ctx, model.CollectionArchives, Filter{
			"last_updated": map[string]interface{}{"$gt": past},
		}, 0)
		require.NoError(t, err)
		assert.Len(t, got, 4)
	})

	t.Run("UnsupportedOperator", func(t *testing.T) {
		_, err := store.Query(ctx, model.CollectionArchives, Filter{
			"source": map[string]interface{}{"$regex": "^s"},
		}, 0)
		assert.Error(t, err)
	})
}

// TestMemoryStore_Delete tests retention deletes
func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	key, err := store.Insert(ctx, model.CollectionArchives, archiveDoc("s1", "deadbeef", model.StatusCompleted))
	require.NoError(t, err)

	ok, err := store.Delete(ctx, model.CollectionArchives, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Delete(ctx, model.CollectionArchives, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestMemoryStore_CallerCannotMutateStored tests defensive copying
func TestMemoryStore_CallerCannotMutateStored(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	doc := archiveDoc("s1", "deadbeef", model.StatusPending)
	key, err := store.Insert(ctx, model.CollectionArchives, doc)
	require.NoError(t, err)

	doc["file_hash"] = "mutated"
	got, err := store.Get(ctx, model.CollectionArchives, key)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", got["file_hash"])

	got["file_hash"] = "mutated-too"
	again, err := store.Get(ctx, model.CollectionArchives, key)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", again["file_hash"])
}

// TestMarkProcessing tests attempt accounting on entry into processing
func TestMarkProcessing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	key, err := store.Insert(ctx, model.CollectionChunks, map[string]interface{}{
		"message_id":          "0123456789abcdef",
		"chunk_index":         0,
		"thread_id":           "t",
		"archive_id":          "a",
		"text":                "hello",
		"token_count":         1,
		"embedding_generated": false,
		"status":              string(model.StatusPending),
		"attempt_count":       0,
	})
	require.NoError(t, err)

	ok, err := MarkProcessing(ctx, store, model.CollectionChunks, key)
	require.NoError(t, err)
	assert.True(t, ok)

	doc, err := store.Get(ctx, model.CollectionChunks, key)
	require.NoError(t, err)
	assert.Equal(t, "processing", doc["status"])
	assert.Equal(t, float64(1), doc["attempt_count"])
	assert.NotEmpty(t, doc["last_attempt_time"])

	ok, err = MarkCompleted(ctx, store, model.CollectionChunks, key)
	require.NoError(t, err)
	assert.True(t, ok)

	doc, err = store.Get(ctx, model.CollectionChunks, key)
	require.NoError(t, err)
	assert.Equal(t, "completed", doc["status"])
}
