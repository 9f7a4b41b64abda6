package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copilot.mailarchive.org/bus"
	"copilot.mailarchive.org/cache"
	"copilot.mailarchive.org/docstore"
	"copilot.mailarchive.org/events"
	"copilot.mailarchive.org/model"
)

const testFileHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func newTestSupervisor(t *testing.T, cfg Config) (*Supervisor, *docstore.MemoryStore, *bus.MemoryBus) {
	t.Helper()
	store := docstore.NewMemoryStore()
	memBus := bus.NewMemoryBus()
	for _, eventType := range events.Types {
		require.NoError(t, memBus.DeclareQueue(eventType))
	}
	return New(store, memBus, nil, nil, cfg), store, memBus
}

func insertDoc(t *testing.T, store *docstore.MemoryStore, collection string, doc map[string]interface{}) string {
	t.Helper()
	key, err := store.Insert(context.Background(), collection, doc)
	require.NoError(t, err)
	return key
}

func failedChunkDoc(messageID string, attempts int, lastAttempt time.Time) map[string]interface{} {
	return map[string]interface{}{
		"message_id":          messageID,
		"chunk_index":         0,
		"archive_id":          docstore.ArchiveKey("lkml", testFileHash),
		"thread_id":           docstore.ThreadKey(messageID),
		"text":                "some chunk text",
		"token_count":         3,
		"embedding_generated": false,
		"status":              string(model.StatusFailed),
		"attempt_count":       attempts,
		"last_attempt_time":   lastAttempt.UTC().Format(time.RFC3339Nano),
	}
}

func TestSweepReemitsFailedChunk(t *testing.T) {
	ctx := context.Background()
	sup, store, memBus := newTestSupervisor(t, Config{BaseBackoff: time.Second})

	messageID := docstore.MessageKey(docstore.ArchiveKey("lkml", testFileHash), "<a@x>")
	chunkKey := insertDoc(t, store, model.CollectionChunks,
		failedChunkDoc(messageID, 2, time.Now().Add(-time.Hour)))

	require.NoError(t, sup.Sweep(ctx))

	pending := memBus.Pending(events.TypeChunksPrepared)
	require.Len(t, pending, 1)
	var payload events.ChunksPrepared
	require.NoError(t, pending[0].DataAs(&payload))
	assert.Equal(t, []string{chunkKey}, payload.ChunkIDs)
	assert.Equal(t, messageID, payload.MessageID)

	// The sweep publishes, it does not touch the document.
	doc, err := store.Get(ctx, model.CollectionChunks, chunkKey)
	require.NoError(t, err)
	assert.Equal(t, string(model.StatusFailed), doc["status"])
	assert.Equal(t, 2, intField(doc, "attempt_count"))
}

func TestSweepRespectsBackoffWindow(t *testing.T) {
	ctx := context.Background()
	sup, store, memBus := newTestSupervisor(t, Config{BaseBackoff: time.Hour})

	messageID := docstore.MessageKey(docstore.ArchiveKey("lkml", testFileHash), "<a@x>")
	insertDoc(t, store, model.CollectionChunks,
		failedChunkDoc(messageID, 3, time.Now()))

	require.NoError(t, sup.Sweep(ctx))
	assert.Empty(t, memBus.Pending(events.TypeChunksPrepared))
}

func TestSweepGivesUpPastRetryCeiling(t *testing.T) {
	ctx := context.Background()
	sup, store, memBus := newTestSupervisor(t, Config{MaxRetries: 3, BaseBackoff: time.Second})

	messageID := docstore.MessageKey(docstore.ArchiveKey("lkml", testFileHash), "<a@x>")
	chunkKey := insertDoc(t, store, model.CollectionChunks,
		failedChunkDoc(messageID, 3, time.Now().Add(-time.Hour)))

	require.NoError(t, sup.Sweep(ctx))
	assert.Empty(t, memBus.Pending(events.TypeChunksPrepared))

	// Still failed, still not re-emitted on the next pass either.
	require.NoError(t, sup.Sweep(ctx))
	doc, err := store.Get(ctx, model.CollectionChunks, chunkKey)
	require.NoError(t, err)
	assert.Equal(t, string(model.StatusFailed), doc["status"])
}

func TestSweepSkippedWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	memBus := bus.NewMemoryBus()
	for _, eventType := range events.Types {
		require.NoError(t, memBus.DeclareQueue(eventType))
	}
	locks := cache.NewMemoryCache()
	held, err := locks.AcquireLock(ctx, sweepLock, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	sup := New(store, memBus, locks, nil, Config{})
	messageID := docstore.MessageKey(docstore.ArchiveKey("lkml", testFileHash), "<a@x>")
	insertDoc(t, store, model.CollectionChunks,
		failedChunkDoc(messageID, 1, time.Now().Add(-time.Hour)))

	require.NoError(t, sup.Sweep(ctx))
	assert.Empty(t, memBus.Pending(events.TypeChunksPrepared))

	// With the lock released the same sweep goes through.
	require.NoError(t, locks.ReleaseLock(ctx, sweepLock))
	require.NoError(t, sup.Sweep(ctx))
	assert.Len(t, memBus.Pending(events.TypeChunksPrepared), 1)
}

func TestStartupRequeueRepublishesStalledWork(t *testing.T) {
	ctx := context.Background()
	sup, store, memBus := newTestSupervisor(t, Config{StallThreshold: time.Millisecond})

	archiveID := docstore.ArchiveKey("lkml", testFileHash)
	insertDoc(t, store, model.CollectionMessages, map[string]interface{}{
		"archive_id":        archiveID,
		"rfc822_message_id": "<a@x>",
		"thread_id":         docstore.ThreadKey(docstore.MessageKey(archiveID, "<a@x>")),
		"subject":           "stalled",
		"body":              "body",
		"status":            string(model.StatusProcessing),
		"attempt_count":     1,
	})
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, sup.StartupRequeue(ctx))

	pending := memBus.Pending(events.TypeJSONParsed)
	require.Len(t, pending, 1)
	var payload events.JSONParsed
	require.NoError(t, pending[0].DataAs(&payload))
	assert.Equal(t, archiveID, payload.ArchiveID)
	assert.Equal(t, docstore.MessageKey(archiveID, "<a@x>"), payload.MessageID)
}

func TestStartupRequeueLeavesFreshWorkAlone(t *testing.T) {
	ctx := context.Background()
	sup, store, memBus := newTestSupervisor(t, Config{StallThreshold: time.Hour})

	archiveID := docstore.ArchiveKey("lkml", testFileHash)
	insertDoc(t, store, model.CollectionMessages, map[string]interface{}{
		"archive_id":        archiveID,
		"rfc822_message_id": "<a@x>",
		"thread_id":         docstore.ThreadKey(docstore.MessageKey(archiveID, "<a@x>")),
		"subject":           "fresh",
		"body":              "body",
		"status":            string(model.StatusPending),
		"attempt_count":     0,
	})

	require.NoError(t, sup.StartupRequeue(ctx))
	assert.Empty(t, memBus.Pending(events.TypeJSONParsed))
}

func TestStartupRequeueStageScopesToInputCollection(t *testing.T) {
	ctx := context.Background()
	sup, store, memBus := newTestSupervisor(t, Config{StallThreshold: time.Millisecond})

	archiveID := docstore.ArchiveKey("lkml", testFileHash)
	messageID := docstore.MessageKey(archiveID, "<a@x>")
	insertDoc(t, store, model.CollectionMessages, map[string]interface{}{
		"archive_id":        archiveID,
		"rfc822_message_id": "<a@x>",
		"thread_id":         docstore.ThreadKey(messageID),
		"subject":           "stalled",
		"body":              "body",
		"status":            string(model.StatusProcessing),
		"attempt_count":     1,
	})
	insertDoc(t, store, model.CollectionChunks, map[string]interface{}{
		"message_id":          messageID,
		"chunk_index":         0,
		"archive_id":          archiveID,
		"thread_id":           docstore.ThreadKey(messageID),
		"text":                "stalled chunk",
		"token_count":         2,
		"embedding_generated": false,
		"status":              string(model.StatusProcessing),
		"attempt_count":       1,
	})
	time.Sleep(5 * time.Millisecond)

	// The embed stage requeues chunks and nothing else.
	require.NoError(t, sup.StartupRequeueStage(ctx, events.TypeChunksPrepared))
	assert.Len(t, memBus.Pending(events.TypeChunksPrepared), 1)
	assert.Empty(t, memBus.Pending(events.TypeJSONParsed))

	// summarization.requested has no backing collection.
	require.NoError(t, sup.StartupRequeueStage(ctx, events.TypeSummarizationRequested))
	assert.Empty(t, memBus.Pending(events.TypeSummarizationRequested))
}

func TestThreadReemitRebuildsFromEmbeddedChunks(t *testing.T) {
	ctx := context.Background()
	sup, store, memBus := newTestSupervisor(t, Config{BaseBackoff: time.Second})

	archiveID := docstore.ArchiveKey("lkml", testFileHash)
	messageID := docstore.MessageKey(archiveID, "<a@x>")
	threadKey := insertDoc(t, store, model.CollectionThreads, map[string]interface{}{
		"archive_id":        archiveID,
		"root_message_id":   messageID,
		"subject":           "needs a summary",
		"participants":      []string{"alice@example.org"},
		"message_count":     1,
		"status":            string(model.StatusFailed),
		"attempt_count":     1,
		"last_attempt_time": time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano),
	})

	for index := 0; index < 2; index++ {
		insertDoc(t, store, model.CollectionChunks, map[string]interface{}{
			"message_id":          messageID,
			"chunk_index":         index,
			"archive_id":          archiveID,
			"thread_id":           threadKey,
			"text":                "chunk text",
			"token_count":         2,
			"embedding_generated": true,
			"status":              string(model.StatusCompleted),
			"attempt_count":       1,
		})
	}

	require.NoError(t, sup.Sweep(ctx))

	pending := memBus.Pending(events.TypeEmbeddingsGenerated)
	require.Len(t, pending, 1)
	var payload events.EmbeddingsGenerated
	require.NoError(t, pending[0].DataAs(&payload))
	assert.Len(t, payload.ChunkIDs, 2)
	assert.True(t, payload.VectorStoreUpdated)
}

func TestThreadReemitSkipsThreadWithoutEmbeddings(t *testing.T) {
	ctx := context.Background()
	sup, store, memBus := newTestSupervisor(t, Config{BaseBackoff: time.Second})

	archiveID := docstore.ArchiveKey("lkml", testFileHash)
	insertDoc(t, store, model.CollectionThreads, map[string]interface{}{
		"archive_id":        archiveID,
		"root_message_id":   docstore.MessageKey(archiveID, "<a@x>"),
		"subject":           "nothing embedded yet",
		"participants":      []string{"alice@example.org"},
		"message_count":     1,
		"status":            string(model.StatusFailed),
		"attempt_count":     1,
		"last_attempt_time": time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano),
	})

	require.NoError(t, sup.Sweep(ctx))
	assert.Empty(t, memBus.Pending(events.TypeEmbeddingsGenerated))
}

func TestArchiveWithoutStoredBytesIsNotReemitted(t *testing.T) {
	ctx := context.Background()
	sup, store, memBus := newTestSupervisor(t, Config{BaseBackoff: time.Second})

	insertDoc(t, store, model.CollectionArchives, map[string]interface{}{
		"source":            "lkml",
		"file_hash":         testFileHash,
		"status":            string(model.StatusFailed),
		"attempt_count":     1,
		"last_attempt_time": time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano),
	})

	require.NoError(t, sup.Sweep(ctx))
	assert.Empty(t, memBus.Pending(events.TypeArchiveIngested))
}

func TestBackoffElapsedGrowsWithAttempts(t *testing.T) {
	sup := New(docstore.NewMemoryStore(), bus.NewMemoryBus(), nil, nil, Config{
		BaseBackoff: time.Minute,
		MaxBackoff:  time.Hour,
	})
	now := time.Now().UTC()
	doc := func(attempts int, since time.Duration) map[string]interface{} {
		return map[string]interface{}{
			"attempt_count":     attempts,
			"last_attempt_time": now.Add(-since).Format(time.RFC3339Nano),
		}
	}

	assert.True(t, sup.backoffElapsed(doc(1, 2*time.Minute), now))
	assert.False(t, sup.backoffElapsed(doc(1, 30*time.Second), now))
	assert.False(t, sup.backoffElapsed(doc(4, 5*time.Minute), now))   // wants 8m
	assert.True(t, sup.backoffElapsed(doc(4, 10*time.Minute), now))   // 8m elapsed
	assert.True(t, sup.backoffElapsed(doc(20, 61*time.Minute), now))  // capped at 1h
	assert.False(t, sup.backoffElapsed(doc(20, 59*time.Minute), now)) // capped at 1h
	assert.True(t, sup.backoffElapsed(map[string]interface{}{"attempt_count": 2}, now))
}
