package pipeline

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"copilot.mailarchive.org/common"
	"copilot.mailarchive.org/docstore"
	"copilot.mailarchive.org/embedder"
	"copilot.mailarchive.org/events"
	"copilot.mailarchive.org/model"
	"copilot.mailarchive.org/vector"
	"copilot.mailarchive.org/worker"
)

// Embedder consumes chunks.prepared: chunks already flagged
// embedding_generated are skipped, the rest are embedded in batches and
// upserted into the vector store, and only then is each chunk's flag
// flipped. That ordering is what keeps the vector-store invariant intact
// across a crash: a vector without a flag is re-upserted harmlessly on
// replay, while a flag without a vector would lose the chunk.
type Embedder struct {
	deps      Deps
	embed     embedder.Embedder
	vectors   vector.Store
	batchSize int
}

// NewEmbedder creates the embed stage. batchSize caps how many chunks go
// into one embedding call and one embeddings.generated event.
func NewEmbedder(deps Deps, embed embedder.Embedder, vectors vector.Store, batchSize int) *Embedder {
	deps.collector()
	if batchSize <= 0 {
		batchSize = 32
	}
	return &Embedder{deps: deps, embed: embed, vectors: vectors, batchSize: batchSize}
}

// Handle is the bus handler for chunks.prepared.
func (e *Embedder) Handle(ctx context.Context, event events.Envelope) error {
	var payload events.ChunksPrepared
	if err := event.DataAs(&payload); err != nil {
		return common.Permanent("decode chunks.prepared", err)
	}

	// Partition into pending and already-embedded chunks. A missing
	// chunk document is poison: the payload references state that does
	// not exist.
	type pendingChunk struct {
		id  string
		doc map[string]interface{}
	}
	var pending []pendingChunk
	for _, id := range payload.ChunkIDs {
		doc, err := e.deps.Store.Get(ctx, model.CollectionChunks, id)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", id, err)
		}
		if boolField(doc, "embedding_generated") {
			e.deps.collector().Increment("chunks_skipped_total",
				map[string]string{"reason": "already_embedded"})
			continue
		}
		pending = append(pending, pendingChunk{id: id, doc: doc})
	}

	if len(pending) == 0 {
		log.WithField("message_id", payload.MessageID).
			Debug("All chunks already embedded, nothing to do")
		return nil
	}

	for start := 0; start < len(pending); start += e.batchSize {
		end := start + e.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		ids := make([]string, len(batch))
		texts := make([]string, len(batch))
		payloads := make([]map[string]interface{}, len(batch))
		for i, chunk := range batch {
			ids[i] = chunk.id
			texts[i] = stringField(chunk.doc, "text")
			payloads[i] = map[string]interface{}{
				"message_id":  stringField(chunk.doc, "message_id"),
				"thread_id":   stringField(chunk.doc, "thread_id"),
				"archive_id":  stringField(chunk.doc, "archive_id"),
				"chunk_index": intField(chunk.doc, "chunk_index"),
				"text":        texts[i],
				"token_count": intField(chunk.doc, "token_count"),
			}
			if _, err := docstore.MarkProcessing(ctx, e.deps.Store, model.CollectionChunks, chunk.id); err != nil {
				return err
			}
		}

		var vectors [][]float32
		err := worker.RetryWithBackoff(ctx, e.deps.Retry, func() error {
			var embedErr error
			vectors, embedErr = e.embed.Embed(ctx, texts)
			return embedErr
		})
		if err != nil {
			// Flags stay false, so the retry supervisor can requeue the
			// chunks after backoff.
			e.failChunks(ctx, ids, err)
			return nil
		}

		if err := e.vectors.Upsert(ctx, ids, vectors, payloads); err != nil {
			if common.IsPermanent(err) {
				e.failChunks(ctx, ids, err)
				return nil
			}
			return err
		}

		// Vector writes are durable; now the flags may flip.
		for _, id := range ids {
			if _, err := e.deps.Store.Update(ctx, model.CollectionChunks, id, map[string]interface{}{
				"embedding_generated": true,
				model.FieldStatus:     string(model.StatusCompleted),
			}); err != nil {
				return err
			}
		}

		generated := events.EmbeddingsGenerated{
			ChunkIDs:           ids,
			EmbeddingModel:     e.embed.Model(),
			VectorStoreUpdated: true,
			Timestamp:          nowUTC(),
		}
		if err := e.deps.publish(ctx, events.TypeEmbeddingsGenerated, generated); err != nil {
			e.failChunks(ctx, ids, err)
			return nil
		}

		e.deps.collector().Add("chunks_embedded_total", float64(len(ids)),
			map[string]string{"model": e.embed.Model()})
	}

	log.WithFields(log.Fields{
		"message_id": payload.MessageID,
		"chunks":     len(pending),
	}).Debug("Chunks embedded")
	return nil
}

// failChunks marks every chunk in the batch failed and publishes one
// embedding failure event for the batch.
func (e *Embedder) failChunks(ctx context.Context, chunkIDs []string, cause error) {
	log.WithError(cause).WithField("chunks", len(chunkIDs)).Error("Embedding failed")
	for _, id := range chunkIDs {
		if _, err := docstore.MarkFailed(ctx, e.deps.Store, model.CollectionChunks, id); err != nil {
			log.WithError(err).WithField("chunk_id", id).Error("Failed to mark chunk failed")
		}
	}
	payload := events.EmbeddingGenerationFailed{
		ChunkIDs:     chunkIDs,
		Error:        cause.Error(),
		AttemptCount: e.deps.attemptCount(ctx, model.CollectionChunks, chunkIDs[0]),
	}
	if err := e.deps.publish(ctx, events.TypeEmbeddingFailed, payload); err != nil {
		log.WithError(err).Error("Failed to publish embedding failure event")
	}
}
