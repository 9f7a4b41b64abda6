package pipeline

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"copilot.mailarchive.org/chunker"
	"copilot.mailarchive.org/common"
	"copilot.mailarchive.org/docstore"
	"copilot.mailarchive.org/events"
	"copilot.mailarchive.org/model"
)

// Chunker consumes json.parsed: it loads the message, runs the configured
// chunking strategy over the body and inserts one chunk document per
// piece, each with embedding_generated=false, then publishes
// chunks.prepared. Chunk keys derive from (message key, index), so
// re-running on the same message rewrites nothing.
type Chunker struct {
	deps     Deps
	strategy chunker.Strategy
}

// NewChunker creates the chunk stage.
func NewChunker(deps Deps, strategy chunker.Strategy) *Chunker {
	deps.collector()
	return &Chunker{deps: deps, strategy: strategy}
}

// Handle is the bus handler for json.parsed. A payload referencing a
// nonexistent message is returned as an error so the bus's poison
// protocol applies; no chunk rows are created for it.
func (c *Chunker) Handle(ctx context.Context, event events.Envelope) error {
	var payload events.JSONParsed
	if err := event.DataAs(&payload); err != nil {
		return common.Permanent("decode json.parsed", err)
	}
	if payload.MessageID == "" {
		return common.Permanent("decode json.parsed", fmt.Errorf("missing message_id"))
	}

	msgDoc, err := c.deps.Store.Get(ctx, model.CollectionMessages, payload.MessageID)
	if err != nil {
		return fmt.Errorf("message %s: %w", payload.MessageID, err)
	}

	if _, err := docstore.MarkProcessing(ctx, c.deps.Store, model.CollectionMessages, payload.MessageID); err != nil {
		return err
	}

	pieces := c.strategy.Split(stringField(msgDoc, "body"))

	chunkIDs := make([]string, 0, len(pieces))
	now := nowUTC()
	for index, piece := range pieces {
		key := docstore.ChunkKey(payload.MessageID, index)
		doc, err := model.ToDoc(model.Chunk{
			MessageID:          payload.MessageID,
			ThreadID:           stringField(msgDoc, "thread_id"),
			ArchiveID:          stringField(msgDoc, "archive_id"),
			ChunkIndex:         index,
			Text:               piece.Text,
			TokenCount:         piece.TokenCount,
			StartOffset:        piece.StartOffset,
			EndOffset:          piece.EndOffset,
			EmbeddingGenerated: false,
			Status:             model.StatusPending,
			LastUpdated:        now,
		})
		if err != nil {
			return err
		}
		if _, err := c.deps.Store.Insert(ctx, model.CollectionChunks, doc); err != nil {
			c.failMessage(ctx, payload.MessageID, fmt.Errorf("insert chunk %d: %w", index, err))
			return nil
		}
		chunkIDs = append(chunkIDs, key)
	}

	if _, err := docstore.MarkCompleted(ctx, c.deps.Store, model.CollectionMessages, payload.MessageID); err != nil {
		return err
	}

	// A message with an empty body produces no chunks and nothing to
	// embed; the pipeline ends here for it.
	if len(chunkIDs) == 0 {
		log.WithField("message_id", payload.MessageID).Debug("Message produced no chunks")
		return nil
	}

	prepared := events.ChunksPrepared{
		ArchiveID:  payload.ArchiveID,
		MessageID:  payload.MessageID,
		ChunkIDs:   chunkIDs,
		ChunkCount: len(chunkIDs),
		Timestamp:  nowUTC(),
	}
	if err := c.deps.publish(ctx, events.TypeChunksPrepared, prepared); err != nil {
		c.failMessage(ctx, payload.MessageID, err)
		return nil
	}

	log.WithFields(log.Fields{
		"message_id": payload.MessageID,
		"chunks":     len(chunkIDs),
		"strategy":   c.strategy.Name(),
	}).Debug("Message chunked")
	return nil
}

// failMessage applies the attributable-failure protocol for the message.
func (c *Chunker) failMessage(ctx context.Context, messageID string, cause error) {
	log.WithError(cause).WithField("message_id", messageID).Error("Chunking failed")
	payload := events.ChunkingFailed{
		MessageID:    messageID,
		Error:        cause.Error(),
		ErrorType:    errorLabel(cause),
		AttemptCount: c.deps.attemptCount(ctx, model.CollectionMessages, messageID),
	}
	c.deps.markFailedAndPublish(ctx, model.CollectionMessages, messageID,
		events.TypeChunkingFailed, payload)
}

// errorLabel buckets an error for failure payloads and counters.
func errorLabel(err error) string {
	switch {
	case common.IsValidation(err):
		return "validation"
	case common.IsTransient(err):
		return "transient"
	case common.IsPermanent(err):
		return "permanent"
	default:
		return "unknown"
	}
}
