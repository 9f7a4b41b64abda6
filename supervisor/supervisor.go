// Package supervisor recovers documents the pipeline left behind: work
// stuck in pending or processing after a crash, and work marked failed by
// a stage. Recovery is always re-emission of the document's originating
// event; the stage handlers own all status transitions, so the supervisor
// itself never writes documents. It is the final authority on giving up:
// a document past the retry ceiling stays failed and is only counted.
package supervisor

import (
	"context"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"copilot.mailarchive.org/bus"
	"copilot.mailarchive.org/cache"
	"copilot.mailarchive.org/docstore"
	"copilot.mailarchive.org/events"
	"copilot.mailarchive.org/metrics"
	"copilot.mailarchive.org/model"
)

// sweepLock is the cache lock name that keeps concurrent supervisor
// instances from sweeping at the same time.
const sweepLock = "supervisor:sweep"

// Config carries the supervisor knobs. Zero values fall back to the
// defaults in New.
type Config struct {
	// StallThreshold is how old a pending or processing document must be
	// before startup requeue and the sweep treat it as abandoned.
	StallThreshold time.Duration
	// Interval is the sweep period.
	Interval time.Duration
	// MaxRetries is the attempt ceiling; documents at or past it are not
	// re-emitted.
	MaxRetries int
	// BaseBackoff and MaxBackoff shape the exponential gate between a
	// document's failure and its re-emission.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Supervisor scans the five collections and re-emits originating events
// for recoverable documents.
type Supervisor struct {
	store     docstore.Store
	publisher bus.Publisher
	locks     cache.Cache
	collector *metrics.Collector
	cfg       Config
}

// New creates a supervisor. locks may be nil in single-instance
// deployments, in which case every sweep runs unguarded.
func New(store docstore.Store, publisher bus.Publisher, locks cache.Cache, collector *metrics.Collector, cfg Config) *Supervisor {
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 15 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Minute
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Hour
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	return &Supervisor{
		store:     store,
		publisher: publisher,
		locks:     locks,
		collector: collector,
		cfg:       cfg,
	}
}

// inputCollections maps a stage's input event type to the collection
// whose originating event it is. summarization.requested is derived by
// the orchestrator rather than stored, so the summarize stage has no
// requeue collection; its stalled threads come back through the
// orchestrate path.
var inputCollections = map[string]string{
	events.TypeArchiveIngested:     model.CollectionArchives,
	events.TypeJSONParsed:          model.CollectionMessages,
	events.TypeChunksPrepared:      model.CollectionChunks,
	events.TypeEmbeddingsGenerated: model.CollectionThreads,
	events.TypeSummaryComplete:     model.CollectionSummaries,
}

// StartupRequeue re-emits the originating event for every document left
// in pending or processing longer than the stall threshold. Run once
// before consuming; downstream idempotency makes over-requeueing safe.
func (s *Supervisor) StartupRequeue(ctx context.Context) error {
	var firstErr error
	for _, collection := range model.Collections {
		if err := s.requeueStalled(ctx, collection); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StartupRequeueStage requeues stalled documents from the one collection
// feeding the given input event type. A stage worker runs this on start
// so it recovers its own abandoned work even when no supervisor process
// is deployed. Event types without a backing collection are a no-op.
func (s *Supervisor) StartupRequeueStage(ctx context.Context, eventType string) error {
	collection, ok := inputCollections[eventType]
	if !ok {
		return nil
	}
	return s.requeueStalled(ctx, collection)
}

func (s *Supervisor) requeueStalled(ctx context.Context, collection string) error {
	cutoff := time.Now().UTC().Add(-s.cfg.StallThreshold).Format(time.RFC3339Nano)
	docs, err := s.store.Query(ctx, collection, docstore.Filter{
		model.FieldStatus: map[string]interface{}{
			"$in": []interface{}{string(model.StatusPending), string(model.StatusProcessing)},
		},
		model.FieldLastUpdated: map[string]interface{}{"$lt": cutoff},
	}, 0)
	if err != nil {
		return fmt.Errorf("query %s: %w", collection, err)
	}
	var firstErr error
	for _, doc := range docs {
		if err := s.reemit(ctx, collection, doc, "startup_requeue"); err != nil {
			log.WithError(err).WithField("collection", collection).
				Warn("Startup requeue failed for document")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(docs) > 0 {
		log.WithFields(log.Fields{
			"collection": collection,
			"documents":  len(docs),
		}).Info("Requeued stalled documents")
	}
	return firstErr
}

// Run sweeps on the configured interval until the context is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				log.WithError(err).Error("Retry sweep failed")
			}
		}
	}
}

// Sweep runs one supervision pass: failed documents plus stale processing
// ones, re-emitted when their backoff window has elapsed. The sweep is
// guarded by a distributed lock; losing the lock means another instance
// is already sweeping and this pass is skipped.
func (s *Supervisor) Sweep(ctx context.Context) error {
	if s.locks != nil {
		acquired, err := s.locks.AcquireLock(ctx, sweepLock, s.cfg.Interval)
		if err != nil {
			return fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !acquired {
			s.collector.Increment("supervisor_sweeps_total", map[string]string{"result": "skipped"})
			log.Debug("Sweep lock held elsewhere, skipping")
			return nil
		}
		defer func() {
			if err := s.locks.ReleaseLock(ctx, sweepLock); err != nil {
				log.WithError(err).Warn("Failed to release sweep lock")
			}
		}()
	}

	var firstErr error
	for _, collection := range model.Collections {
		if err := s.sweepCollection(ctx, collection); err != nil && firstErr == nil {
			firstErr = err
		}
		s.recordStatusCounts(ctx, collection)
	}
	result := "ok"
	if firstErr != nil {
		result = "error"
	}
	s.collector.Increment("supervisor_sweeps_total", map[string]string{"result": result})
	return firstErr
}

func (s *Supervisor) sweepCollection(ctx context.Context, collection string) error {
	now := time.Now().UTC()
	staleCutoff := now.Add(-s.cfg.StallThreshold).Format(time.RFC3339Nano)

	failed, err := s.store.Query(ctx, collection, docstore.Filter{
		model.FieldStatus: string(model.StatusFailed),
	}, 0)
	if err != nil {
		return fmt.Errorf("query %s failed docs: %w", collection, err)
	}
	stale, err := s.store.Query(ctx, collection, docstore.Filter{
		model.FieldStatus:      string(model.StatusProcessing),
		model.FieldLastUpdated: map[string]interface{}{"$lt": staleCutoff},
	}, 0)
	if err != nil {
		return fmt.Errorf("query %s stale docs: %w", collection, err)
	}

	var firstErr error
	for _, doc := range append(failed, stale...) {
		attempts := intField(doc, model.FieldAttemptCount)
		if attempts >= s.cfg.MaxRetries {
			s.collector.Increment("retry_documents_max_retries_exceeded_total",
				map[string]string{"collection": collection})
			log.WithFields(log.Fields{
				"collection": collection,
				"key":        stringField(doc, "_id"),
				"attempts":   attempts,
			}).Warn("Document exceeded retry ceiling, giving up")
			continue
		}
		if !s.backoffElapsed(doc, now) {
			continue
		}
		if err := s.reemit(ctx, collection, doc, "retry"); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"collection": collection,
				"key":        stringField(doc, "_id"),
			}).Warn("Re-emit failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// backoffElapsed reports whether the document's exponential backoff
// window has passed. A document without a recorded attempt time is due
// immediately.
func (s *Supervisor) backoffElapsed(doc map[string]interface{}, now time.Time) bool {
	last, ok := timeField(doc, model.FieldLastAttemptTime)
	if !ok {
		return true
	}
	attempts := intField(doc, model.FieldAttemptCount)
	if attempts < 1 {
		attempts = 1
	}
	wait := time.Duration(float64(s.cfg.BaseBackoff) * math.Pow(2, float64(attempts-1)))
	if wait > s.cfg.MaxBackoff {
		wait = s.cfg.MaxBackoff
	}
	return now.Sub(last) >= wait
}

// reemit publishes the originating event for one document. The document
// itself is untouched; the consuming stage transitions it back into
// processing, which is what increments the attempt counter.
func (s *Supervisor) reemit(ctx context.Context, collection string, doc map[string]interface{}, reason string) error {
	evt, ok, err := s.originatingEvent(ctx, collection, doc)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		return err
	}
	s.collector.Increment("supervisor_reemits_total",
		map[string]string{"collection": collection, "reason": reason})
	log.WithFields(log.Fields{
		"collection": collection,
		"key":        stringField(doc, "_id"),
		"event_type": evt.EventType,
		"reason":     reason,
	}).Info("Re-emitted originating event")
	return nil
}

// originatingEvent reconstructs the event that would drive the document's
// stage again. ok is false when the document cannot be recovered by
// re-emission (for example an archive whose bytes were never stored).
func (s *Supervisor) originatingEvent(ctx context.Context, collection string, doc map[string]interface{}) (events.Envelope, bool, error) {
	key := stringField(doc, "_id")
	switch collection {
	case model.CollectionArchives:
		var archive model.Archive
		if err := model.FromDoc(doc, &archive); err != nil {
			return events.Envelope{}, false, err
		}
		if archive.StorageID == "" {
			// Ingestion failed before the bytes reached the blob store;
			// only a fresh ingest run can recover this one.
			return events.Envelope{}, false, nil
		}
		evt, err := events.New(events.TypeArchiveIngested, events.ArchiveIngested{
			ArchiveID:     key,
			Source:        archive.Source,
			StorageID:     archive.StorageID,
			FileHash:      archive.FileHash,
			IngestionDate: archive.IngestionDate,
		})
		return evt, err == nil, err

	case model.CollectionMessages:
		evt, err := events.New(events.TypeJSONParsed, events.JSONParsed{
			ArchiveID: stringField(doc, "archive_id"),
			MessageID: key,
			ThreadID:  stringField(doc, "thread_id"),
			ParsedAt:  time.Now().UTC(),
		})
		return evt, err == nil, err

	case model.CollectionChunks:
		evt, err := events.New(events.TypeChunksPrepared, events.ChunksPrepared{
			ArchiveID:  stringField(doc, "archive_id"),
			MessageID:  stringField(doc, "message_id"),
			ChunkIDs:   []string{key},
			ChunkCount: 1,
			Timestamp:  time.Now().UTC(),
		})
		return evt, err == nil, err

	case model.CollectionThreads:
		// Re-running the orchestrator over the thread's embedded chunks
		// recomputes retrieval and the request id from current state.
		chunkIDs, embeddingModel, err := s.embeddedChunks(ctx, key)
		if err != nil {
			return events.Envelope{}, false, err
		}
		if len(chunkIDs) == 0 {
			return events.Envelope{}, false, nil
		}
		evt, err := events.New(events.TypeEmbeddingsGenerated, events.EmbeddingsGenerated{
			ChunkIDs:           chunkIDs,
			EmbeddingModel:     embeddingModel,
			VectorStoreUpdated: true,
			Timestamp:          time.Now().UTC(),
		})
		return evt, err == nil, err

	case model.CollectionSummaries:
		evt, err := events.New(events.TypeSummaryComplete, events.SummaryComplete{
			ThreadID:    stringField(doc, "thread_id"),
			SummaryID:   key,
			SummaryType: stringField(doc, "summary_type"),
			GeneratedAt: time.Now().UTC(),
		})
		return evt, err == nil, err
	}
	return events.Envelope{}, false, fmt.Errorf("unknown collection %q", collection)
}

// embeddedChunks lists the thread's chunks whose vectors are in the
// vector store, capped to keep the re-emitted event bounded.
func (s *Supervisor) embeddedChunks(ctx context.Context, threadID string) ([]string, string, error) {
	docs, err := s.store.Query(ctx, model.CollectionChunks, docstore.Filter{
		"thread_id":           threadID,
		"embedding_generated": true,
	}, 256)
	if err != nil {
		return nil, "", err
	}
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, stringField(doc, "_id"))
	}
	return ids, "recovered", nil
}

// recordStatusCounts exports the per-status document gauge for one
// collection.
func (s *Supervisor) recordStatusCounts(ctx context.Context, collection string) {
	for _, status := range []model.Status{
		model.StatusPending, model.StatusProcessing, model.StatusCompleted, model.StatusFailed,
	} {
		count, err := s.store.Count(ctx, collection, docstore.Filter{
			model.FieldStatus: string(status),
		})
		if err != nil {
			log.WithError(err).WithField("collection", collection).
				Debug("Failed to count documents for status gauge")
			return
		}
		s.collector.Gauge("document_status_count", float64(count),
			map[string]string{"collection": collection, "status": string(status)})
	}
}

// intField tolerates the numeric types JSON decoding produces.
func intField(doc map[string]interface{}, field string) int {
	switch v := doc[field].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func stringField(doc map[string]interface{}, field string) string {
	s, _ := doc[field].(string)
	return s
}

// timeField parses an RFC 3339 timestamp field.
func timeField(doc map[string]interface{}, field string) (time.Time, bool) {
	raw, ok := doc[field].(string)
	if !ok || raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
