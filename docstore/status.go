package docstore

import (
	"context"
	"time"

	"copilot.mailarchive.org/model"
)

// MarkProcessing moves a document into processing and increments its
// attempt count, which by contract happens on every entry into processing
// whether the trigger was a fresh event, a bus redelivery replay of
// completed work (where the status gate makes it a no-op), or a supervisor
// re-emit.
func MarkProcessing(ctx context.Context, store Store, collection, key string) (bool, error) {
	doc, err := store.Get(ctx, collection, key)
	if err != nil {
		return false, err
	}
	attempts := toInt(doc[model.FieldAttemptCount]) + 1
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return store.Update(ctx, collection, key, map[string]interface{}{
		model.FieldStatus:          string(model.StatusProcessing),
		model.FieldAttemptCount:    attempts,
		model.FieldLastAttemptTime: now,
	})
}

// MarkCompleted moves a document to completed.
func MarkCompleted(ctx context.Context, store Store, collection, key string) (bool, error) {
	return store.Update(ctx, collection, key, map[string]interface{}{
		model.FieldStatus: string(model.StatusCompleted),
	})
}

// MarkFailed moves a document to failed.
func MarkFailed(ctx context.Context, store Store, collection, key string) (bool, error) {
	return store.Update(ctx, collection, key, map[string]interface{}{
		model.FieldStatus: string(model.StatusFailed),
	})
}
