package docstore

import (
	"context"
	"fmt"

	"copilot.mailarchive.org/model"
)

// Filter is a Mango-style selector: field → literal for equality, or
// field → {"$in": [...]}, {"$lt": v}, {"$gt": v}. Richer operators are not
// part of the contract; the CouchDB driver passes selectors through
// unchanged and the memory driver evaluates exactly this subset.
type Filter map[string]interface{}

// Store is the document store every stage reads and writes through.
//
// Insert computes (or validates) the deterministic key from the document's
// own fields and upserts: when a document with that key already exists, only
// the status bookkeeping fields are merged and everything else is kept as
// written by the first insert. Inserting duplicate content is never an
// error.
//
// Update patches mutable fields only, per model.MutableFields, and stamps
// last_updated. It reports false when the document does not exist. Status
// patches that would move backwards (for example completed back to pending
// on a replay) are dropped rather than rejected, which keeps replays cheap
// while preserving monotonic transitions.
//
// Delete exists for retention jobs only and is not part of the pipeline
// path.
type Store interface {
	Insert(ctx context.Context, collection string, doc map[string]interface{}) (string, error)
	Get(ctx context.Context, collection, key string) (map[string]interface{}, error)
	Query(ctx context.Context, collection string, filter Filter, limit int) ([]map[string]interface{}, error)
	Update(ctx context.Context, collection, key string, patch map[string]interface{}) (bool, error)
	Delete(ctx context.Context, collection, key string) (bool, error)
	Count(ctx context.Context, collection string, filter Filter) (int, error)
	Close() error
}

// validatePatch rejects patches that touch immutable fields.
func validatePatch(collection string, patch map[string]interface{}) error {
	allowed, ok := model.MutableFields[collection]
	if !ok {
		return fmt.Errorf("unknown collection %q", collection)
	}
	for field := range patch {
		found := false
		for _, a := range allowed {
			if field == a {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("field %q of %s documents is immutable", field, collection)
		}
	}
	return nil
}

// statusTransitionAllowed evaluates a status patch against the current
// document. Non-string values and unknown statuses are rejected by the
// caller through model.Status.Valid.
func statusTransitionAllowed(current interface{}, next string) bool {
	cur, _ := current.(string)
	if cur == "" {
		return model.Status(next).Valid()
	}
	return model.CanTransition(model.Status(cur), model.Status(next))
}
