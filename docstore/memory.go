package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"copilot.mailarchive.org/common"
	"copilot.mailarchive.org/model"
)

// MemoryStore is a mutex-guarded in-memory Store with the same merge and
// filter semantics as the CouchDB driver. It backs unit tests and local
// single-process runs.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]interface{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store with all pipeline collections.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{collections: map[string]map[string]map[string]interface{}{}}
	for _, c := range model.Collections {
		s.collections[c] = map[string]map[string]interface{}{}
	}
	return s
}

// Insert implements Store. See the interface comment for merge semantics.
func (s *MemoryStore) Insert(ctx context.Context, collection string, doc map[string]interface{}) (string, error) {
	key, err := resolveKey(collection, doc)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	docs, ok := s.collections[collection]
	if !ok {
		return "", fmt.Errorf("unknown collection %q", collection)
	}

	incoming := cloneDoc(doc)
	incoming["_id"] = key

	existing, found := docs[key]
	if !found {
		incoming[model.FieldLastUpdated] = time.Now().UTC().Format(time.RFC3339Nano)
		docs[key] = incoming
		return key, nil
	}

	merged := cloneDoc(existing)
	mergeOnInsert(merged, incoming)
	docs[key] = merged
	return key, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, collection, key string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	doc, found := docs[key]
	if !found {
		return nil, fmt.Errorf("get %s/%s: %w", collection, key, common.ErrNotFound)
	}
	return cloneDoc(doc), nil
}

// Query implements Store. Matching documents are returned in unspecified
// order; limit <= 0 means no limit.
func (s *MemoryStore) Query(ctx context.Context, collection string, filter Filter, limit int) ([]map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}

	var results []map[string]interface{}
	for _, doc := range docs {
		match, err := matchesFilter(doc, filter)
		if err != nil {
			return nil, err
		}
		if match {
			results = append(results, cloneDoc(doc))
			if limit > 0 && len(results) >= limit {
				break
			}
		}
	}
	return results, nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, collection, key string, patch map[string]interface{}) (bool, error) {
	if err := validatePatch(collection, patch); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	docs, ok := s.collections[collection]
	if !ok {
		return false, fmt.Errorf("unknown collection %q", collection)
	}
	doc, found := docs[key]
	if !found {
		return false, nil
	}

	updated := cloneDoc(doc)
	applyPatch(updated, patch)
	docs[key] = updated
	return true, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, collection, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, ok := s.collections[collection]
	if !ok {
		return false, fmt.Errorf("unknown collection %q", collection)
	}
	if _, found := docs[key]; !found {
		return false, nil
	}
	delete(docs, key)
	return true, nil
}

// Count implements Store.
func (s *MemoryStore) Count(ctx context.Context, collection string, filter Filter) (int, error) {
	results, err := s.Query(ctx, collection, filter, 0)
	if err != nil {
		return 0, err
	}
	return len(results), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// resolveKey computes the key from the document fields and cross-checks a
// provided _id against it.
func resolveKey(collection string, doc map[string]interface{}) (string, error) {
	derived, err := KeyFor(collection, doc)
	if err != nil {
		return "", err
	}
	if provided, ok := doc["_id"].(string); ok && provided != "" && provided != derived {
		return "", fmt.Errorf("%s document key %q does not match derived key %q", collection, provided, derived)
	}
	return derived, nil
}

// mergeOnInsert applies the insert-merge rule onto an existing document:
// only the status bookkeeping fields cross over, status moves only forward,
// attempt_count never decreases.
func mergeOnInsert(existing, incoming map[string]interface{}) {
	if next, ok := incoming[model.FieldStatus].(string); ok {
		if statusTransitionAllowed(existing[model.FieldStatus], next) {
			existing[model.FieldStatus] = next
		}
	}
	if in, ok := incoming[model.FieldAttemptCount]; ok {
		if toInt(in) > toInt(existing[model.FieldAttemptCount]) {
			existing[model.FieldAttemptCount] = toInt(in)
		}
	}
	existing[model.FieldLastUpdated] = time.Now().UTC().Format(time.RFC3339Nano)
}

// applyPatch applies an already-validated patch, gating status regressions
// and stamping last_updated. Attempt bookkeeping travels with its status
// transition: a gated transition is not an entry into processing, so a
// replayed patch must not move attempt_count or last_attempt_time either.
func applyPatch(doc, patch map[string]interface{}) {
	gated := false
	if value, ok := patch[model.FieldStatus]; ok {
		next, isString := value.(string)
		gated = !isString || !statusTransitionAllowed(doc[model.FieldStatus], next)
	}
	for field, value := range patch {
		switch field {
		case model.FieldStatus, model.FieldAttemptCount, model.FieldLastAttemptTime:
			if gated {
				continue
			}
		}
		doc[field] = normalizeValue(value)
	}
	doc[model.FieldLastUpdated] = time.Now().UTC().Format(time.RFC3339Nano)
}

// matchesFilter evaluates the supported selector subset against a document.
func matchesFilter(doc map[string]interface{}, filter Filter) (bool, error) {
	for field, cond := range filter {
		value, present := doc[field]
		ops, isOps := cond.(map[string]interface{})
		if !isOps {
			if !present || !valuesEqual(value, cond) {
				return false, nil
			}
			continue
		}
		for op, operand := range ops {
			switch op {
			case "$in":
				if !present || !valueIn(value, operand) {
					return false, nil
				}
			case "$lt":
				cmp, comparable := compareValues(value, operand)
				if !present || !comparable || cmp >= 0 {
					return false, nil
				}
			case "$gt":
				cmp, comparable := compareValues(value, operand)
				if !present || !comparable || cmp <= 0 {
					return false, nil
				}
			case "$eq":
				if !present || !valuesEqual(value, operand) {
					return false, nil
				}
			default:
				return false, fmt.Errorf("unsupported filter operator %q", op)
			}
		}
	}
	return true, nil
}

// valuesEqual compares two values after normalizing numerics to float64,
// matching what JSON decoding produces.
func valuesEqual(a, b interface{}) bool {
	return reflect.DeepEqual(normalizeValue(a), normalizeValue(b))
}

func valueIn(value, operand interface{}) bool {
	switch list := operand.(type) {
	case []interface{}:
		for _, item := range list {
			if valuesEqual(value, item) {
				return true
			}
		}
	case []string:
		for _, item := range list {
			if valuesEqual(value, item) {
				return true
			}
		}
	}
	return false
}

// compareValues orders two scalars: numerically when both are numbers,
// lexicographically when both are strings. RFC3339 timestamps compare
// correctly as strings.
func compareValues(a, b interface{}) (int, bool) {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		// RFC 3339 fractions have variable width, so timestamps compare
		// as times, not as bytes.
		if at, errA := time.Parse(time.RFC3339Nano, as); errA == nil {
			if bt, errB := time.Parse(time.RFC3339Nano, bs); errB == nil {
				switch {
				case at.Before(bt):
					return -1, true
				case at.After(bt):
					return 1, true
				}
				return 0, true
			}
		}
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// normalizeValue runs a value through JSON so stored documents always hold
// the decoded shapes (float64 numbers, []interface{} slices) regardless of
// whether they arrived from a typed struct or off the wire.
func normalizeValue(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// cloneDoc deep-copies a document so callers never alias store internals.
func cloneDoc(doc map[string]interface{}) map[string]interface{} {
	out := normalizeValue(doc)
	if m, ok := out.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}
