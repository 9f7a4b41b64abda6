// Package cache provides distributed locks and request deduplication.
//
// The retry supervisor takes a lock before sweeping failed documents so
// only one instance re-emits events, and the summarize stage marks
// request ids so a duplicated summarization request executes at most
// once within the dedupe window. Both are SetNX-with-TTL patterns; the
// Redis driver is the production backend, the memory driver serves tests
// and single-process runs.
package cache

import (
	"context"
	"time"
)

// Cache is the lock and dedupe interface shared by both drivers.
//
// AcquireLock returns true when the caller now holds the named lock;
// a second acquire before release or TTL expiry returns false.
// MarkProcessed records an id and returns true only for the first call
// within the TTL, so callers can gate side effects on the result.
type Cache interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
	IsLocked(ctx context.Context, name string) (bool, error)
	MarkProcessed(ctx context.Context, id string, ttl time.Duration) (bool, error)
	WasProcessed(ctx context.Context, id string) (bool, error)
	Close() error
}
