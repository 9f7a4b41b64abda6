// Package blobstore stores raw archive bytes under opaque keys.
//
// The ingest stage writes each collected mbox file here and records the
// key as the archive's storage_id; the parse stage reads the bytes back
// by that key. Three drivers implement the Store interface: an
// S3-compatible driver (AWS, MinIO, Hetzner object storage), a local
// filesystem driver and an in-memory driver for tests.
package blobstore

import "context"

// Store is the blob storage interface shared by all drivers.
//
// Get and Metadata return common.ErrNotFound for unknown keys. Delete is
// idempotent and succeeds when the key is already gone, matching S3
// semantics. List returns keys under the given prefix in lexical order.
type Store interface {
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Metadata(ctx context.Context, key string) (map[string]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
