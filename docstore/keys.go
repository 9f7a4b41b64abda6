// Package docstore provides the collection-oriented document store the
// pipeline stages write to, with the deterministic-key discipline that makes
// every write idempotent. Two drivers are included: CouchDB (kivik) for
// deployments and an in-memory store for tests and local runs.
//
// Keys are derived, never generated: the first 16 hex characters of the
// SHA-256 of a canonical input string. Re-processing the same input always
// lands on the same document, which is what turns at-least-once delivery
// into exactly-once effective processing.
package docstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"copilot.mailarchive.org/model"
)

// KeyLength is the number of hex characters kept from the SHA-256 digest.
const KeyLength = 16

// DeriveKey hashes a canonical input string into a document key.
func DeriveKey(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:KeyLength]
}

// normalize lowercases and trims an identifier before it enters a canonical
// string, so "<A@X> " and "<a@x>" derive the same key.
func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ArchiveKey derives the archives key from the source name and the SHA-256
// hex digest of the raw file bytes.
func ArchiveKey(sourceName, fileHashHex string) string {
	return DeriveKey(normalize(sourceName) + "|" + normalize(fileHashHex))
}

// MessageKey derives the messages key from the parent archive key and the
// normalized RFC-822 Message-ID.
func MessageKey(archiveKey, rfc822MessageID string) string {
	return DeriveKey(normalize(archiveKey) + "|" + normalize(rfc822MessageID))
}

// ChunkKey derives the chunks key from the parent message key and the chunk
// index within the message.
func ChunkKey(messageKey string, chunkIndex int) string {
	return DeriveKey(normalize(messageKey) + "|" + strconv.Itoa(chunkIndex))
}

// ThreadKey derives the threads key from the root message key.
func ThreadKey(rootMessageKey string) string {
	return DeriveKey(normalize(rootMessageKey))
}

// SummaryKey derives the summaries key from the thread key and summary type.
func SummaryKey(threadKey, summaryType string) string {
	return DeriveKey(normalize(threadKey) + "|" + normalize(summaryType))
}

// KeyFor computes the canonical key for a document from its own fields, per
// collection. Insert uses this to compute a missing key or validate a
// provided one.
func KeyFor(collection string, doc map[string]interface{}) (string, error) {
	str := func(field string) (string, error) {
		v, ok := doc[field]
		if !ok {
			return "", fmt.Errorf("%s document missing %q", collection, field)
		}
		s, ok := v.(string)
		if !ok || s == "" {
			return "", fmt.Errorf("%s document field %q is not a non-empty string", collection, field)
		}
		return s, nil
	}

	switch collection {
	case model.CollectionArchives:
		source, err := str("source")
		if err != nil {
			return "", err
		}
		hash, err := str("file_hash")
		if err != nil {
			return "", err
		}
		return ArchiveKey(source, hash), nil
	case model.CollectionMessages:
		archive, err := str("archive_id")
		if err != nil {
			return "", err
		}
		msgID, err := str("rfc822_message_id")
		if err != nil {
			return "", err
		}
		return MessageKey(archive, msgID), nil
	case model.CollectionChunks:
		msg, err := str("message_id")
		if err != nil {
			return "", err
		}
		idx, ok := doc["chunk_index"]
		if !ok {
			return "", fmt.Errorf("chunks document missing %q", "chunk_index")
		}
		return ChunkKey(msg, toInt(idx)), nil
	case model.CollectionThreads:
		root, err := str("root_message_id")
		if err != nil {
			return "", err
		}
		return ThreadKey(root), nil
	case model.CollectionSummaries:
		thread, err := str("thread_id")
		if err != nil {
			return "", err
		}
		typ, err := str("summary_type")
		if err != nil {
			return "", err
		}
		return SummaryKey(thread, typ), nil
	}
	return "", fmt.Errorf("unknown collection %q", collection)
}

// toInt handles the two shapes an index arrives in: a Go int from typed
// structs and a float64 from JSON-decoded documents.
func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
