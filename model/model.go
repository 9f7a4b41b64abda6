// Package model defines the persisted document shapes for the five pipeline
// collections and the shared processing status machine. Documents cross the
// store boundary as generic maps (drivers stay schema-agnostic); the ToDoc
// and FromDoc helpers convert between the typed structs and that wire form
// using the structs' json tags.
package model

import (
	"encoding/json"
	"time"
)

// Collection names. The document store namespaces them with the configured
// database prefix.
const (
	CollectionArchives  = "archives"
	CollectionMessages  = "messages"
	CollectionThreads   = "threads"
	CollectionChunks    = "chunks"
	CollectionSummaries = "summaries"
)

// Collections lists every collection, in pipeline order. Used for store
// initialization and supervisor sweeps.
var Collections = []string{
	CollectionArchives,
	CollectionMessages,
	CollectionThreads,
	CollectionChunks,
	CollectionSummaries,
}

// Status is the processing state of a document. Transitions move
// monotonically toward completed or failed; the retry supervisor may move a
// failed document back to processing when it re-emits the originating event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the four recognized statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving from one status to another is legal.
// Same-status writes are allowed so idempotent replays stay cheap.
// completed is terminal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	case StatusFailed:
		return to == StatusProcessing
	case StatusCompleted:
		return false
	}
	return false
}

// Document field names used by the store's merge and update rules.
const (
	FieldStatus          = "status"
	FieldAttemptCount    = "attempt_count"
	FieldLastAttemptTime = "last_attempt_time"
	FieldLastUpdated     = "last_updated"
)

// InsertMergeFields are the only fields an insert is allowed to carry over
// onto an existing document. Everything else is immutable once written.
var InsertMergeFields = []string{FieldStatus, FieldAttemptCount, FieldLastUpdated}

// MutableFields lists, per collection, the fields Update may patch. The
// shared status bookkeeping fields plus each collection's stage-derived
// fields. Patches touching anything else are rejected.
var MutableFields = map[string][]string{
	CollectionArchives: {FieldStatus, FieldAttemptCount, FieldLastAttemptTime, FieldLastUpdated, "message_count"},
	CollectionMessages: {FieldStatus, FieldAttemptCount, FieldLastAttemptTime, FieldLastUpdated},
	CollectionThreads:  {FieldStatus, FieldAttemptCount, FieldLastAttemptTime, FieldLastUpdated, "participants", "message_count", "summary_id"},
	CollectionChunks:   {FieldStatus, FieldAttemptCount, FieldLastAttemptTime, FieldLastUpdated, "embedding_generated"},
	CollectionSummaries: {FieldStatus, FieldAttemptCount, FieldLastAttemptTime, FieldLastUpdated,
		"content", "citations", "generated_by", "generated_at", "request_id"},
}

// Archive is one ingested mbox file from a named source.
type Archive struct {
	Key             string     `json:"_id"`
	Source          string     `json:"source"`
	FileHash        string     `json:"file_hash"`
	StorageID       string     `json:"storage_id"`
	IngestionDate   time.Time  `json:"ingestion_date"`
	MessageCount    int        `json:"message_count"`
	Status          Status     `json:"status"`
	AttemptCount    int        `json:"attempt_count"`
	LastAttemptTime *time.Time `json:"last_attempt_time,omitempty"`
	LastUpdated     time.Time  `json:"last_updated"`
}

// Message is one RFC-5322 message decomposed from an archive. RFC822ID is
// the normalized Message-ID header; the deterministic key is derived from
// it together with the archive key.
type Message struct {
	Key             string     `json:"_id"`
	ArchiveID       string     `json:"archive_id"`
	ThreadID        string     `json:"thread_id"`
	RFC822ID        string     `json:"rfc822_message_id"`
	InReplyTo       string     `json:"in_reply_to,omitempty"`
	References      []string   `json:"references,omitempty"`
	Subject         string     `json:"subject"`
	Date            time.Time  `json:"date"`
	Participants    []string   `json:"participants"`
	Body            string     `json:"body"`
	Status          Status     `json:"status"`
	AttemptCount    int        `json:"attempt_count"`
	LastAttemptTime *time.Time `json:"last_attempt_time,omitempty"`
	LastUpdated     time.Time  `json:"last_updated"`
}

// Thread groups the messages hanging off one root message. RootMessageID is
// the key of the root message and is what the thread key derives from.
type Thread struct {
	Key             string     `json:"_id"`
	ArchiveID       string     `json:"archive_id"`
	RootMessageID   string     `json:"root_message_id"`
	Subject         string     `json:"subject"`
	Participants    []string   `json:"participants"`
	MessageCount    int        `json:"message_count"`
	SummaryID       string     `json:"summary_id,omitempty"`
	Status          Status     `json:"status"`
	AttemptCount    int        `json:"attempt_count"`
	LastAttemptTime *time.Time `json:"last_attempt_time,omitempty"`
	LastUpdated     time.Time  `json:"last_updated"`
}

// Chunk is one embedding-sized window of a message body. The vector store
// holds a vector under the chunk key exactly when EmbeddingGenerated is
// true; the embed stage writes the vector first and flips the flag second.
type Chunk struct {
	Key                string     `json:"_id"`
	MessageID          string     `json:"message_id"`
	ThreadID           string     `json:"thread_id"`
	ArchiveID          string     `json:"archive_id"`
	ChunkIndex         int        `json:"chunk_index"`
	Text               string     `json:"text"`
	TokenCount         int        `json:"token_count"`
	StartOffset        int        `json:"start_offset,omitempty"`
	EndOffset          int        `json:"end_offset,omitempty"`
	EmbeddingGenerated bool       `json:"embedding_generated"`
	Status             Status     `json:"status"`
	AttemptCount       int        `json:"attempt_count"`
	LastAttemptTime    *time.Time `json:"last_attempt_time,omitempty"`
	LastUpdated        time.Time  `json:"last_updated"`
}

// Summary is one generated summary for a thread, keyed by thread and
// summary type. Citations list the chunk keys the summary drew on.
type Summary struct {
	Key             string     `json:"_id"`
	ThreadID        string     `json:"thread_id"`
	SummaryType     string     `json:"summary_type"`
	Content         string     `json:"content"`
	Citations       []string   `json:"citations"`
	GeneratedBy     string     `json:"generated_by"`
	GeneratedAt     time.Time  `json:"generated_at"`
	RequestID       string     `json:"request_id,omitempty"`
	Status          Status     `json:"status"`
	AttemptCount    int        `json:"attempt_count"`
	LastAttemptTime *time.Time `json:"last_attempt_time,omitempty"`
	LastUpdated     time.Time  `json:"last_updated"`
}

// ToDoc converts a typed document to the generic map form the store
// operates on.
func ToDoc(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	doc := map[string]interface{}{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// FromDoc decodes a generic store document into a typed struct.
func FromDoc(doc map[string]interface{}, target interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}
