package events

import "time"

// ArchiveIngested is the payload for archive.ingested.
type ArchiveIngested struct {
	ArchiveID     string    `json:"archive_id"`
	Source        string    `json:"source"`
	StorageID     string    `json:"storage_id"`
	FileHash      string    `json:"file_hash"`
	IngestionDate time.Time `json:"ingestion_date"`
	MessageCount  int       `json:"message_count,omitempty"`
}

// ArchiveIngestionFailed is the payload for archive.ingestion.failed.
type ArchiveIngestionFailed struct {
	Source       string `json:"source"`
	Path         string `json:"path,omitempty"`
	ArchiveID    string `json:"archive_id,omitempty"`
	Error        string `json:"error"`
	AttemptCount int    `json:"attempt_count"`
}

// JSONParsed is the payload for json.parsed. One event per newly inserted
// message; duplicates are skipped upstream and never re-published.
type JSONParsed struct {
	ArchiveID string    `json:"archive_id"`
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	ParsedAt  time.Time `json:"parsed_at"`
}

// ParsingFailed is the payload for parsing.failed.
type ParsingFailed struct {
	ArchiveID    string `json:"archive_id"`
	Error        string `json:"error"`
	AttemptCount int    `json:"attempt_count"`
}

// ChunksPrepared is the payload for chunks.prepared.
type ChunksPrepared struct {
	ArchiveID  string    `json:"archive_id"`
	MessageID  string    `json:"message_id"`
	ChunkIDs   []string  `json:"chunk_ids"`
	ChunkCount int       `json:"chunk_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChunkingFailed is the payload for chunking.failed.
type ChunkingFailed struct {
	MessageID    string `json:"message_id"`
	Error        string `json:"error"`
	ErrorType    string `json:"error_type,omitempty"`
	AttemptCount int    `json:"attempt_count"`
}

// EmbeddingsGenerated is the payload for embeddings.generated. Published
// after every chunk in the triggering event has its vector stored and its
// flag set, or per batch slice when the event exceeds the batch ceiling.
type EmbeddingsGenerated struct {
	ChunkIDs           []string  `json:"chunk_ids"`
	EmbeddingModel     string    `json:"embedding_model"`
	VectorStoreUpdated bool      `json:"vector_store_updated"`
	Timestamp          time.Time `json:"timestamp"`
}

// EmbeddingGenerationFailed is the payload for embedding.generation.failed.
type EmbeddingGenerationFailed struct {
	ChunkIDs     []string `json:"chunk_ids"`
	Error        string   `json:"error"`
	AttemptCount int      `json:"attempt_count"`
}

// LLMParams carries generation parameters from the orchestrator to the
// summarize stage so a request is reproducible from its event alone.
type LLMParams struct {
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// SummarizationRequested is the payload for summarization.requested.
// RequestID is a deterministic hash of the thread key, the context chunk
// ids and the summary type, which is what makes duplicate requests cheap to
// drop at the summarize stage.
type SummarizationRequested struct {
	ThreadIDs       []string  `json:"thread_ids"`
	SummaryType     string    `json:"summary_type"`
	RequestID       string    `json:"request_id"`
	ContextChunkIDs []string  `json:"context_chunk_ids"`
	LLMParams       LLMParams `json:"llm_params"`
}

// OrchestrationFailed is the payload for orchestration.failed.
type OrchestrationFailed struct {
	ThreadID     string `json:"thread_id,omitempty"`
	Error        string `json:"error"`
	AttemptCount int    `json:"attempt_count"`
}

// SummaryComplete is the payload for summary.complete.
type SummaryComplete struct {
	ThreadID    string    `json:"thread_id"`
	SummaryID   string    `json:"summary_id"`
	SummaryType string    `json:"summary_type"`
	GeneratedAt time.Time `json:"generated_at"`
}

// SummarizationFailed is the payload for summarization.failed.
type SummarizationFailed struct {
	ThreadIDs    []string `json:"thread_ids"`
	RequestID    string   `json:"request_id,omitempty"`
	Error        string   `json:"error"`
	AttemptCount int      `json:"attempt_count"`
}

// ReportPublished is the payload for report.published.
type ReportPublished struct {
	SummaryID   string    `json:"summary_id"`
	ThreadID    string    `json:"thread_id"`
	Sinks       []string  `json:"sinks"`
	PublishedAt time.Time `json:"published_at"`
}

// ReportDeliveryFailed is the payload for report.delivery.failed.
type ReportDeliveryFailed struct {
	SummaryID    string `json:"summary_id"`
	Sink         string `json:"sink"`
	Error        string `json:"error"`
	AttemptCount int    `json:"attempt_count"`
}
