package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStatus_Valid tests status recognition
func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		assert.True(t, s.Valid(), "status %q should be valid", s)
	}
	assert.False(t, Status("queued").Valid())
	assert.False(t, Status("").Valid())
}

// TestCanTransition tests the monotonic state machine
func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		ok   bool
	}{
		{name: "PendingToProcessing", from: StatusPending, to: StatusProcessing, ok: true},
		{name: "PendingToFailed", from: StatusPending, to: StatusFailed, ok: true},
		{name: "ProcessingToCompleted", from: StatusProcessing, to: StatusCompleted, ok: true},
		{name: "ProcessingToFailed", from: StatusProcessing, to: StatusFailed, ok: true},
		{name: "FailedToProcessingRetry", from: StatusFailed, to: StatusProcessing, ok: true},
		{name: "SameStatusReplay", from: StatusProcessing, to: StatusProcessing, ok: true},
		{name: "CompletedIsTerminal", from: StatusCompleted, to: StatusProcessing, ok: false},
		{name: "CompletedNeverFails", from: StatusCompleted, to: StatusFailed, ok: false},
		{name: "NoSkipToCompleted", from: StatusPending, to: StatusCompleted, ok: false},
		{name: "FailedNeverCompletesDirectly", from: StatusFailed, to: StatusCompleted, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

// TestMutableFields_CoverEveryCollection tests the update allow-lists
func TestMutableFields_CoverEveryCollection(t *testing.T) {
	for _, c := range Collections {
		fields, ok := MutableFields[c]
		require.True(t, ok, "collection %q missing from MutableFields", c)
		assert.Contains(t, fields, FieldStatus)
		assert.Contains(t, fields, FieldLastUpdated)
	}
	assert.Contains(t, MutableFields[CollectionChunks], "embedding_generated")
	assert.Contains(t, MutableFields[CollectionThreads], "summary_id")
	assert.NotContains(t, MutableFields[CollectionChunks], "text")
	assert.NotContains(t, MutableFields[CollectionMessages], "body")
}

// TestDocRoundTrip tests typed struct to store map conversion
func TestDocRoundTrip(t *testing.T) {
	now := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
	chunk := Chunk{
		Key:                "0123456789abcdef",
		MessageID:          "fedcba9876543210",
		ThreadID:           "1111222233334444",
		ArchiveID:          "aaaabbbbccccdddd",
		ChunkIndex:         3,
		Text:               "QUIC handshake latency discussion",
		TokenCount:         4,
		EmbeddingGenerated: true,
		Status:             StatusCompleted,
		LastUpdated:        now,
	}

	doc, err := ToDoc(chunk)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", doc["_id"])
	assert.Equal(t, true, doc["embedding_generated"])
	assert.Equal(t, "completed", doc["status"])

	var got Chunk
	require.NoError(t, FromDoc(doc, &got))
	assert.Equal(t, chunk, got)
}

// TestDocRoundTrip_OmitsUnsetOptionals tests that optional fields stay off the wire
func TestDocRoundTrip_OmitsUnsetOptionals(t *testing.T) {
	th := Thread{
		Key:         "root0000root0000",
		ArchiveID:   "aaaabbbbccccdddd",
		Subject:     "[quic] flow control",
		Status:      StatusPending,
		LastUpdated: time.Now().UTC(),
	}

	doc, err := ToDoc(th)
	require.NoError(t, err)
	assert.NotContains(t, doc, "summary_id")
	assert.NotContains(t, doc, "last_attempt_time")
}
