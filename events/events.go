// Package events defines the wire envelope and the canonical event types
// that move work between pipeline stages. Every event published to the bus
// is an Envelope: a JSON object carrying the event type, a unique id, a UTC
// timestamp, the envelope version and a payload object.
//
// Event types double as routing keys. A stage subscribes to exactly one
// event type and publishes the next one in the chain, so the full dataflow
// is visible in the constant block below.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the envelope version stamped on every published event. Schema
// lookup uses "{version}.{event_type}".
const Version = "1.0"

// Exchange is the single topic exchange (or cloud topic) all pipeline
// events flow through.
const Exchange = "copilot.events"

// Canonical event types. The dot-separated form is used verbatim as the
// routing key on the topic exchange and as the message subject on cloud
// topic drivers.
const (
	TypeArchiveIngested        = "archive.ingested"
	TypeArchiveIngestionFailed = "archive.ingestion.failed"
	TypeJSONParsed             = "json.parsed"
	TypeParsingFailed          = "parsing.failed"
	TypeChunksPrepared         = "chunks.prepared"
	TypeChunkingFailed         = "chunking.failed"
	TypeEmbeddingsGenerated    = "embeddings.generated"
	TypeEmbeddingFailed        = "embedding.generation.failed"
	TypeSummarizationRequested = "summarization.requested"
	TypeOrchestrationFailed    = "orchestration.failed"
	TypeSummaryComplete        = "summary.complete"
	TypeSummarizationFailed    = "summarization.failed"
	TypeReportPublished        = "report.published"
	TypeReportDeliveryFailed   = "report.delivery.failed"
)

// Types lists every canonical event type. Used by schema registry loading
// and by queue declaration at startup.
var Types = []string{
	TypeArchiveIngested,
	TypeArchiveIngestionFailed,
	TypeJSONParsed,
	TypeParsingFailed,
	TypeChunksPrepared,
	TypeChunkingFailed,
	TypeEmbeddingsGenerated,
	TypeEmbeddingFailed,
	TypeSummarizationRequested,
	TypeOrchestrationFailed,
	TypeSummaryComplete,
	TypeSummarizationFailed,
	TypeReportPublished,
	TypeReportDeliveryFailed,
}

// Envelope is the base structure for all pipeline events. Data holds the
// event-specific payload; typed accessors live in payloads.go. Unknown
// top-level keys in incoming JSON are ignored on parse.
type Envelope struct {
	EventType string                 `json:"event_type"`
	EventID   string                 `json:"event_id"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Data      map[string]interface{} `json:"data"`

	// DeliveryCount tracks how many times the bus has delivered this
	// message to the current process. Set by the driver, never serialized.
	DeliveryCount int `json:"-"`
}

// New creates an Envelope of the given type with a fresh UUID v4 id, the
// current UTC time and the current envelope version. The payload struct is
// converted to the Data map through JSON, so the wire field names come from
// the payload's json tags.
func New(eventType string, payload interface{}) (Envelope, error) {
	evt := Envelope{
		EventType: eventType,
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Version:   Version,
		Data:      map[string]interface{}{},
	}
	if payload != nil {
		if err := evt.SetData(payload); err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
		}
	}
	return evt, nil
}

// MustNew is New for payloads built from static struct literals, where an
// encoding failure is a programming error.
func MustNew(eventType string, payload interface{}) Envelope {
	evt, err := New(eventType, payload)
	if err != nil {
		panic(err)
	}
	return evt
}

// SetData replaces the payload with the JSON projection of the given struct.
func (e *Envelope) SetData(payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data := map[string]interface{}{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return err
	}
	e.Data = data
	return nil
}

// DataAs decodes the payload into the given typed struct.
func (e *Envelope) DataAs(target interface{}) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

// JSON serializes the envelope for the wire.
func (e *Envelope) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Parse deserializes an envelope from wire bytes. Only the envelope shape
// is checked here; payload validation belongs to the schema package.
func Parse(data []byte) (Envelope, error) {
	var evt Envelope
	if err := json.Unmarshal(data, &evt); err != nil {
		return Envelope{}, fmt.Errorf("parse event envelope: %w", err)
	}
	if evt.EventType == "" {
		return Envelope{}, fmt.Errorf("parse event envelope: missing event_type")
	}
	return evt, nil
}

// failureTypes maps each consumed event type to the failure event type of
// the stage that consumes it. Bus drivers use this to route a message that
// failed twice onto the stage's failure queue.
var failureTypes = map[string]string{
	TypeArchiveIngested:        TypeParsingFailed,
	TypeJSONParsed:             TypeChunkingFailed,
	TypeChunksPrepared:         TypeEmbeddingFailed,
	TypeEmbeddingsGenerated:    TypeOrchestrationFailed,
	TypeSummarizationRequested: TypeSummarizationFailed,
	TypeSummaryComplete:        TypeReportDeliveryFailed,
}

// FailureFor returns the failure event type for the stage consuming the
// given event type, or "" when the event type has no in-core consumer.
func FailureFor(eventType string) string {
	return failureTypes[eventType]
}

// consumerStages maps each consumed event type to the stage that consumes
// it. Cloud drivers derive subscription names from the stage.
var consumerStages = map[string]string{
	TypeArchiveIngested:        "parse",
	TypeJSONParsed:             "chunk",
	TypeChunksPrepared:         "embed",
	TypeEmbeddingsGenerated:    "orchestrate",
	TypeSummarizationRequested: "summarize",
	TypeSummaryComplete:        "report",
}

// ConsumerStage returns the name of the stage consuming the given event
// type, or "" when nothing in the core consumes it.
func ConsumerStage(eventType string) string {
	return consumerStages[eventType]
}

// QueueName derives the durable queue name bound to an event type on the
// topic exchange. One queue per event type; competing consumers share it.
func QueueName(eventType string) string {
	return "copilot." + eventType
}

// SubscriptionName derives the cloud subscription name for a consumer
// stage. One durable subscription per stage.
func SubscriptionName(stage string) string {
	return "copilot-" + stage
}
