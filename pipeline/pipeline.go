// Package pipeline implements the six stage workers that move mailing-list
// archives from raw mbox bytes to delivered summaries:
//
//	ingest → parse → chunk → embed → orchestrate → summarize → report
//
// Each stage consumes one event type, reads the referenced documents,
// writes the documents it owns, and publishes the next event. Idempotency
// comes from deterministic document keys: replaying any event against
// already-completed work is a store-level no-op and emits no duplicate
// downstream event.
//
// Failure protocol: errors the stage cannot attribute to a document (a
// malformed payload, a missing referenced document) are returned to the
// bus, which requeues once and then routes the message to the stage's
// failure queue. Failures the stage can attribute (backend gave up after
// retries, schema rejection at publish) mark the document failed, publish
// the stage's failure event, and acknowledge — from there the retry
// supervisor is the authority on re-emitting and giving up.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"copilot.mailarchive.org/bus"
	"copilot.mailarchive.org/docstore"
	"copilot.mailarchive.org/events"
	"copilot.mailarchive.org/metrics"
	"copilot.mailarchive.org/model"
	"copilot.mailarchive.org/worker"
)

// Deps bundles what every stage needs: the document store, the validating
// publisher, the metrics collector and the shared retry policy. Stage
// constructors add their own adapters on top.
type Deps struct {
	Store     docstore.Store
	Publisher bus.Publisher
	Collector *metrics.Collector
	Retry     worker.RetryConfig
}

func (d *Deps) collector() *metrics.Collector {
	if d.Collector == nil {
		d.Collector = metrics.NewCollector()
	}
	return d.Collector
}

// publish builds an envelope from the payload and sends it through the
// validating publisher.
func (d *Deps) publish(ctx context.Context, eventType string, payload interface{}) error {
	evt, err := events.New(eventType, payload)
	if err != nil {
		return err
	}
	return d.Publisher.Publish(ctx, evt)
}

// markFailedAndPublish applies the attributable-failure protocol: the
// document is marked failed first, then the stage failure event goes out.
// Publish errors here are logged, not returned; the document state is
// what the supervisor recovers from.
func (d *Deps) markFailedAndPublish(ctx context.Context, collection, key, failureType string, payload interface{}) {
	if key != "" {
		if _, err := docstore.MarkFailed(ctx, d.Store, collection, key); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"collection": collection,
				"key":        key,
			}).Error("Failed to mark document failed")
		}
	}
	if err := d.publish(ctx, failureType, payload); err != nil {
		log.WithError(err).WithField("event_type", failureType).
			Error("Failed to publish failure event")
	}
}

// attemptCount reads a document's attempt counter for failure payloads.
func (d *Deps) attemptCount(ctx context.Context, collection, key string) int {
	doc, err := d.Store.Get(ctx, collection, key)
	if err != nil {
		return 0
	}
	return intField(doc, model.FieldAttemptCount)
}

// intField tolerates the numeric types JSON decoding produces.
func intField(doc map[string]interface{}, field string) int {
	switch v := doc[field].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// stringField reads a string field, empty when absent or mistyped.
func stringField(doc map[string]interface{}, field string) string {
	s, _ := doc[field].(string)
	return s
}

// boolField reads a bool field, false when absent or mistyped.
func boolField(doc map[string]interface{}, field string) bool {
	b, _ := doc[field].(bool)
	return b
}

// stringsField reads a []string field that may arrive as []interface{}
// after a JSON round trip.
func stringsField(doc map[string]interface{}, field string) []string {
	switch v := doc[field].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// nowUTC is the single clock for event timestamps in this package.
func nowUTC() time.Time {
	return time.Now().UTC()
}
