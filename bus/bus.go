// Package bus provides the message bus abstraction moving events between
// pipeline stages. It implements publishing with broker acknowledgment,
// durable queue declaration, and single-dispatch consumption with manual
// acknowledgment.
//
// Two broker families are supported:
//   - RabbitMQ: one topic exchange, one durable queue per event type bound
//     by routing key, publisher confirms, mandatory routing, persistent
//     messages (rabbit.go)
//   - Azure Service Bus: one topic, one durable subscription per consumer
//     stage filtered by message subject (servicebus.go)
//
// A third in-memory driver (memory.go) backs unit tests and single-process
// deployments.
//
// Delivery is at-least-once. A handler error causes a negative
// acknowledgment with requeue; when the same message fails a second
// delivery it is republished onto the consuming stage's failure queue with
// the original payload plus the error, then acknowledged. Exactly-once
// semantics are the application's job, via deterministic document keys.
package bus

import (
	"context"
	"fmt"

	"copilot.mailarchive.org/events"
)

// Handler processes one delivered event. Returning nil acknowledges the
// message. Returning an error negatively acknowledges it; the bus requeues
// the message once and routes it to the stage's failure queue on the second
// failed delivery.
type Handler func(ctx context.Context, event events.Envelope) error

// Publisher publishes events to the bus. Publish returns only after the
// broker has acknowledged the message.
type Publisher interface {
	// Publish sends the envelope routed by its event type. It returns a
	// *PublishError when the broker rejects the message or no queue or
	// subscription matches the routing key.
	Publish(ctx context.Context, event events.Envelope) error

	// Close releases the publisher's broker resources.
	Close() error
}

// Subscriber consumes events from the bus, one message at a time per
// subscription, with manual acknowledgment.
type Subscriber interface {
	// DeclareQueue pre-creates the durable queue (or subscription) for an
	// event type and binds it to the routing key derived from that type.
	// Idempotent.
	DeclareQueue(eventType string) error

	// Subscribe registers a handler for one event type. The routing key is
	// derived from the event type. Must be called before Start.
	Subscribe(eventType string, handler Handler) error

	// Start blocks, dispatching messages to registered handlers until the
	// context is canceled. The in-flight message finishes (or is negatively
	// acknowledged) before Start returns.
	Start(ctx context.Context) error

	// Close releases the subscriber's broker resources.
	Close() error
}

// Bus joins both halves for drivers that share a single connection.
type Bus interface {
	Publisher
	Subscriber
}

// PublishError reports a publish the broker refused, or a message no queue
// or subscription could receive.
type PublishError struct {
	RoutingKey string
	Reason     string
	Err        error
}

func (e *PublishError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("publish %s: %s: %v", e.RoutingKey, e.Reason, e.Err)
	}
	return fmt.Sprintf("publish %s: %s", e.RoutingKey, e.Reason)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// failureEnvelope builds the event republished to the consuming stage's
// failure queue when a message fails its second delivery. The original
// payload is preserved; the handler error and the delivery count are added.
func failureEnvelope(original events.Envelope, failureType string, handlerErr error) events.Envelope {
	evt := events.MustNew(failureType, nil)
	data := make(map[string]interface{}, len(original.Data)+2)
	for k, v := range original.Data {
		data[k] = v
	}
	data["error"] = handlerErr.Error()
	data["attempt_count"] = original.DeliveryCount
	evt.Data = data
	return evt
}
