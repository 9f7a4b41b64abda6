package bus

import (
	"context"
	"fmt"
	"sync"

	"copilot.mailarchive.org/common"
	"copilot.mailarchive.org/events"
)

// MemoryBus is an in-process bus used by unit tests and single-process
// deployments. Queues are slices guarded by one mutex; Publish to an
// undeclared routing key fails the way a mandatory message with no bound
// queue does on RabbitMQ.
//
// Redelivery mirrors the broker drivers: a failed delivery goes back on
// the queue once, a second failure routes the message to the consuming
// stage's failure queue.
type MemoryBus struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queues   map[string][]memoryDelivery
	handlers map[string]Handler
	closed   bool
}

type memoryDelivery struct {
	event    events.Envelope
	attempts int
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	b := &MemoryBus{
		queues:   make(map[string][]memoryDelivery),
		handlers: make(map[string]Handler),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// DeclareQueue creates the queue for an event type. Idempotent.
func (b *MemoryBus) DeclareQueue(eventType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := routingKey(eventType)
	if _, ok := b.queues[key]; !ok {
		b.queues[key] = nil
	}
	return nil
}

// Publish appends the envelope to the queue bound to its event type.
func (b *MemoryBus) Publish(ctx context.Context, event events.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishLocked(event)
}

func (b *MemoryBus) publishLocked(event events.Envelope) error {
	if b.closed {
		return &PublishError{RoutingKey: event.EventType, Reason: "bus closed"}
	}
	key := routingKey(event.EventType)
	if _, ok := b.queues[key]; !ok {
		return &PublishError{RoutingKey: event.EventType, Reason: "unroutable (no queue declared)"}
	}
	b.queues[key] = append(b.queues[key], memoryDelivery{event: event})
	b.cond.Broadcast()
	return nil
}

// Subscribe registers a handler for one event type and declares its queue.
func (b *MemoryBus) Subscribe(eventType string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := routingKey(eventType)
	if _, ok := b.handlers[key]; ok {
		return fmt.Errorf("already subscribed to %s", eventType)
	}
	if _, ok := b.queues[key]; !ok {
		b.queues[key] = nil
	}
	b.handlers[key] = handler
	return nil
}

// Start dispatches queued messages to handlers, one at a time, until the
// context is canceled or the bus is closed.
func (b *MemoryBus) Start(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	for {
		b.mu.Lock()
		for !b.closed && ctx.Err() == nil && !b.readyLocked() {
			b.cond.Wait()
		}
		if b.closed || ctx.Err() != nil {
			b.mu.Unlock()
			return nil
		}
		key, d := b.popLocked()
		b.mu.Unlock()
		b.dispatch(ctx, key, d)
	}
}

// Drain synchronously dispatches until every subscribed queue is empty.
// Tests use it to run a burst of events to quiescence without goroutines.
func (b *MemoryBus) Drain(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.mu.Lock()
		if !b.readyLocked() {
			b.mu.Unlock()
			return nil
		}
		key, d := b.popLocked()
		b.mu.Unlock()
		b.dispatch(ctx, key, d)
	}
}

// readyLocked reports whether any queue with a handler has a pending
// message.
func (b *MemoryBus) readyLocked() bool {
	for key, q := range b.queues {
		if len(q) > 0 {
			if _, ok := b.handlers[key]; ok {
				return true
			}
		}
	}
	return false
}

func (b *MemoryBus) popLocked() (string, memoryDelivery) {
	for key, q := range b.queues {
		if len(q) == 0 {
			continue
		}
		if _, ok := b.handlers[key]; !ok {
			continue
		}
		d := q[0]
		b.queues[key] = q[1:]
		return key, d
	}
	return "", memoryDelivery{}
}

func (b *MemoryBus) dispatch(ctx context.Context, key string, d memoryDelivery) {
	b.mu.Lock()
	handler := b.handlers[key]
	b.mu.Unlock()
	if handler == nil {
		return
	}

	event := d.event
	event.DeliveryCount = d.attempts + 1

	err := handler(ctx, event)
	if err == nil {
		return
	}
	common.Logger.WithError(err).WithFields(map[string]interface{}{
		"event_type": event.EventType,
		"event_id":   event.EventID,
	}).Error("Handler failed")

	b.mu.Lock()
	defer b.mu.Unlock()

	if event.DeliveryCount < 2 {
		b.queues[key] = append(b.queues[key], memoryDelivery{event: d.event, attempts: 1})
		b.cond.Broadcast()
		return
	}

	failureType := events.FailureFor(event.EventType)
	if failureType == "" {
		common.Logger.WithField("event_type", event.EventType).Error("Dropping message after second failed delivery")
		return
	}
	failure := failureEnvelope(event, failureType, err)
	if perr := b.publishLocked(failure); perr != nil {
		common.Logger.WithError(perr).WithField("event_type", failureType).Error("Failed to route message to failure queue")
	}
}

// Depth reports the number of messages waiting on the queue for an event
// type.
func (b *MemoryBus) Depth(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[routingKey(eventType)])
}

// Pending returns a copy of the messages waiting on the queue for an event
// type. Used by tests to inspect failure queues.
func (b *MemoryBus) Pending(eventType string) []events.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[routingKey(eventType)]
	out := make([]events.Envelope, len(q))
	for i, d := range q {
		out[i] = d.event
	}
	return out
}

// Close stops dispatch and fails subsequent publishes.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
	return nil
}
