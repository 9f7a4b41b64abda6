package schema

import (
	"context"

	"copilot.mailarchive.org/bus"
	"copilot.mailarchive.org/common"
	"copilot.mailarchive.org/events"
)

// ValidatingPublisher wraps a bus publisher so every outbound event is
// validated before it is sent. In strict mode a validation failure aborts
// the publish and the bus is never touched. Non-strict mode logs the
// violation and publishes anyway; it exists for development only.
type ValidatingPublisher struct {
	next     bus.Publisher
	registry *Registry
	strict   bool
}

// NewValidatingPublisher decorates the given publisher with strict
// validation.
func NewValidatingPublisher(next bus.Publisher, registry *Registry) *ValidatingPublisher {
	return &ValidatingPublisher{next: next, registry: registry, strict: true}
}

// NewLenientPublisher decorates the given publisher with log-and-proceed
// validation for development use.
func NewLenientPublisher(next bus.Publisher, registry *Registry) *ValidatingPublisher {
	return &ValidatingPublisher{next: next, registry: registry, strict: false}
}

// Publish validates the envelope payload and forwards it to the wrapped
// publisher. The returned error is a *common.ValidationError when the
// payload failed its schema in strict mode.
func (p *ValidatingPublisher) Publish(ctx context.Context, event events.Envelope) error {
	if err := p.registry.ValidateEvent(event); err != nil {
		if p.strict {
			return err
		}
		common.Logger.WithError(err).WithField("event_type", event.EventType).
			Warn("Publishing event that failed schema validation")
	}
	return p.next.Publish(ctx, event)
}

// Close closes the wrapped publisher.
func (p *ValidatingPublisher) Close() error {
	return p.next.Close()
}
