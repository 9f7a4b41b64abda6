package bus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"

	"copilot.mailarchive.org/common"
	"copilot.mailarchive.org/events"
)

// ServiceBusConfig holds the connection settings for the Azure Service Bus
// driver. The topic defaults to the shared event topic; every consumer
// stage gets one durable subscription on it.
type ServiceBusConfig struct {
	ConnectionString string
	Topic            string
}

func (c ServiceBusConfig) withDefaults() ServiceBusConfig {
	if c.Topic == "" {
		c.Topic = events.Exchange
	}
	return c
}

// failuresSubscription collects events no stage consumes: the failure
// events and the terminal report.published. Operators drain it out of band.
const failuresSubscription = "copilot-failures"

// eventTypeFilterRule is the name of the single SQL filter rule installed
// on every subscription in place of the accept-all default rule.
const eventTypeFilterRule = "EventTypeFilter"

// ServiceBusBus is the cloud topic driver. All events flow through one
// topic; the routing key travels in the message subject and each
// subscription filters on it with a SQL rule. Delivery counting is native,
// so a message abandoned once arrives the second time with DeliveryCount 2.
type ServiceBusBus struct {
	client *azservicebus.Client
	admin  *admin.Client
	sender *azservicebus.Sender
	config ServiceBusConfig

	mu        sync.Mutex
	subs      []*sbSubscription
	receivers []*azservicebus.Receiver
	started   bool
}

type sbSubscription struct {
	eventType    string
	subscription string
	handler      Handler
}

// NewServiceBusBus connects to Azure Service Bus and ensures the shared
// topic exists.
func NewServiceBusBus(config ServiceBusConfig) (*ServiceBusBus, error) {
	config = config.withDefaults()

	client, err := azservicebus.NewClientFromConnectionString(config.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Service Bus: %w", err)
	}
	adminClient, err := admin.NewClientFromConnectionString(config.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus admin client: %w", err)
	}

	b := &ServiceBusBus{
		client: client,
		admin:  adminClient,
		config: config,
	}
	if err := b.ensureTopic(context.Background()); err != nil {
		return nil, err
	}

	sender, err := client.NewSender(config.Topic, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}
	b.sender = sender
	return b, nil
}

func (b *ServiceBusBus) ensureTopic(ctx context.Context) error {
	existing, err := b.admin.GetTopic(ctx, b.config.Topic, nil)
	if err != nil {
		return fmt.Errorf("failed to look up topic %s: %w", b.config.Topic, err)
	}
	if existing != nil {
		return nil
	}
	if _, err := b.admin.CreateTopic(ctx, b.config.Topic, nil); err != nil {
		return fmt.Errorf("failed to create topic %s: %w", b.config.Topic, err)
	}
	return nil
}

// DeclareQueue ensures the durable subscription for an event type exists
// with its EventTypeFilter rule. Event types without an in-core consumer
// share the failures subscription, whose rule matches all of them.
func (b *ServiceBusBus) DeclareQueue(eventType string) error {
	ctx := context.Background()
	stage := events.ConsumerStage(eventType)
	if stage == "" {
		return b.ensureSubscription(ctx, failuresSubscription, unconsumedTypes())
	}
	return b.ensureSubscription(ctx, events.SubscriptionName(stage), []string{routingKey(eventType)})
}

func (b *ServiceBusBus) ensureSubscription(ctx context.Context, name string, eventTypes []string) error {
	existing, err := b.admin.GetSubscription(ctx, b.config.Topic, name, nil)
	if err != nil {
		return fmt.Errorf("failed to look up subscription %s: %w", name, err)
	}
	if existing == nil {
		if _, err := b.admin.CreateSubscription(ctx, b.config.Topic, name, nil); err != nil {
			return fmt.Errorf("failed to create subscription %s: %w", name, err)
		}
	}

	rule, err := b.admin.GetRule(ctx, b.config.Topic, name, eventTypeFilterRule, nil)
	if err != nil {
		return fmt.Errorf("failed to look up filter rule on %s: %w", name, err)
	}
	if rule == nil {
		_, err = b.admin.CreateRule(ctx, b.config.Topic, name, &admin.CreateRuleOptions{
			Name:   common.Ptr(eventTypeFilterRule),
			Filter: &admin.SQLFilter{Expression: subjectFilter(eventTypes)},
		})
		if err != nil {
			return fmt.Errorf("failed to create filter rule on %s: %w", name, err)
		}
		// The default rule matches everything; with it in place the
		// subject filter would be meaningless.
		if _, err := b.admin.DeleteRule(ctx, b.config.Topic, name, "$Default", nil); err != nil {
			common.Logger.WithError(err).WithField("subscription", name).Debug("Default rule already removed")
		}
	}
	return nil
}

// subjectFilter builds the SQL expression matching the given routing keys
// against the message subject.
func subjectFilter(eventTypes []string) string {
	quoted := make([]string, len(eventTypes))
	for i, t := range eventTypes {
		quoted[i] = "'" + t + "'"
	}
	return fmt.Sprintf("sys.Subject IN (%s)", strings.Join(quoted, ", "))
}

// unconsumedTypes lists the canonical event types no stage subscribes to.
func unconsumedTypes() []string {
	var out []string
	for _, t := range events.Types {
		if events.ConsumerStage(t) == "" {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Publish sends the envelope to the shared topic with the routing key in
// the message subject. SendMessage returns after the broker accepts the
// message, which covers the acknowledgment requirement. The service cannot
// report an unmatched subject, so an event nobody subscribed to is dropped
// by the topic rather than surfacing as an error.
func (b *ServiceBusBus) Publish(ctx context.Context, event events.Envelope) error {
	body, err := event.JSON()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := &azservicebus.Message{
		Body:        body,
		Subject:     common.Ptr(routingKey(event.EventType)),
		ContentType: common.Ptr("application/json"),
		MessageID:   common.Ptr(event.EventID),
		ApplicationProperties: map[string]interface{}{
			"event_type": event.EventType,
		},
	}
	if err := b.sender.SendMessage(ctx, msg, nil); err != nil {
		return &PublishError{RoutingKey: event.EventType, Reason: "broker rejected publish", Err: err}
	}
	common.Logger.WithField("event_type", event.EventType).Debugf("Published event %s", event.EventID)
	return nil
}

// Subscribe registers a handler for one event type on the consuming
// stage's subscription.
func (b *ServiceBusBus) Subscribe(eventType string, handler Handler) error {
	stage := events.ConsumerStage(eventType)
	if stage == "" {
		return fmt.Errorf("no consumer stage for event type %s", eventType)
	}
	if err := b.DeclareQueue(eventType); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("cannot subscribe after Start")
	}
	b.subs = append(b.subs, &sbSubscription{
		eventType:    eventType,
		subscription: events.SubscriptionName(stage),
		handler:      handler,
	})
	return nil
}

// Start receives one message at a time per subscription until the context
// is canceled.
func (b *ServiceBusBus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("already started")
	}
	b.started = true
	subs := b.subs
	b.mu.Unlock()

	if len(subs) == 0 {
		return fmt.Errorf("no subscriptions registered")
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		receiver, err := b.client.NewReceiverForSubscription(b.config.Topic, sub.subscription, nil)
		if err != nil {
			return fmt.Errorf("failed to create receiver for %s: %w", sub.subscription, err)
		}
		b.mu.Lock()
		b.receivers = append(b.receivers, receiver)
		b.mu.Unlock()

		wg.Add(1)
		go func(sub *sbSubscription, receiver *azservicebus.Receiver) {
			defer wg.Done()
			b.receiveLoop(ctx, sub, receiver)
		}(sub, receiver)
	}

	common.Logger.WithField("subscriptions", len(subs)).Info("Bus consuming")
	wg.Wait()
	return nil
}

func (b *ServiceBusBus) receiveLoop(ctx context.Context, sub *sbSubscription, receiver *azservicebus.Receiver) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := receiver.ReceiveMessages(ctx, 1, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			common.Logger.WithError(err).WithField("subscription", sub.subscription).Error("Receive failed")
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			b.dispatch(ctx, sub, receiver, msg)
		}
	}
}

// dispatch runs the handler for one received message. A failed first
// delivery is abandoned so the service redelivers it; a failed redelivery
// is republished onto the stage's failure queue and completed.
func (b *ServiceBusBus) dispatch(ctx context.Context, sub *sbSubscription, receiver *azservicebus.Receiver, msg *azservicebus.ReceivedMessage) {
	event, err := events.Parse(msg.Body)
	if err != nil {
		common.Logger.WithError(err).WithField("subscription", sub.subscription).Error("Discarding malformed message")
		event = events.Envelope{EventType: sub.eventType, Data: map[string]interface{}{"raw": string(msg.Body)}}
	}
	event.DeliveryCount = int(msg.DeliveryCount)
	if event.DeliveryCount < 1 {
		event.DeliveryCount = 1
	}

	if err == nil {
		err = sub.handler(ctx, event)
		if err == nil {
			if cerr := receiver.CompleteMessage(ctx, msg, nil); cerr != nil {
				common.Logger.WithError(cerr).Error("Failed to complete message")
			}
			return
		}
		common.Logger.WithError(err).WithFields(map[string]interface{}{
			"event_type": event.EventType,
			"event_id":   event.EventID,
		}).Error("Handler failed")
	}

	if event.DeliveryCount < 2 {
		if aerr := receiver.AbandonMessage(ctx, msg, nil); aerr != nil {
			common.Logger.WithError(aerr).Error("Failed to abandon message")
		}
		return
	}

	failureType := events.FailureFor(sub.eventType)
	if failureType == "" {
		if derr := receiver.DeadLetterMessage(ctx, msg, &azservicebus.DeadLetterOptions{
			Reason:           common.Ptr("handler_failed"),
			ErrorDescription: common.Ptr(err.Error()),
		}); derr != nil {
			common.Logger.WithError(derr).Error("Failed to dead-letter message")
		}
		return
	}

	failure := failureEnvelope(event, failureType, err)
	if perr := b.Publish(ctx, failure); perr != nil {
		common.Logger.WithError(perr).WithField("event_type", failureType).Error("Failed to route message to failure queue")
		if aerr := receiver.AbandonMessage(ctx, msg, nil); aerr != nil {
			common.Logger.WithError(aerr).Error("Failed to abandon message")
		}
		return
	}
	if cerr := receiver.CompleteMessage(ctx, msg, nil); cerr != nil {
		common.Logger.WithError(cerr).Error("Failed to complete message")
	}
}

// Close closes the receivers, the sender and the underlying connection.
func (b *ServiceBusBus) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b.mu.Lock()
	receivers := b.receivers
	b.receivers = nil
	b.mu.Unlock()

	for _, r := range receivers {
		if err := r.Close(ctx); err != nil {
			common.Logger.WithError(err).Debug("Receiver close failed")
		}
	}
	if b.sender != nil {
		if err := b.sender.Close(ctx); err != nil {
			common.Logger.WithError(err).Debug("Sender close failed")
		}
	}
	if b.client != nil {
		return b.client.Close(ctx)
	}
	return nil
}
