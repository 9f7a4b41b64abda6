package bus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"copilot.mailarchive.org/common"
	"copilot.mailarchive.org/events"
)

// RabbitMQConfig holds the connection settings for the RabbitMQ driver.
// Heartbeat and blocked-connection timeout fall back to the environment
// (COPILOT_BUS_HEARTBEAT_SECONDS, COPILOT_BUS_BLOCKED_TIMEOUT_SECONDS) and
// then to 300 s and 600 s.
type RabbitMQConfig struct {
	URL                   string
	Exchange              string
	HeartbeatSeconds      int
	BlockedTimeoutSeconds int
	PrefetchCount         int
}

func (c RabbitMQConfig) withDefaults() RabbitMQConfig {
	if c.Exchange == "" {
		c.Exchange = events.Exchange
	}
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = envInt("COPILOT_BUS_HEARTBEAT_SECONDS", 300)
	}
	if c.BlockedTimeoutSeconds <= 0 {
		c.BlockedTimeoutSeconds = envInt("COPILOT_BUS_BLOCKED_TIMEOUT_SECONDS", 600)
	}
	if c.BlockedTimeoutSeconds < 2*c.HeartbeatSeconds {
		c.BlockedTimeoutSeconds = 2 * c.HeartbeatSeconds
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 1
	}
	return c
}

func envInt(key string, fallback int) int {
	raw := common.GetEnv(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		common.Logger.WithField("key", key).Warnf("Ignoring non-numeric value %q", raw)
		return fallback
	}
	return n
}

// RabbitMQBus is the topic-exchange driver. It publishes persistent
// messages with the mandatory flag on a confirm-mode channel and consumes
// one message at a time per subscription with manual acknowledgment.
//
// The publish channel is serialized by a mutex so each confirmation can be
// matched to the publish that caused it. Consumers get their own channels.
type RabbitMQBus struct {
	connection AMQPConnection
	channel    AMQPChannel
	config     RabbitMQConfig
	confirms   chan amqp.Confirmation
	returns    chan amqp.Return

	pubMu sync.Mutex

	mu          sync.Mutex
	subs        []*rabbitSubscription
	consumerChs []AMQPChannel
	started     bool
}

type rabbitSubscription struct {
	eventType string
	queue     string
	handler   Handler
}

// NewRabbitMQBus connects to RabbitMQ and declares the topic exchange.
func NewRabbitMQBus(config RabbitMQConfig) (*RabbitMQBus, error) {
	return NewRabbitMQBusWithDialer(config, &RealAMQPDialer{})
}

// NewRabbitMQBusWithDialer creates the bus with an injected dialer for
// testing.
func NewRabbitMQBusWithDialer(config RabbitMQConfig, dialer AMQPDialer) (*RabbitMQBus, error) {
	config = config.withDefaults()

	conn, err := dialer.Dial(config.URL, amqp.Config{
		Heartbeat: time.Duration(config.HeartbeatSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		config.Exchange, // name
		"topic",         // kind
		true,            // durable
		false,           // auto-delete
		false,           // internal
		false,           // no-wait
		nil,             // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	b := &RabbitMQBus{
		connection: conn,
		channel:    ch,
		config:     config,
		confirms:   ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		returns:    ch.NotifyReturn(make(chan amqp.Return, 8)),
	}
	return b, nil
}

// DeclareQueue declares the durable queue for an event type and binds it to
// the topic exchange under the routing key derived from the type.
func (b *RabbitMQBus) DeclareQueue(eventType string) error {
	queue := events.QueueName(eventType)
	_, err := b.channel.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := b.channel.QueueBind(queue, routingKey(eventType), b.config.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}
	return nil
}

// QueueDepth reports the number of messages waiting on the queue for an
// event type.
func (b *RabbitMQBus) QueueDepth(eventType string) (int, error) {
	q, err := b.channel.QueueInspect(events.QueueName(eventType))
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}
	return q.Messages, nil
}

// Publish sends the envelope to the topic exchange and waits for the broker
// to confirm it. The message is persistent and mandatory; a returned
// message or a negative confirmation surfaces as *PublishError.
func (b *RabbitMQBus) Publish(ctx context.Context, event events.Envelope) error {
	body, err := event.JSON()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.drainReturns()

	err = b.channel.Publish(
		b.config.Exchange,           // exchange
		routingKey(event.EventType), // routing key
		true,                        // mandatory
		false,                       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.EventID,
			Timestamp:    event.Timestamp,
			Type:         event.EventType,
			Body:         body,
		},
	)
	if err != nil {
		return &PublishError{RoutingKey: event.EventType, Reason: "broker rejected publish", Err: err}
	}

	timeout := time.Duration(b.config.BlockedTimeoutSeconds) * time.Second
	select {
	case conf := <-b.confirms:
		if !conf.Ack {
			return &PublishError{RoutingKey: event.EventType, Reason: "broker negatively acknowledged"}
		}
	case <-ctx.Done():
		return &PublishError{RoutingKey: event.EventType, Reason: "canceled waiting for confirm", Err: ctx.Err()}
	case <-time.After(timeout):
		return &PublishError{RoutingKey: event.EventType, Reason: "timed out waiting for confirm"}
	}

	// The broker sends basic.return before the confirmation on the same
	// channel, so an unroutable message is visible here.
	select {
	case ret := <-b.returns:
		return &PublishError{
			RoutingKey: event.EventType,
			Reason:     fmt.Sprintf("unroutable (%d %s)", ret.ReplyCode, ret.ReplyText),
		}
	default:
	}

	common.Logger.WithField("event_type", event.EventType).Debugf("Published event %s", event.EventID)
	return nil
}

func (b *RabbitMQBus) drainReturns() {
	for {
		select {
		case <-b.returns:
		default:
			return
		}
	}
}

// Subscribe registers a handler for one event type. The queue is declared
// and bound immediately; consumption begins when Start is called.
func (b *RabbitMQBus) Subscribe(eventType string, handler Handler) error {
	if err := b.DeclareQueue(eventType); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("cannot subscribe after Start")
	}
	b.subs = append(b.subs, &rabbitSubscription{
		eventType: eventType,
		queue:     events.QueueName(eventType),
		handler:   handler,
	})
	return nil
}

// Start consumes every subscription until the context is canceled. Each
// subscription gets its own channel with a prefetch window of one message,
// so a slow handler never holds more than one delivery.
func (b *RabbitMQBus) Start(ctx context.Context) error {
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
		ch, err := b.connection.Channel()
		if err != nil {
			return fmt.Errorf("failed to open consumer channel: %w", err)
		}
		if err := ch.Qos(b.config.PrefetchCount, 0, false); err != nil {
			ch.Close()
			return fmt.Errorf("failed to set prefetch: %w", err)
		}
		deliveries, err := ch.Consume(
			sub.queue,                // queue
			"copilot-"+sub.eventType, // consumer
			false,                    // auto-ack
			false,                    // exclusive
			false,                    // no-local
			false,                    // no-wait
			nil,                      // args
		)
		if err != nil {
			ch.Close()
			return fmt.Errorf("failed to consume %s: %w", sub.queue, err)
		}
		b.mu.Lock()
		b.consumerChs = append(b.consumerChs, ch)
		b.mu.Unlock()

		wg.Add(1)
		go func(sub *rabbitSubscription) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					b.dispatch(ctx, sub, d)
				}
			}
		}(sub)
	}

	common.Logger.WithField("subscriptions", len(subs)).Info("Bus consuming")
	wg.Wait()
	return nil
}

// dispatch runs the handler for one delivery and acknowledges it. A failed
// first delivery is requeued; a failed redelivery is republished onto the
// consuming stage's failure queue and then acknowledged so it cannot loop.
func (b *RabbitMQBus) dispatch(ctx context.Context, sub *rabbitSubscription, d amqp.Delivery) {
	event, err := events.Parse(d.Body)
	if err != nil {
		common.Logger.WithError(err).WithField("queue", sub.queue).Error("Discarding malformed message")
		event = events.Envelope{EventType: sub.eventType, Data: map[string]interface{}{"raw": string(d.Body)}}
		b.handleFailure(sub, d, event, err)
		return
	}
	event.DeliveryCount = 1
	if d.Redelivered {
		event.DeliveryCount = 2
	}

	if err := sub.handler(ctx, event); err != nil {
		common.Logger.WithError(err).WithFields(map[string]interface{}{
			"event_type": event.EventType,
			"event_id":   event.EventID,
		}).Error("Handler failed")
		b.handleFailure(sub, d, event, err)
		return
	}

	if err := d.Ack(false); err != nil {
		common.Logger.WithError(err).Error("Failed to ack delivery")
	}
}

func (b *RabbitMQBus) handleFailure(sub *rabbitSubscription, d amqp.Delivery, event events.Envelope, handlerErr error) {
	if !d.Redelivered {
		if err := d.Nack(false, true); err != nil {
			common.Logger.WithError(err).Error("Failed to nack delivery")
		}
		return
	}

	failureType := events.FailureFor(sub.eventType)
	if failureType == "" {
		// No failure queue for this event type; drop after the second
		// failed delivery.
		if err := d.Nack(false, false); err != nil {
			common.Logger.WithError(err).Error("Failed to nack delivery")
		}
		return
	}

	event.DeliveryCount = 2
	failure := failureEnvelope(event, failureType, handlerErr)
	if err := b.Publish(context.Background(), failure); err != nil {
		common.Logger.WithError(err).WithField("event_type", failureType).Error("Failed to route message to failure queue")
		if err := d.Nack(false, true); err != nil {
			common.Logger.WithError(err).Error("Failed to nack delivery")
		}
		return
	}
	if err := d.Ack(false); err != nil {
		common.Logger.WithError(err).Error("Failed to ack delivery")
	}
}

// Close closes the consumer channels, the publish channel and the
// connection.
func (b *RabbitMQBus) Close() error {
	b.mu.Lock()
	consumers := b.consumerChs
	b.consumerChs = nil
	b.mu.Unlock()

	for _, ch := range consumers {
		ch.Close()
	}
	if b.channel != nil {
		b.channel.Close()
	}
	if b.connection != nil {
		b.connection.Close()
	}
	return nil
}

func routingKey(eventType string) string {
	return strings.ToLower(strings.TrimSpace(eventType))
}
