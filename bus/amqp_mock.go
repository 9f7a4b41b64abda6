package bus

import (
	"fmt"

	"github.com/streadway/amqp"
)

// MockAMQPConnection is a mock implementation of AMQPConnection for testing
type MockAMQPConnection struct {
	// MockChannel is the channel to return from Channel()
	MockChannel AMQPChannel
	// Errors to return from operations
	ChannelErr error
	CloseErr   error
	// Track function calls
	ChannelCalled bool
	CloseCalled   bool
}

// Channel returns the mock channel
func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	m.ChannelCalled = true
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

// Close mocks closing the connection
func (m *MockAMQPConnection) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPChannel is a mock implementation of AMQPChannel for testing.
// When confirm mode is enabled, every Publish is acknowledged on the
// NotifyPublish channel unless NackPublishes is set. Setting
// ReturnUnroutable simulates the broker returning a mandatory message that
// matched no queue.
type MockAMQPChannel struct {
	// PublishedMessages stores all published messages for verification
	PublishedMessages []amqp.Publishing
	// PublishedKeys stores routing keys for published messages
	PublishedKeys []string
	// Deliveries feeds the channel returned by Consume
	Deliveries chan amqp.Delivery
	// InspectMessages is the message count QueueInspect reports
	InspectMessages int

	// Errors to return from operations
	ExchangeDeclareErr error
	QueueDeclareErr    error
	QueueBindErr       error
	QosErr             error
	PublishErr         error
	ConsumeErr         error
	ConfirmErr         error
	CloseErr           error

	// Behavior toggles for confirm mode
	NackPublishes    bool
	ReturnUnroutable bool

	// Track function calls
	ExchangeDeclareCalled bool
	QueueDeclareCalled    bool
	QueueBindCalled       bool
	QosCalled             bool
	PublishCalled         bool
	ConsumeCalled         bool
	ConfirmCalled         bool
	CloseCalled           bool

	// Store last call parameters
	LastExchangeName string
	LastExchangeKind string
	LastQueueName    string
	LastBindQueue    string
	LastBindKey      string
	LastBindExchange string
	LastExchange     string
	LastKey          string
	LastMandatory    bool
	LastConsumeQueue string
	LastPrefetch     int

	confirms  chan amqp.Confirmation
	returns   chan amqp.Return
	deliveryN uint64
}

// ExchangeDeclare mocks declaring an exchange
func (m *MockAMQPChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	m.ExchangeDeclareCalled = true
	m.LastExchangeName = name
	m.LastExchangeKind = kind
	return m.ExchangeDeclareErr
}

// QueueDeclare mocks declaring a queue
func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.QueueDeclareCalled = true
	m.LastQueueName = name
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	return amqp.Queue{
		Name:      name,
		Messages:  m.InspectMessages,
		Consumers: 0,
	}, nil
}

// QueueBind mocks binding a queue
func (m *MockAMQPChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	m.QueueBindCalled = true
	m.LastBindQueue = name
	m.LastBindKey = key
	m.LastBindExchange = exchange
	return m.QueueBindErr
}

// QueueInspect mocks queue inspection
func (m *MockAMQPChannel) QueueInspect(name string) (amqp.Queue, error) {
	return amqp.Queue{Name: name, Messages: m.InspectMessages}, nil
}

// Qos mocks setting the prefetch window
func (m *MockAMQPChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	m.QosCalled = true
	m.LastPrefetch = prefetchCount
	return m.QosErr
}

// Publish mocks publishing a message. In confirm mode it emits the matching
// return and confirmation the way a real broker would.
func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.PublishCalled = true
	m.LastExchange = exchange
	m.LastKey = key
	m.LastMandatory = mandatory
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.PublishedMessages = append(m.PublishedMessages, msg)
	m.PublishedKeys = append(m.PublishedKeys, key)
	m.deliveryN++
	if m.ReturnUnroutable && m.returns != nil {
		m.returns <- amqp.Return{
			ReplyCode:  312,
			ReplyText:  "NO_ROUTE",
			Exchange:   exchange,
			RoutingKey: key,
			Body:       msg.Body,
		}
	}
	if m.confirms != nil {
		m.confirms <- amqp.Confirmation{DeliveryTag: m.deliveryN, Ack: !m.NackPublishes}
	}
	return nil
}

// Consume mocks consuming from a queue, serving deliveries from the
// Deliveries channel
func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	m.ConsumeCalled = true
	m.LastConsumeQueue = queue
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	if m.Deliveries == nil {
		m.Deliveries = make(chan amqp.Delivery, 16)
	}
	return m.Deliveries, nil
}

// Confirm mocks enabling publisher confirm mode
func (m *MockAMQPChannel) Confirm(noWait bool) error {
	m.ConfirmCalled = true
	return m.ConfirmErr
}

// NotifyPublish registers the confirmation listener
func (m *MockAMQPChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	m.confirms = confirm
	return confirm
}

// NotifyReturn registers the returned-message listener
func (m *MockAMQPChannel) NotifyReturn(ret chan amqp.Return) chan amqp.Return {
	m.returns = ret
	return ret
}

// Close mocks closing the channel
func (m *MockAMQPChannel) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPDialer is a mock implementation of AMQPDialer for testing
type MockAMQPDialer struct {
	// MockConnection is the connection to return from Dial()
	MockConnection AMQPConnection
	// Error to return from Dial
	DialErr error
	// Track function calls
	DialCalled bool
	// Store last call parameters
	LastURL    string
	LastConfig amqp.Config
}

// Dial mocks dialing an AMQP connection
func (m *MockAMQPDialer) Dial(url string, config amqp.Config) (AMQPConnection, error) {
	m.DialCalled = true
	m.LastURL = url
	m.LastConfig = config
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}

// SetupMockDialerForTest creates a fully configured mock dialer for testing
func SetupMockDialerForTest() (*MockAMQPDialer, *MockAMQPChannel, *MockAMQPConnection) {
	mockChannel := &MockAMQPChannel{
		PublishedMessages: make([]amqp.Publishing, 0),
		PublishedKeys:     make([]string, 0),
		Deliveries:        make(chan amqp.Delivery, 16),
	}

	mockConn := &MockAMQPConnection{
		MockChannel: mockChannel,
	}

	mockDialer := &MockAMQPDialer{
		MockConnection: mockConn,
	}

	return mockDialer, mockChannel, mockConn
}

// SetupMockDialerWithChannelError creates a mock dialer that fails on
// channel creation
func SetupMockDialerWithChannelError() *MockAMQPDialer {
	mockConn := &MockAMQPConnection{
		ChannelErr: fmt.Errorf("failed to open channel"),
	}

	return &MockAMQPDialer{
		MockConnection: mockConn,
	}
}

// MockAcknowledger records acknowledgment calls for deliveries handed to
// handlers in tests
type MockAcknowledger struct {
	AckCalled    bool
	NackCalled   bool
	NackRequeue  bool
	LastTag      uint64
	AckErr       error
	NackErr      error
	RejectCalled bool
}

// Ack records an acknowledgment
func (m *MockAcknowledger) Ack(tag uint64, multiple bool) error {
	m.AckCalled = true
	m.LastTag = tag
	return m.AckErr
}

// Nack records a negative acknowledgment
func (m *MockAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	m.NackCalled = true
	m.NackRequeue = requeue
	m.LastTag = tag
	return m.NackErr
}

// Reject records a rejection
func (m *MockAcknowledger) Reject(tag uint64, requeue bool) error {
	m.RejectCalled = true
	m.LastTag = tag
	return nil
}
