//go:build integration

package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"copilot.mailarchive.org/events"
)

// setupRabbitMQContainer starts a RabbitMQ container for testing
func setupRabbitMQContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-management-alpine",
		ExposedPorts: []string{"5672/tcp", "15672/tcp"},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": "guest",
			"RABBITMQ_DEFAULT_PASS": "guest",
		},
		WaitingFor: wait.ForLog("Server startup complete").
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start RabbitMQ container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)

	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())

	// Wait a bit for RabbitMQ to be fully ready
	time.Sleep(2 * time.Second)

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return url, cleanup
}

// TestRabbitMQBus_Integration_PublishConfirmed tests confirmed publishing to
// a declared queue
func TestRabbitMQBus_Integration_PublishConfirmed(t *testing.T) {
	url, cleanup := setupRabbitMQContainer(t)
	defer cleanup()

	bus, err := NewRabbitMQBus(RabbitMQConfig{URL: url, HeartbeatSeconds: 10})
	require.NoError(t, err)
	defer bus.Close()

	require.NoError(t, bus.DeclareQueue(events.TypeArchiveIngested))

	for i := 0; i < 5; i++ {
		event := events.MustNew(events.TypeArchiveIngested, events.ArchiveIngested{
			ArchiveID: fmt.Sprintf("archive-%d", i),
			Source:    "lkml",
		})
		require.NoError(t, bus.Publish(context.Background(), event))
	}

	depth, err := bus.QueueDepth(events.TypeArchiveIngested)
	require.NoError(t, err)
	assert.Equal(t, 5, depth, "all confirmed messages must be queued")
}

// TestRabbitMQBus_Integration_UnroutablePublish tests that a message with no
// bound queue fails the publish
func TestRabbitMQBus_Integration_UnroutablePublish(t *testing.T) {
	url, cleanup := setupRabbitMQContainer(t)
	defer cleanup()

	bus, err := NewRabbitMQBus(RabbitMQConfig{URL: url, HeartbeatSeconds: 10})
	require.NoError(t, err)
	defer bus.Close()

	// No queue declared for this event type.
	err = bus.Publish(context.Background(), events.MustNew(events.TypeReportPublished, nil))
	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Contains(t, pubErr.Reason, "unroutable")
}

// TestRabbitMQBus_Integration_ConsumeRoundTrip tests the full
// publish-subscribe round trip
func TestRabbitMQBus_Integration_ConsumeRoundTrip(t *testing.T) {
	url, cleanup := setupRabbitMQContainer(t)
	defer cleanup()

	bus, err := NewRabbitMQBus(RabbitMQConfig{URL: url, HeartbeatSeconds: 10})
	require.NoError(t, err)
	defer bus.Close()

	received := make(chan events.Envelope, 3)
	require.NoError(t, bus.Subscribe(events.TypeJSONParsed, func(ctx context.Context, event events.Envelope) error {
		received <- event
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Start(ctx)

	for i := 0; i < 3; i++ {
		event := events.MustNew(events.TypeJSONParsed, events.JSONParsed{
			MessageID: fmt.Sprintf("msg-%d", i),
			ThreadID:  "thread-1",
		})
		require.NoError(t, bus.Publish(context.Background(), event))
	}

	for i := 0; i < 3; i++ {
		select {
		case event := <-received:
			assert.Equal(t, events.TypeJSONParsed, event.EventType)
			assert.Equal(t, 1, event.DeliveryCount)
		case <-time.After(10 * time.Second):
			t.Fatalf("Timeout waiting for messages. Received %d of 3", i)
		}
	}
}

// TestRabbitMQBus_Integration_PoisonMessageRouting tests that a message
// failing twice lands on the stage's failure queue
func TestRabbitMQBus_Integration_PoisonMessageRouting(t *testing.T) {
	url, cleanup := setupRabbitMQContainer(t)
	defer cleanup()

	bus, err := NewRabbitMQBus(RabbitMQConfig{URL: url, HeartbeatSeconds: 10})
	require.NoError(t, err)
	defer bus.Close()

	require.NoError(t, bus.DeclareQueue(events.TypeParsingFailed))

	deliveries := make(chan int, 4)
	require.NoError(t, bus.Subscribe(events.TypeArchiveIngested, func(ctx context.Context, event events.Envelope) error {
		deliveries <- event.DeliveryCount
		return fmt.Errorf("archive store unreachable")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Start(ctx)

	event := events.MustNew(events.TypeArchiveIngested, events.ArchiveIngested{
		ArchiveID: "poison-1",
		Source:    "lkml",
	})
	require.NoError(t, bus.Publish(context.Background(), event))

	seen := 0
	for seen < 2 {
		select {
		case <-deliveries:
			seen++
		case <-time.After(15 * time.Second):
			t.Fatalf("Timeout waiting for deliveries. Saw %d of 2", seen)
		}
	}

	// The poison message must end up on the parse stage's failure queue.
	require.Eventually(t, func() bool {
		depth, err := bus.QueueDepth(events.TypeParsingFailed)
		return err == nil && depth == 1
	}, 10*time.Second, 200*time.Millisecond, "failure queue should hold the rerouted message")

	depth, err := bus.QueueDepth(events.TypeArchiveIngested)
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "original queue must be drained")
}

// TestRabbitMQBus_Integration_MessagePersistence tests message durability
// across connections
func TestRabbitMQBus_Integration_MessagePersistence(t *testing.T) {
	url, cleanup := setupRabbitMQContainer(t)
	defer cleanup()

	bus1, err := NewRabbitMQBus(RabbitMQConfig{URL: url, HeartbeatSeconds: 10})
	require.NoError(t, err)

	require.NoError(t, bus1.DeclareQueue(events.TypeChunksPrepared))
	for i := 0; i < 5; i++ {
		event := events.MustNew(events.TypeChunksPrepared, events.ChunksPrepared{
			MessageID:  fmt.Sprintf("msg-%d", i),
			ChunkCount: 1,
		})
		require.NoError(t, bus1.Publish(context.Background(), event))
	}
	bus1.Close()

	bus2, err := NewRabbitMQBus(RabbitMQConfig{URL: url, HeartbeatSeconds: 10})
	require.NoError(t, err)
	defer bus2.Close()

	depth, err := bus2.QueueDepth(events.TypeChunksPrepared)
	require.NoError(t, err)
	assert.Equal(t, 5, depth, "Messages should persist after reconnection")
}
