package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copilot.mailarchive.org/events"
)

// TestMemoryBus_PublishRequiresQueue tests the unroutable-message contract
func TestMemoryBus_PublishRequiresQueue(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	err := b.Publish(context.Background(), events.MustNew(events.TypeArchiveIngested, nil))
	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Contains(t, pubErr.Reason, "unroutable")

	require.NoError(t, b.DeclareQueue(events.TypeArchiveIngested))
	err = b.Publish(context.Background(), events.MustNew(events.TypeArchiveIngested, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, b.Depth(events.TypeArchiveIngested))
}

// TestMemoryBus_Drain tests synchronous dispatch to quiescence
func TestMemoryBus_Drain(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var got []events.Envelope
	require.NoError(t, b.Subscribe(events.TypeJSONParsed, func(ctx context.Context, event events.Envelope) error {
		got = append(got, event)
		return nil
	}))

	for i := 0; i < 3; i++ {
		evt := events.MustNew(events.TypeJSONParsed, events.JSONParsed{MessageID: fmt.Sprintf("m%d", i)})
		require.NoError(t, b.Publish(context.Background(), evt))
	}

	require.NoError(t, b.Drain(context.Background()))
	assert.Len(t, got, 3)
	assert.Equal(t, 0, b.Depth(events.TypeJSONParsed))
	for _, evt := range got {
		assert.Equal(t, 1, evt.DeliveryCount)
	}
}

// TestMemoryBus_RedeliversOnceThenRoutesToFailureQueue tests poison handling
func TestMemoryBus_RedeliversOnceThenRoutesToFailureQueue(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	require.NoError(t, b.DeclareQueue(events.TypeParsingFailed))

	calls := 0
	require.NoError(t, b.Subscribe(events.TypeArchiveIngested, func(ctx context.Context, event events.Envelope) error {
		calls++
		return fmt.Errorf("archive store unreachable")
	}))

	evt := events.MustNew(events.TypeArchiveIngested, events.ArchiveIngested{
		ArchiveID: "a1b2c3d4e5f60718",
		Source:    "lkml",
	})
	require.NoError(t, b.Publish(context.Background(), evt))
	require.NoError(t, b.Drain(context.Background()))

	assert.Equal(t, 2, calls, "the message is delivered exactly twice")
	assert.Equal(t, 0, b.Depth(events.TypeArchiveIngested))

	failed := b.Pending(events.TypeParsingFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, events.TypeParsingFailed, failed[0].EventType)
	assert.Equal(t, "archive store unreachable", failed[0].Data["error"])
	assert.Equal(t, 2, failed[0].Data["attempt_count"])
	assert.Equal(t, "lkml", failed[0].Data["source"], "original payload fields must survive")
}

// TestMemoryBus_DeliveryCountVisibleToHandler tests redelivery counting
func TestMemoryBus_DeliveryCountVisibleToHandler(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var counts []int
	require.NoError(t, b.Subscribe(events.TypeChunksPrepared, func(ctx context.Context, event events.Envelope) error {
		counts = append(counts, event.DeliveryCount)
		if event.DeliveryCount == 1 {
			return fmt.Errorf("transient")
		}
		return nil
	}))

	require.NoError(t, b.Publish(context.Background(), events.MustNew(events.TypeChunksPrepared, nil)))
	require.NoError(t, b.Drain(context.Background()))

	assert.Equal(t, []int{1, 2}, counts)
}

// TestMemoryBus_DropsPoisonWithoutFailureQueue tests the second-failure path
// when no failure queue was declared
func TestMemoryBus_DropsPoisonWithoutFailureQueue(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	calls := 0
	require.NoError(t, b.Subscribe(events.TypeArchiveIngested, func(ctx context.Context, event events.Envelope) error {
		calls++
		return fmt.Errorf("always fails")
	}))

	require.NoError(t, b.Publish(context.Background(), events.MustNew(events.TypeArchiveIngested, nil)))
	require.NoError(t, b.Drain(context.Background()))

	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, b.Depth(events.TypeArchiveIngested))
}

// TestMemoryBus_StartStopsOnCancel tests cooperative shutdown
func TestMemoryBus_StartStopsOnCancel(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	handled := make(chan events.Envelope, 1)
	require.NoError(t, b.Subscribe(events.TypeSummaryComplete, func(ctx context.Context, event events.Envelope) error {
		handled <- event
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var startErr error
	go func() {
		defer wg.Done()
		startErr = b.Start(ctx)
	}()

	require.NoError(t, b.Publish(context.Background(), events.MustNew(events.TypeSummaryComplete, nil)))

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	cancel()
	wg.Wait()
	assert.NoError(t, startErr)
}

// TestMemoryBus_ClosedBusRejectsPublish tests publishing after Close
func TestMemoryBus_ClosedBusRejectsPublish(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.DeclareQueue(events.TypeReportPublished))
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), events.MustNew(events.TypeReportPublished, nil))
	assert.Error(t, err)
}

// TestMemoryBus_DuplicateSubscribe tests double subscription rejection
func TestMemoryBus_DuplicateSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	handler := func(ctx context.Context, event events.Envelope) error { return nil }
	require.NoError(t, b.Subscribe(events.TypeJSONParsed, handler))
	assert.Error(t, b.Subscribe(events.TypeJSONParsed, handler))
}
