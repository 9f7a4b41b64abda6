package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copilot.mailarchive.org/bus"
	"copilot.mailarchive.org/common"
	"copilot.mailarchive.org/events"
	"copilot.mailarchive.org/metrics"
)

func noopHandler(ctx context.Context, event events.Envelope) error { return nil }

// findMetric returns the sample matching the label set, or nil.
func findMetric(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := registry.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if len(metric.GetLabel()) != len(labels) {
				continue
			}
			match := true
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] != pair.GetValue() {
					match = false
					break
				}
			}
			if match {
				return metric
			}
		}
	}
	return nil
}

func TestNewValidatesConfig(t *testing.T) {
	memBus := bus.NewMemoryBus()

	_, err := New(Config{EventType: events.TypeReportPublished}, memBus, noopHandler, nil)
	require.Error(t, err, "report.published has no consuming stage")

	_, err = New(Config{EventType: events.TypeChunksPrepared}, nil, noopHandler, nil)
	require.Error(t, err)

	_, err = New(Config{EventType: events.TypeChunksPrepared}, memBus, nil, nil)
	require.Error(t, err)

	w, err := New(Config{EventType: events.TypeChunksPrepared}, memBus, noopHandler, nil)
	require.NoError(t, err)
	assert.Equal(t, "embed", w.Stage())
}

func TestRunConsumesUntilCanceled(t *testing.T) {
	memBus := bus.NewMemoryBus()
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollectorWithRegistry(registry)

	processed := make(chan events.Envelope, 1)
	handler := func(ctx context.Context, event events.Envelope) error {
		processed <- event
		return nil
	}
	w, err := New(Config{EventType: events.TypeChunksPrepared}, memBus, handler, collector)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, memBus.DeclareQueue(events.TypeChunksPrepared))
	event := events.MustNew(events.TypeChunksPrepared, nil)
	require.NoError(t, memBus.Publish(ctx, event))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case got := <-processed:
		assert.Equal(t, event.EventID, got.EventID)
		assert.Equal(t, 1, got.DeliveryCount)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	// Run declared the stage's failure queue up front, so routing a
	// poison message there is possible from the first delivery on.
	require.NoError(t, memBus.Publish(ctx, events.MustNew(events.FailureFor(events.TypeChunksPrepared), nil)))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	metric := findMetric(t, registry, "copilot_events_processed_total",
		map[string]string{"stage": "embed", "event_type": events.TypeChunksPrepared})
	require.NotNil(t, metric)
	assert.Equal(t, float64(1), metric.GetCounter().GetValue())
}

func TestRunTimesOutWhenHandlerDoesNotDrain(t *testing.T) {
	memBus := bus.NewMemoryBus()
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	handler := func(ctx context.Context, event events.Envelope) error {
		close(entered)
		<-release
		return nil
	}
	w, err := New(Config{
		EventType:    events.TypeChunksPrepared,
		DrainTimeout: 20 * time.Millisecond,
	}, memBus, handler, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, memBus.DeclareQueue(events.TypeChunksPrepared))
	require.NoError(t, memBus.Publish(ctx, events.MustNew(events.TypeChunksPrepared, nil)))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "did not drain")
	case <-time.After(time.Second):
		t.Fatal("Run did not give up on the stuck handler")
	}
}

// TestSafeHandlerBucketsFailures tests the error_type label on the
// failures counter for each error kind.
func TestSafeHandlerBucketsFailures(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name   string
		err    error
		bucket string
	}{
		{"transient", common.Transient("embed chunk", boom), "transient"},
		{"permanent", common.Permanent("embed chunk", boom), "permanent"},
		{"validation", &common.ValidationError{
			EventType:  events.TypeChunksPrepared,
			Version:    events.Version,
			Violations: []string{"chunk_ids: required"},
		}, "validation"},
		{"unknown", boom, "unknown"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			registry := prometheus.NewRegistry()
			collector := metrics.NewCollectorWithRegistry(registry)
			handlerErr := tc.err
			w, err := New(Config{EventType: events.TypeChunksPrepared}, bus.NewMemoryBus(),
				func(context.Context, events.Envelope) error { return handlerErr }, collector)
			require.NoError(t, err)

			event := events.MustNew(events.TypeChunksPrepared, nil)
			err = w.safeHandler(context.Background(), event)
			assert.Equal(t, handlerErr, err, "handler errors must return to the bus unchanged")

			metric := findMetric(t, registry, "copilot_failures_total",
				map[string]string{"stage": "embed", "error_type": tc.bucket})
			require.NotNil(t, metric)
			assert.Equal(t, float64(1), metric.GetCounter().GetValue())
		})
	}
}

func TestSafeHandlerObservesDurationAndTracksOperations(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollectorWithRegistry(registry)
	w, err := New(Config{EventType: events.TypeChunksPrepared}, bus.NewMemoryBus(), noopHandler, collector)
	require.NoError(t, err)

	event := events.MustNew(events.TypeChunksPrepared, nil)
	require.NoError(t, w.safeHandler(context.Background(), event))

	metric := findMetric(t, registry, "copilot_processing_duration_seconds",
		map[string]string{"stage": "embed"})
	require.NotNil(t, metric)
	assert.Equal(t, uint64(1), metric.GetHistogram().GetSampleCount())

	require.NotNil(t, w.tracker.Get(event.EventID))
}
