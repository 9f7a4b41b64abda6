package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

// TestCollector_Increment tests counter creation and accumulation with
// tags.
func TestCollector_Increment(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewCollectorWithRegistry(registry)

	collector.Increment("failures_total", map[string]string{"stage": "parse", "error_type": "transient"})
	collector.Increment("failures_total", map[string]string{"stage": "parse", "error_type": "transient"})
	collector.Increment("failures_total", map[string]string{"stage": "chunk", "error_type": "permanent"})

	metric := findMetric(t, registry, "copilot_failures_total",
		map[string]string{"stage": "parse", "error_type": "transient"})
	require.NotNil(t, metric)
	assert.Equal(t, float64(2), metric.GetCounter().GetValue())

	metric = findMetric(t, registry, "copilot_failures_total",
		map[string]string{"stage": "chunk", "error_type": "permanent"})
	require.NotNil(t, metric)
	assert.Equal(t, float64(1), metric.GetCounter().GetValue())
}

// TestCollector_Add tests adding arbitrary amounts to a counter.
func TestCollector_Add(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewCollectorWithRegistry(registry)

	collector.Add("messages_skipped_total", 5, map[string]string{"reason": "duplicate"})
	collector.Add("messages_skipped_total", 2, map[string]string{"reason": "duplicate"})

	metric := findMetric(t, registry, "copilot_messages_skipped_total",
		map[string]string{"reason": "duplicate"})
	require.NotNil(t, metric)
	assert.Equal(t, float64(7), metric.GetCounter().GetValue())
}

// TestCollector_Observe tests histogram sample recording.
func TestCollector_Observe(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewCollectorWithRegistry(registry)

	for _, v := range []float64{0.1, 0.2, 0.7} {
		collector.Observe("processing_duration_seconds", v, map[string]string{"stage": "embed"})
	}

	metric := findMetric(t, registry, "copilot_processing_duration_seconds",
		map[string]string{"stage": "embed"})
	require.NotNil(t, metric)
	assert.Equal(t, uint64(3), metric.GetHistogram().GetSampleCount())
	assert.InDelta(t, 1.0, metric.GetHistogram().GetSampleSum(), 1e-9)
}

// TestCollector_Gauge tests that a gauge holds the last written value.
func TestCollector_Gauge(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewCollectorWithRegistry(registry)

	collector.Gauge("queue_depth", 12, map[string]string{"queue": "copilot.json.parsed"})
	collector.Gauge("queue_depth", 4, map[string]string{"queue": "copilot.json.parsed"})

	metric := findMetric(t, registry, "copilot_queue_depth",
		map[string]string{"queue": "copilot.json.parsed"})
	require.NotNil(t, metric)
	assert.Equal(t, float64(4), metric.GetGauge().GetValue())
}

// TestCollector_LabelSetFixedOnFirstUse tests that later calls with
// extra or missing tags still land on the metric.
func TestCollector_LabelSetFixedOnFirstUse(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewCollectorWithRegistry(registry)

	collector.Increment("ingestion_files_total", map[string]string{"status": "ingested"})
	collector.Increment("ingestion_files_total", map[string]string{"status": "ingested", "extra": "dropped"})
	collector.Increment("ingestion_files_total", nil)

	metric := findMetric(t, registry, "copilot_ingestion_files_total",
		map[string]string{"status": "ingested"})
	require.NotNil(t, metric)
	assert.Equal(t, float64(2), metric.GetCounter().GetValue())

	metric = findMetric(t, registry, "copilot_ingestion_files_total",
		map[string]string{"status": ""})
	require.NotNil(t, metric, "missing tag should map to an empty label value")
	assert.Equal(t, float64(1), metric.GetCounter().GetValue())
}

// TestTracker_Lifecycle tests operation start, completion and failure
// accounting.
func TestTracker_Lifecycle(t *testing.T) {
	tracker := NewTracker("parse", 10)

	tracker.Start("event-1", "archive.ingested", map[string]interface{}{"archive_id": "a1b2c3d4e5f60718"})
	tracker.Start("event-2", "archive.ingested", nil)

	tracker.Complete("event-1", nil)
	tracker.Complete("event-2", errors.New("decode failed"))

	op := tracker.Get("event-1")
	require.NotNil(t, op)
	assert.Equal(t, StatusCompleted, op.Status)
	assert.NotNil(t, op.CompletedAt)
	assert.NotEmpty(t, op.Duration)

	op = tracker.Get("event-2")
	require.NotNil(t, op)
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, "decode failed", op.Error)

	stats := tracker.GetStats()
	assert.Equal(t, "parse", stats.Stage)
	assert.Equal(t, 2, stats.TotalOperations)
	assert.Equal(t, 1, stats.ByStatus[StatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[StatusFailed])
	assert.Equal(t, 2, stats.ByEventType["archive.ingested"])
	assert.NotEmpty(t, stats.AverageDuration)
}

// TestTracker_EvictsOldest tests the bounded operation window.
func TestTracker_EvictsOldest(t *testing.T) {
	tracker := NewTracker("chunk", 3)

	tracker.Start("event-1", "json.parsed", nil)
	tracker.Start("event-2", "json.parsed", nil)
	tracker.Start("event-3", "json.parsed", nil)
	tracker.Start("event-4", "json.parsed", nil)

	assert.Nil(t, tracker.Get("event-1"), "oldest operation should be evicted")
	assert.NotNil(t, tracker.Get("event-4"))
	assert.Equal(t, 3, tracker.GetStats().TotalOperations)
}

// TestTracker_CompleteUnknownID tests that completing an untracked id is
// a no-op.
func TestTracker_CompleteUnknownID(t *testing.T) {
	tracker := NewTracker("embed", 10)
	tracker.Complete("never-started", nil)
	assert.Equal(t, 0, tracker.GetStats().TotalOperations)
}

// TestServer_Healthz tests the health endpoint payload.
func TestServer_Healthz(t *testing.T) {
	collector := NewCollectorWithRegistry(prometheus.NewRegistry())
	tracker := NewTracker("parse", 10)
	tracker.Start("event-1", "archive.ingested", nil)
	tracker.Complete("event-1", nil)

	server := NewServer(collector, tracker, "1.2.3")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "1.2.3", health.Version)
	assert.NotEmpty(t, health.Uptime)
	require.NotNil(t, health.Stats)
	assert.Equal(t, "parse", health.Stats.Stage)
	assert.Equal(t, 1, health.Stats.TotalOperations)
}

// TestServer_Metrics tests that recorded samples show up on /metrics.
func TestServer_Metrics(t *testing.T) {
	collector := NewCollectorWithRegistry(prometheus.NewRegistry())
	collector.Increment("ingestion_files_total", map[string]string{"status": "skipped"})

	server := NewServer(collector, nil, "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "copilot_ingestion_files_total"),
		"metrics page should expose the namespaced counter")
}
