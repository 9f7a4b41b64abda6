// Package metrics exposes pipeline counters, histograms and gauges to
// Prometheus and tracks per-stage operation state for health reporting.
//
// The Collector is a tag-oriented facade over prometheus vectors: stages
// call Increment/Observe/Gauge with a metric name and a tag map, and the
// collector lazily creates one vector per metric name. The first call
// for a name fixes its label set; later calls with unknown tag keys have
// those keys ignored.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Namespace prefixes every metric the collector creates.
const Namespace = "copilot"

// Collector creates and updates prometheus vectors on demand. Safe for
// concurrent use.
type Collector struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labelNames map[string][]string
}

// NewCollector creates a collector with its own registry, pre-loaded
// with the Go runtime and process collectors.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewCollectorWithRegistry(registry)
}

// NewCollectorWithRegistry creates a collector writing into an existing
// registry.
func NewCollectorWithRegistry(registry *prometheus.Registry) *Collector {
	return &Collector{
		namespace:  Namespace,
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labelNames: make(map[string][]string),
	}
}

// Registry returns the underlying prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler serving the collector's metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// labelsFor fixes the label set of a metric on first use.
func (c *Collector) labelsFor(name string, tags map[string]string) []string {
	if names, ok := c.labelNames[name]; ok {
		return names
	}
	names := make([]string, 0, len(tags))
	for key := range tags {
		names = append(names, key)
	}
	sort.Strings(names)
	c.labelNames[name] = names
	return names
}

// valuesFor maps a tag set onto the metric's fixed label order. Missing
// tags become empty values.
func (c *Collector) valuesFor(name string, tags map[string]string) []string {
	names := c.labelNames[name]
	values := make([]string, len(names))
	for i, key := range names {
		values[i] = tags[key]
	}
	return values
}

func helpFor(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

// Increment adds one to the named counter.
func (c *Collector) Increment(name string, tags map[string]string) {
	c.Add(name, 1, tags)
}

// Add adds value to the named counter.
func (c *Collector) Add(name string, value float64, tags map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	vec, ok := c.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Name:      name,
			Help:      helpFor(name),
		}, c.labelsFor(name, tags))
		if err := c.registry.Register(vec); err != nil {
			log.WithError(err).Warnf("Failed to register counter %s", name)
			return
		}
		c.counters[name] = vec
	}
	vec.WithLabelValues(c.valuesFor(name, tags)...).Add(value)
}

// Observe records value in the named histogram.
func (c *Collector) Observe(name string, value float64, tags map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	vec, ok := c.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: c.namespace,
			Name:      name,
			Help:      helpFor(name),
			Buckets:   prometheus.DefBuckets,
		}, c.labelsFor(name, tags))
		if err := c.registry.Register(vec); err != nil {
			log.WithError(err).Warnf("Failed to register histogram %s", name)
			return
		}
		c.histograms[name] = vec
	}
	vec.WithLabelValues(c.valuesFor(name, tags)...).Observe(value)
}

// Gauge sets the named gauge to value.
func (c *Collector) Gauge(name string, value float64, tags map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	vec, ok := c.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Name:      name,
			Help:      helpFor(name),
		}, c.labelsFor(name, tags))
		if err := c.registry.Register(vec); err != nil {
			log.WithError(err).Warnf("Failed to register gauge %s", name)
			return
		}
		c.gauges[name] = vec
	}
	vec.WithLabelValues(c.valuesFor(name, tags)...).Set(value)
}
