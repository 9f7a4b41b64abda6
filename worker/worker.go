package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"copilot.mailarchive.org/bus"
	"copilot.mailarchive.org/common"
	"copilot.mailarchive.org/events"
	"copilot.mailarchive.org/metrics"
)

// Config configures a stage worker.
type Config struct {
	// EventType is the input event type; the stage name and failure
	// routing derive from it.
	EventType string

	// MetricsAddr enables the sidecar /metrics + /healthz listener when
	// non-empty, for example ":9091".
	MetricsAddr string

	// DrainTimeout bounds how long Run waits for the in-flight message
	// after shutdown begins. Default 30s.
	DrainTimeout time.Duration

	// MaxTracked bounds the operation tracker, default 1000.
	MaxTracked int

	// Version is reported by /healthz.
	Version string
}

// Worker consumes one event type for one stage. It declares the input
// queue and the stage's failure queue, wraps the handler with logging,
// metrics and tracking, and runs the consume loop until the context is
// canceled.
type Worker struct {
	stage        string
	eventType    string
	failureType  string
	bus          bus.Subscriber
	handler      bus.Handler
	collector    *metrics.Collector
	tracker      *metrics.Tracker
	server       *metrics.Server
	metricsAddr  string
	drainTimeout time.Duration
}

// New creates a worker for the consumer stage of cfg.EventType. Event
// types without a consuming stage are rejected.
func New(cfg Config, sub bus.Subscriber, handler bus.Handler, collector *metrics.Collector) (*Worker, error) {
	stage := events.ConsumerStage(cfg.EventType)
	if stage == "" {
		return nil, fmt.Errorf("no consumer stage handles event type %q", cfg.EventType)
	}
	if sub == nil {
		return nil, fmt.Errorf("subscriber is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}

	w := &Worker{
		stage:        stage,
		eventType:    cfg.EventType,
		failureType:  events.FailureFor(cfg.EventType),
		bus:          sub,
		handler:      handler,
		collector:    collector,
		tracker:      metrics.NewTracker(stage, cfg.MaxTracked),
		metricsAddr:  cfg.MetricsAddr,
		drainTimeout: cfg.DrainTimeout,
	}
	if cfg.MetricsAddr != "" {
		w.server = metrics.NewServer(collector, w.tracker, cfg.Version)
	}
	return w, nil
}

// Stage returns the worker's consumer stage name.
func (w *Worker) Stage() string {
	return w.stage
}

// Run declares queues, subscribes and consumes until ctx is canceled.
// The failure queue is declared up front so poison rerouting is always
// routable. Returns nil on clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.bus.DeclareQueue(w.eventType); err != nil {
		return fmt.Errorf("failed to declare input queue: %w", err)
	}
	if w.failureType != "" {
		if err := w.bus.DeclareQueue(w.failureType); err != nil {
			return fmt.Errorf("failed to declare failure queue: %w", err)
		}
	}
	if err := w.bus.Subscribe(w.eventType, w.safeHandler); err != nil {
		return err
	}

	if w.server != nil {
		go func() {
			if err := w.server.Start(w.metricsAddr); err != nil {
				log.WithError(err).Error("Metrics listener failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.server.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Debug("Metrics listener shutdown failed")
			}
		}()
	}

	log.WithFields(log.Fields{
		"stage":      w.stage,
		"event_type": w.eventType,
	}).Info("Worker started")

	done := make(chan error, 1)
	go func() { done <- w.bus.Start(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.WithField("stage", w.stage).Info("Worker stopped")
			return nil
		case <-time.After(w.drainTimeout):
			return fmt.Errorf("worker %s did not drain within %s", w.stage, w.drainTimeout)
		}
	}
}

// safeHandler wraps the stage handler with logging, duration and
// failure metrics, and operation tracking. Errors return to the bus so
// its redelivery and poison routing apply.
func (w *Worker) safeHandler(ctx context.Context, event events.Envelope) error {
	logger := log.WithFields(log.Fields{
		"stage":          w.stage,
		"event_type":     event.EventType,
		"event_id":       event.EventID,
		"delivery_count": event.DeliveryCount,
	})
	logger.Debug("Handling event")

	w.tracker.Start(event.EventID, event.EventType, nil)
	start := time.Now()

	err := w.handler(ctx, event)

	w.collector.Observe("processing_duration_seconds", time.Since(start).Seconds(),
		map[string]string{"stage": w.stage})
	w.tracker.Complete(event.EventID, err)

	if err != nil {
		w.collector.Increment("failures_total", map[string]string{
			"stage":      w.stage,
			"error_type": errorType(err),
		})
		logger.WithError(err).Error("Event handling failed")
		return err
	}

	w.collector.Increment("events_processed_total", map[string]string{
		"stage":      w.stage,
		"event_type": event.EventType,
	})
	return nil
}

// errorType buckets handler errors for the failures counter.
func errorType(err error) string {
	switch {
	case common.IsValidation(err):
		return "validation"
	case common.IsTransient(err):
		return "transient"
	case common.IsPermanent(err):
		return "permanent"
	default:
		return "unknown"
	}
}
