package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"copilot.mailarchive.org/common"
	"copilot.mailarchive.org/events"
	"copilot.mailarchive.org/model"
	"copilot.mailarchive.org/worker"
)

// Reporter consumes summary.complete, the terminal stage. It loads the
// finished summary, writes it to the structured log and posts it to each
// configured webhook sink, then publishes report.published naming the
// sinks that accepted delivery. Sinks fail independently: one refusing
// endpoint produces a report.delivery.failed event for that sink without
// blocking the others.
type Reporter struct {
	deps    Deps
	sinks   []string
	client  *http.Client
	timeout time.Duration
}

// NewReporter creates the report stage. sinks are webhook URLs; the log
// sink is always active.
func NewReporter(deps Deps, sinks []string, timeout time.Duration) *Reporter {
	deps.collector()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Reporter{
		deps:    deps,
		sinks:   sinks,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// reportBody is the JSON document posted to webhook sinks.
type reportBody struct {
	SummaryID   string    `json:"summary_id"`
	ThreadID    string    `json:"thread_id"`
	SummaryType string    `json:"summary_type"`
	Subject     string    `json:"subject"`
	Content     string    `json:"content"`
	Citations   []string  `json:"citations"`
	GeneratedBy string    `json:"generated_by"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Handle is the bus handler for summary.complete.
func (r *Reporter) Handle(ctx context.Context, event events.Envelope) error {
	var payload events.SummaryComplete
	if err := event.DataAs(&payload); err != nil {
		return common.Permanent("decode summary.complete", err)
	}
	if payload.SummaryID == "" {
		return common.Permanent("decode summary.complete", fmt.Errorf("missing summary_id"))
	}

	summaryDoc, err := r.deps.Store.Get(ctx, model.CollectionSummaries, payload.SummaryID)
	if err != nil {
		return fmt.Errorf("summary %s: %w", payload.SummaryID, err)
	}
	var summary model.Summary
	if err := model.FromDoc(summaryDoc, &summary); err != nil {
		return common.Permanent("decode summary document", err)
	}

	subject := ""
	if threadDoc, err := r.deps.Store.Get(ctx, model.CollectionThreads, payload.ThreadID); err == nil {
		subject = stringField(threadDoc, "subject")
	}

	body := reportBody{
		SummaryID:   payload.SummaryID,
		ThreadID:    payload.ThreadID,
		SummaryType: summary.SummaryType,
		Subject:     subject,
		Content:     summary.Content,
		Citations:   summary.Citations,
		GeneratedBy: summary.GeneratedBy,
		GeneratedAt: summary.GeneratedAt,
	}

	// The log sink cannot fail and always counts as delivered.
	log.WithFields(log.Fields{
		"summary_id": payload.SummaryID,
		"thread_id":  payload.ThreadID,
		"subject":    subject,
		"citations":  len(summary.Citations),
		"model":      summary.GeneratedBy,
	}).Info("Thread summary ready")
	delivered := []string{"log"}

	for _, sink := range r.sinks {
		if err := r.deliver(ctx, sink, body); err != nil {
			r.deps.collector().Increment("report_deliveries_total",
				map[string]string{"sink": sink, "status": "failed"})
			r.failSink(ctx, payload.SummaryID, sink, err)
			continue
		}
		r.deps.collector().Increment("report_deliveries_total",
			map[string]string{"sink": sink, "status": "delivered"})
		delivered = append(delivered, sink)
	}

	published := events.ReportPublished{
		SummaryID:   payload.SummaryID,
		ThreadID:    payload.ThreadID,
		Sinks:       delivered,
		PublishedAt: nowUTC(),
	}
	return r.deps.publish(ctx, events.TypeReportPublished, published)
}

// deliver posts the report to one webhook sink, retrying transient
// failures with backoff.
func (r *Reporter) deliver(ctx context.Context, sink string, body reportBody) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return common.Permanent("encode report", err)
	}

	return worker.RetryWithBackoff(ctx, r.deps.Retry, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sink, bytes.NewReader(raw))
		if err != nil {
			return common.Permanent("build report request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return common.Transient("post report", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return common.Transient("post report", fmt.Errorf("sink returned %s", resp.Status))
		default:
			return common.Permanent("post report", fmt.Errorf("sink returned %s", resp.Status))
		}
	})
}

// failSink records one sink's delivery failure. The summary document
// itself stays completed: delivery is per sink, not per summary.
func (r *Reporter) failSink(ctx context.Context, summaryID, sink string, cause error) {
	log.WithError(cause).WithFields(log.Fields{
		"summary_id": summaryID,
		"sink":       sink,
	}).Error("Report delivery failed")
	payload := events.ReportDeliveryFailed{
		SummaryID:    summaryID,
		Sink:         sink,
		Error:        cause.Error(),
		AttemptCount: r.deps.Retry.MaxAttempts,
	}
	if err := r.deps.publish(ctx, events.TypeReportDeliveryFailed, payload); err != nil {
		log.WithError(err).Error("Failed to publish report delivery failure")
	}
}
