package pipeline

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"copilot.mailarchive.org/cache"
	"copilot.mailarchive.org/common"
	"copilot.mailarchive.org/docstore"
	"copilot.mailarchive.org/events"
	"copilot.mailarchive.org/llm"
	"copilot.mailarchive.org/model"
	"copilot.mailarchive.org/worker"
)

// Summarizer consumes summarization.requested: it drops duplicate request
// ids, assembles the cited context, calls the LLM backend with retry,
// stores the summary under its deterministic (thread, summary type) key,
// links the thread to it and publishes summary.complete. A zero-citation
// response is stored with an empty citation list and still completes.
type Summarizer struct {
	deps      Deps
	backend   llm.Summarizer
	dedupe    cache.Cache
	dedupeTTL time.Duration
}

// NewSummarizer creates the summarize stage. The cache gates duplicate
// request ids; dedupeTTL bounds how long a request id stays claimed.
func NewSummarizer(deps Deps, backend llm.Summarizer, dedupe cache.Cache, dedupeTTL time.Duration) *Summarizer {
	deps.collector()
	if dedupeTTL <= 0 {
		dedupeTTL = 24 * time.Hour
	}
	return &Summarizer{deps: deps, backend: backend, dedupe: dedupe, dedupeTTL: dedupeTTL}
}

// Handle is the bus handler for summarization.requested.
func (s *Summarizer) Handle(ctx context.Context, event events.Envelope) error {
	var payload events.SummarizationRequested
	if err := event.DataAs(&payload); err != nil {
		return common.Permanent("decode summarization.requested", err)
	}
	if len(payload.ThreadIDs) == 0 || payload.RequestID == "" {
		return common.Permanent("decode summarization.requested", fmt.Errorf("missing thread_ids or request_id"))
	}

	for _, threadID := range payload.ThreadIDs {
		if err := s.summarizeThread(ctx, threadID, payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *Summarizer) summarizeThread(ctx context.Context, threadID string, payload events.SummarizationRequested) error {
	summaryKey := docstore.SummaryKey(threadID, payload.SummaryType)

	// Dedupe layer one: a prior summary produced by this exact request.
	if existing, err := s.deps.Store.Get(ctx, model.CollectionSummaries, summaryKey); err == nil {
		if stringField(existing, "request_id") == payload.RequestID {
			s.deps.collector().Increment("summarization_skipped_total",
				map[string]string{"reason": "request_already_processed"})
			return nil
		}
	}

	// Dedupe layer two: another consumer is working this request id
	// right now (or finished within the TTL).
	if s.dedupe != nil {
		first, err := s.dedupe.MarkProcessed(ctx, "summarize:"+payload.RequestID, s.dedupeTTL)
		if err != nil {
			return common.Transient("request dedupe", err)
		}
		if !first {
			s.deps.collector().Increment("summarization_skipped_total",
				map[string]string{"reason": "duplicate_request"})
			return nil
		}
	}

	thread, err := s.deps.Store.Get(ctx, model.CollectionThreads, threadID)
	if err != nil {
		return fmt.Errorf("thread %s: %w", threadID, err)
	}
	if _, err := docstore.MarkProcessing(ctx, s.deps.Store, model.CollectionThreads, threadID); err != nil {
		return err
	}

	chunks, err := s.loadContext(ctx, payload.ContextChunkIDs)
	if err != nil {
		return err
	}

	request := llm.Request{
		ThreadSubject: stringField(thread, "subject"),
		SummaryType:   payload.SummaryType,
		Chunks:        chunks,
		Model:         payload.LLMParams.Model,
		Temperature:   payload.LLMParams.Temperature,
		MaxTokens:     payload.LLMParams.MaxTokens,
	}

	var response *llm.Response
	err = worker.RetryWithBackoff(ctx, s.deps.Retry, func() error {
		var llmErr error
		response, llmErr = s.backend.Summarize(ctx, request)
		return llmErr
	})
	if err != nil {
		s.failThread(ctx, threadID, payload, err)
		return nil
	}

	s.deps.collector().Add("summarization_tokens_total", float64(response.PromptTokens),
		map[string]string{"type": "prompt"})
	s.deps.collector().Add("summarization_tokens_total", float64(response.CompletionTokens),
		map[string]string{"type": "completion"})

	now := nowUTC()
	citations := response.Citations
	if citations == nil {
		citations = []string{}
	}
	doc, err := model.ToDoc(model.Summary{
		ThreadID:    threadID,
		SummaryType: payload.SummaryType,
		Content:     response.Content,
		Citations:   citations,
		GeneratedBy: response.Model,
		GeneratedAt: now,
		RequestID:   payload.RequestID,
		Status:      model.StatusCompleted,
		LastUpdated: now,
	})
	if err != nil {
		return err
	}
	storedKey, err := s.deps.Store.Insert(ctx, model.CollectionSummaries, doc)
	if err != nil {
		s.failThread(ctx, threadID, payload, fmt.Errorf("store summary: %w", err))
		return nil
	}

	// The summary key is stable per (thread, type); regeneration rewrites
	// content through mutable fields.
	if storedKey == summaryKey {
		if _, err := s.deps.Store.Update(ctx, model.CollectionSummaries, summaryKey, map[string]interface{}{
			"content":      response.Content,
			"citations":    citations,
			"generated_by": response.Model,
			"generated_at": now.Format(time.RFC3339Nano),
			"request_id":   payload.RequestID,
		}); err != nil {
			return err
		}
	}

	if _, err := s.deps.Store.Update(ctx, model.CollectionThreads, threadID, map[string]interface{}{
		"summary_id":      summaryKey,
		model.FieldStatus: string(model.StatusCompleted),
	}); err != nil {
		return err
	}

	complete := events.SummaryComplete{
		ThreadID:    threadID,
		SummaryID:   summaryKey,
		SummaryType: payload.SummaryType,
		GeneratedAt: now,
	}
	if err := s.deps.publish(ctx, events.TypeSummaryComplete, complete); err != nil {
		s.failThread(ctx, threadID, payload, err)
		return nil
	}

	log.WithFields(log.Fields{
		"thread_id":  threadID,
		"summary_id": summaryKey,
		"citations":  len(citations),
	}).Info("Summary generated")
	return nil
}

// loadContext resolves the cited chunk documents into LLM context. A
// missing context chunk is poison: the request references state that
// does not exist.
func (s *Summarizer) loadContext(ctx context.Context, chunkIDs []string) ([]llm.ContextChunk, error) {
	chunks := make([]llm.ContextChunk, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		doc, err := s.deps.Store.Get(ctx, model.CollectionChunks, id)
		if err != nil {
			return nil, fmt.Errorf("context chunk %s: %w", id, err)
		}
		chunks = append(chunks, llm.ContextChunk{
			ID:   id,
			Text: stringField(doc, "text"),
		})
	}
	return chunks, nil
}

// failThread applies the attributable-failure protocol for the thread and
// releases the dedupe claim so a supervisor re-emit is not dropped as a
// duplicate.
func (s *Summarizer) failThread(ctx context.Context, threadID string, payload events.SummarizationRequested, cause error) {
	log.WithError(cause).WithField("thread_id", threadID).Error("Summarization failed")
	if s.dedupe != nil {
		if err := s.dedupe.ReleaseLock(ctx, "summarize:"+payload.RequestID); err != nil {
			log.WithError(err).Debug("Failed to release request dedupe claim")
		}
	}
	failure := events.SummarizationFailed{
		ThreadIDs:    payload.ThreadIDs,
		RequestID:    payload.RequestID,
		Error:        cause.Error(),
		AttemptCount: s.deps.attemptCount(ctx, model.CollectionThreads, threadID),
	}
	s.deps.markFailedAndPublish(ctx, model.CollectionThreads, threadID,
		events.TypeSummarizationFailed, failure)
}
