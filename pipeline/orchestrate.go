package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"copilot.mailarchive.org/common"
	"copilot.mailarchive.org/docstore"
	"copilot.mailarchive.org/embedder"
	"copilot.mailarchive.org/events"
	"copilot.mailarchive.org/model"
	"copilot.mailarchive.org/vector"
)

// Orchestrator consumes embeddings.generated: it resolves the threads the
// new vectors belong to and decides per thread whether a summary should be
// requested. When it triggers, it retrieves the top-k chunks for the
// thread, packs a context window and publishes summarization.requested
// with a request id that is deterministic on the thread, the chosen
// context and the summary type — so the same decision made twice costs
// one summary.
type Orchestrator struct {
	deps                Deps
	embed               embedder.Embedder
	vectors             vector.Store
	topK                int
	contextWindowTokens int
	summaryType         string
	llmParams           events.LLMParams
}

// OrchestratorConfig carries the retrieval knobs and the generation
// parameters stamped onto every request.
type OrchestratorConfig struct {
	TopK                int
	ContextWindowTokens int
	SummaryType         string
	LLMParams           events.LLMParams
}

// NewOrchestrator creates the orchestrate stage. The embedder supplies
// the query vector for retrieval.
func NewOrchestrator(deps Deps, embed embedder.Embedder, vectors vector.Store, cfg OrchestratorConfig) *Orchestrator {
	deps.collector()
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.ContextWindowTokens <= 0 {
		cfg.ContextWindowTokens = 4096
	}
	if cfg.SummaryType == "" {
		cfg.SummaryType = "thread"
	}
	return &Orchestrator{
		deps:                deps,
		embed:               embed,
		vectors:             vectors,
		topK:                cfg.TopK,
		contextWindowTokens: cfg.ContextWindowTokens,
		summaryType:         cfg.SummaryType,
		llmParams:           cfg.LLMParams,
	}
}

// Handle is the bus handler for embeddings.generated.
func (o *Orchestrator) Handle(ctx context.Context, event events.Envelope) error {
	var payload events.EmbeddingsGenerated
	if err := event.DataAs(&payload); err != nil {
		return common.Permanent("decode embeddings.generated", err)
	}

	threadIDs, err := o.resolveThreads(ctx, payload.ChunkIDs)
	if err != nil {
		return err
	}

	for _, threadID := range threadIDs {
		if err := o.considerThread(ctx, threadID); err != nil {
			log.WithError(err).WithField("thread_id", threadID).
				Error("Summary orchestration failed")
			o.failThread(ctx, threadID, err)
		}
	}
	return nil
}

// resolveThreads maps chunk ids to their distinct thread ids, sorted for
// stable processing order.
func (o *Orchestrator) resolveThreads(ctx context.Context, chunkIDs []string) ([]string, error) {
	seen := map[string]bool{}
	for _, id := range chunkIDs {
		doc, err := o.deps.Store.Get(ctx, model.CollectionChunks, id)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", id, err)
		}
		if threadID := stringField(doc, "thread_id"); threadID != "" {
			seen[threadID] = true
		}
	}
	threads := make([]string, 0, len(seen))
	for id := range seen {
		threads = append(threads, id)
	}
	sort.Strings(threads)
	return threads, nil
}

// considerThread makes the per-thread trigger decision and publishes the
// request when a new summary is due.
func (o *Orchestrator) considerThread(ctx context.Context, threadID string) error {
	thread, err := o.deps.Store.Get(ctx, model.CollectionThreads, threadID)
	if err != nil {
		return fmt.Errorf("thread %s: %w", threadID, err)
	}

	contextChunkIDs, err := o.retrieveContext(ctx, thread, threadID)
	if err != nil {
		return err
	}
	if len(contextChunkIDs) == 0 {
		o.skip(threadID, "no_context")
		return nil
	}

	requestID := RequestID(threadID, contextChunkIDs, o.summaryType)

	// An existing summary built from the same context makes this request
	// redundant; different context (new chunks changed retrieval) means
	// the thread gets a fresh summary.
	if summaryID := stringField(thread, "summary_id"); summaryID != "" {
		summary, err := o.deps.Store.Get(ctx, model.CollectionSummaries, summaryID)
		if err == nil && stringField(summary, "request_id") == requestID {
			o.skip(threadID, "summary_already_exists")
			return nil
		}
	}

	payload := events.SummarizationRequested{
		ThreadIDs:       []string{threadID},
		SummaryType:     o.summaryType,
		RequestID:       requestID,
		ContextChunkIDs: contextChunkIDs,
		LLMParams:       o.llmParams,
	}
	if err := o.deps.publish(ctx, events.TypeSummarizationRequested, payload); err != nil {
		return err
	}

	o.deps.collector().Increment("orchestrator_summary_triggered_total",
		map[string]string{"reason": "new_content"})
	log.WithFields(log.Fields{
		"thread_id":  threadID,
		"request_id": requestID,
		"chunks":     len(contextChunkIDs),
	}).Info("Summarization requested")
	return nil
}

// retrieveContext embeds the thread's subject as the query, fetches the
// top-k chunks for the thread and packs them into the token budget.
func (o *Orchestrator) retrieveContext(ctx context.Context, thread map[string]interface{}, threadID string) ([]string, error) {
	query := strings.TrimSpace(stringField(thread, "subject"))
	if query == "" {
		query = strings.Join(stringsField(thread, "participants"), " ")
	}
	if query == "" {
		query = threadID
	}

	queryVectors, err := o.embed.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed retrieval query: %w", err)
	}

	results, err := o.vectors.Query(ctx, queryVectors[0], o.topK,
		map[string]interface{}{"thread_id": threadID})
	if err != nil {
		return nil, fmt.Errorf("query vector store: %w", err)
	}

	var chunkIDs []string
	budget := o.contextWindowTokens
	for _, result := range results {
		tokens := intField(result.Payload, "token_count")
		if tokens > budget && len(chunkIDs) > 0 {
			break
		}
		chunkIDs = append(chunkIDs, result.ID)
		budget -= tokens
		if budget <= 0 {
			break
		}
	}
	return chunkIDs, nil
}

func (o *Orchestrator) skip(threadID, reason string) {
	o.deps.collector().Increment("orchestrator_summary_skipped_total",
		map[string]string{"reason": reason})
	log.WithFields(log.Fields{
		"thread_id": threadID,
		"reason":    reason,
	}).Debug("Summary skipped")
}

// failThread applies the attributable-failure protocol for the thread.
func (o *Orchestrator) failThread(ctx context.Context, threadID string, cause error) {
	payload := events.OrchestrationFailed{
		ThreadID:     threadID,
		Error:        cause.Error(),
		AttemptCount: o.deps.attemptCount(ctx, model.CollectionThreads, threadID),
	}
	o.deps.markFailedAndPublish(ctx, model.CollectionThreads, threadID,
		events.TypeOrchestrationFailed, payload)
}

// RequestID derives the deterministic summarization request id from the
// thread key, the context chunk ids and the summary type.
func RequestID(threadKey string, contextChunkIDs []string, summaryType string) string {
	sorted := append([]string(nil), contextChunkIDs...)
	sort.Strings(sorted)
	canonical := threadKey + "|" + strings.Join(sorted, ",") + "|" + summaryType
	return docstore.DeriveKey(canonical)
}
