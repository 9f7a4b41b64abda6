// Package llm generates thread summaries from retrieved context.
//
// The Summarizer interface is the summarize stage's only view of LLM
// inference: it takes the assembled context chunks and returns the summary
// text, the chunk ids the model cited, and token usage for accounting. The
// Ollama backend calls the chat endpoint of an Ollama server; the fake
// backend returns a canned summary citing every chunk, for tests and local
// runs.
package llm

import (
	"context"
	"fmt"
	"regexp"

	"copilot.mailarchive.org/config"
)

// ContextChunk is one retrieved chunk handed to the model, labeled by its
// chunk key so citations can be extracted from the response.
type ContextChunk struct {
	ID   string
	Text string
}

// Request carries everything a backend needs to produce one summary. The
// generation parameters ride on the summarization event, so a request is
// reproducible from the event alone.
type Request struct {
	ThreadSubject string
	SummaryType   string
	Chunks        []ContextChunk
	Model         string
	Temperature   float64
	MaxTokens     int
}

// Response is the backend's answer. Citations holds the chunk ids the
// model referenced; an empty list is valid. Token counts feed the
// summarization_tokens_total metric.
type Response struct {
	Content          string
	Citations        []string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Summarizer generates summaries. Backend failures come back wrapped as
// transient or permanent per the shared taxonomy.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (*Response, error)
	Model() string
}

// New builds the summarizer selected by configuration.
func New(cfg config.LLMConfig) (Summarizer, error) {
	switch cfg.Backend {
	case config.BackendOllama:
		return NewOllama(cfg), nil
	case config.BackendFake:
		return NewFake(cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm backend %q", cfg.Backend)
	}
}

// citationPattern matches the [chunk:<key>] markers the prompt instructs
// the model to cite with.
var citationPattern = regexp.MustCompile(`\[chunk:([0-9a-f]{16})\]`)

// ExtractCitations pulls cited chunk ids out of a summary text, keeping
// only ids present in the request context and deduplicating in order of
// first mention.
func ExtractCitations(content string, chunks []ContextChunk) []string {
	known := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		known[c.ID] = true
	}

	seen := map[string]bool{}
	citations := []string{}
	for _, match := range citationPattern.FindAllStringSubmatch(content, -1) {
		id := match[1]
		if known[id] && !seen[id] {
			seen[id] = true
			citations = append(citations, id)
		}
	}
	return citations
}
