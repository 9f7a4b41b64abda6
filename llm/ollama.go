package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"copilot.mailarchive.org/common"
	"copilot.mailarchive.org/config"
)

// Ollama calls the non-streaming chat endpoint of an Ollama server. The
// prompt labels every context chunk with [chunk:<key>] and instructs the
// model to cite those markers; citations are extracted from the response
// text. Token usage comes from Ollama's eval counters.
type Ollama struct {
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
}

// NewOllama creates the Ollama summarizer from configuration.
func NewOllama(cfg config.LLMConfig) *Ollama {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Ollama{
		baseURL:     cfg.BaseURL,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client:      &http.Client{Timeout: timeout},
	}
}

func (o *Ollama) Model() string { return o.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []chatMessage          `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type chatResponse struct {
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

// Summarize generates one summary for the request's context.
func (o *Ollama) Summarize(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = o.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = o.maxTokens
	}

	options := map[string]interface{}{"temperature": temperature}
	if maxTokens > 0 {
		options["num_predict"] = maxTokens
	}

	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(req.SummaryType)},
			{Role: "user", Content: userPrompt(req)},
		},
		Stream:  false,
		Options: options,
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, common.Transient("ollama chat", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("ollama returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		if resp.StatusCode >= 500 {
			return nil, common.Transient("ollama chat", err)
		}
		return nil, common.Permanent("ollama chat", err)
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, common.Transient("ollama chat", fmt.Errorf("decode response: %w", err))
	}

	content := strings.TrimSpace(decoded.Message.Content)
	return &Response{
		Content:          content,
		Citations:        ExtractCitations(content, req.Chunks),
		Model:            model,
		PromptTokens:     decoded.PromptEvalCount,
		CompletionTokens: decoded.EvalCount,
	}, nil
}

func systemPrompt(summaryType string) string {
	return fmt.Sprintf("You summarize mailing-list threads. Produce a %s summary. "+
		"Cite supporting excerpts with their [chunk:<id>] marker verbatim.", summaryType)
}

func userPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Thread: %s\n\nContext excerpts:\n", req.ThreadSubject)
	for _, chunk := range req.Chunks {
		fmt.Fprintf(&b, "[chunk:%s]\n%s\n\n", chunk.ID, chunk.Text)
	}
	b.WriteString("Summarize the discussion, citing chunk markers for every claim.")
	return b.String()
}
