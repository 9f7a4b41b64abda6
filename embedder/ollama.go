package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"copilot.mailarchive.org/common"
	"copilot.mailarchive.org/config"
)

// Ollama calls the Ollama REST API's POST /api/embeddings endpoint, one
// call per text (the API has no batch form). Connection failures, request
// timeouts and 5xx responses come back as transient errors; a 4xx means
// the request itself is wrong and is permanent.
type Ollama struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
}

// NewOllama creates the Ollama embedder from configuration.
func NewOllama(cfg config.EmbeddingConfig) *Ollama {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Ollama{
		baseURL:   cfg.BaseURL,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		client:    &http.Client{Timeout: timeout},
	}
}

func (o *Ollama) Model() string  { return o.model }
func (o *Ollama) Dimension() int { return o.dimension }

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed computes one vector per text. The first backend failure aborts the
// whole batch; the embed stage's chunk-level skip logic makes re-running
// the batch cheap.
func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := o.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		if len(vec) != o.dimension {
			return nil, fmt.Errorf("%w: model %s returned %d, want %d",
				common.ErrDimensionMismatch, o.model, len(vec), o.dimension)
		}
		vectors = append(vectors, vec)
	}
	return vectors, nil
}

func (o *Ollama) embedOne(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: o.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, common.Transient("ollama embed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("ollama returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		if resp.StatusCode >= 500 {
			return nil, common.Transient("ollama embed", err)
		}
		return nil, common.Permanent("ollama embed", err)
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, common.Transient("ollama embed", fmt.Errorf("decode response: %w", err))
	}
	return decoded.Embedding, nil
}
