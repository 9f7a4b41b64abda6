// Package embedder turns chunk text into fixed-dimension vectors.
//
// The Embedder interface is the embed stage's only view of model
// inference. The Ollama backend calls a local or remote Ollama REST API;
// the fake backend produces deterministic vectors for tests and local
// end-to-end runs without a model server.
package embedder

import (
	"context"
	"fmt"

	"copilot.mailarchive.org/config"
)

// Embedder computes one vector per input text. Implementations return
// common.Transient-wrapped errors for backend failures so the retry
// helper knows they are worth retrying.
type Embedder interface {
	// Embed returns one vector per text, each of Dimension length.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Model names the embedding model for event payloads and vector
	// payload metadata.
	Model() string

	// Dimension is the fixed output vector length.
	Dimension() int
}

// New builds the embedder selected by configuration.
func New(cfg config.EmbeddingConfig) (Embedder, error) {
	switch cfg.Backend {
	case config.BackendOllama:
		return NewOllama(cfg), nil
	case config.BackendFake:
		return NewFake(cfg.Model, cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", cfg.Backend)
	}
}
