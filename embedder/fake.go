package embedder

import (
	"context"
	"crypto/sha256"
	"math"
)

// Fake produces deterministic unit vectors derived from the text's
// SHA-256, so identical text always embeds to the identical vector. Used
// by tests and by local runs without a model server.
type Fake struct {
	model     string
	dimension int

	// Fail, when set, is returned by Embed instead of vectors. Tests use
	// it to drive the transient-retry path.
	Fail error
}

// NewFake creates a fake embedder with the given reported model name and
// dimension.
func NewFake(model string, dimension int) *Fake {
	if model == "" {
		model = "fake-embed"
	}
	return &Fake{model: model, dimension: dimension}
}

func (f *Fake) Model() string  { return f.model }
func (f *Fake) Dimension() int { return f.dimension }

// Embed derives one deterministic vector per text.
func (f *Fake) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.Fail != nil {
		return nil, f.Fail
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = f.vectorFor(text)
	}
	return vectors, nil
}

// vectorFor stretches the digest over the dimension and normalizes to
// unit length so cosine scores stay well-behaved.
func (f *Fake) vectorFor(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, f.dimension)
	var norm float64
	for i := range vec {
		b := sum[i%len(sum)]
		v := float64(b)/127.5 - 1.0
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
