package llm

import (
	"context"
	"fmt"
	"strings"
)

// Fake returns a deterministic summary citing every context chunk. Tests
// and local runs use it in place of a model server.
type Fake struct {
	model string

	// Fail, when set, is returned instead of a response. Tests use it to
	// drive the retry and give-up paths.
	Fail error

	// NoCitations makes the fake cite nothing, for the zero-citation
	// boundary behavior.
	NoCitations bool
}

// NewFake creates a fake summarizer reporting the given model name.
func NewFake(model string) *Fake {
	if model == "" {
		model = "fake-llm"
	}
	return &Fake{model: model}
}

func (f *Fake) Model() string { return f.model }

// Summarize returns a canned summary referencing the request's chunks.
func (f *Fake) Summarize(ctx context.Context, req Request) (*Response, error) {
	if f.Fail != nil {
		return nil, f.Fail
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Summary (%s) of %q covering %d excerpts.",
		req.SummaryType, req.ThreadSubject, len(req.Chunks))
	if !f.NoCitations {
		for _, chunk := range req.Chunks {
			fmt.Fprintf(&b, " [chunk:%s]", chunk.ID)
		}
	}
	content := b.String()

	return &Response{
		Content:          content,
		Citations:        ExtractCitations(content, req.Chunks),
		Model:            f.model,
		PromptTokens:     len(req.Chunks) * 10,
		CompletionTokens: 20,
	}, nil
}
