// Package chunker splits message bodies into embedding-sized windows.
//
// Three strategies are selectable by configuration: a sliding token window
// with overlap, a fixed-size grouping by paragraph count, and a semantic
// strategy that packs whole sentences up to a target token count. Tokens
// are whitespace-separated words throughout; the embedding backend does its
// own subword tokenization, so word counts only need to be stable, not
// model-accurate.
package chunker

import (
	"fmt"
	"strings"

	"copilot.mailarchive.org/config"
)

// Piece is one chunk produced by a strategy, before it becomes a chunk
// document. Offsets are token positions within the source text and are only
// meaningful for the token-window strategy.
type Piece struct {
	Text        string
	TokenCount  int
	StartOffset int
	EndOffset   int
}

// Strategy turns a message body into an ordered list of pieces. The order
// defines the chunk index, which the deterministic chunk key derives from,
// so a strategy must be stable for identical input.
type Strategy interface {
	Split(text string) []Piece
	Name() string
}

// New builds the strategy selected by the chunking configuration. The
// configuration has already passed config.Validate, so parameter sanity
// (overlap < chunk_size and friends) holds here.
func New(cfg config.ChunkingConfig) (Strategy, error) {
	switch cfg.Strategy {
	case "token_window":
		return &TokenWindow{
			ChunkSize:    cfg.ChunkSize,
			Overlap:      cfg.ChunkOverlap,
			MinChunkSize: cfg.MinChunkSize,
			MaxChunkSize: cfg.MaxChunkSize,
		}, nil
	case "fixed_size":
		return &FixedSize{MessagesPerChunk: cfg.MessagesPerChunk}, nil
	case "semantic":
		return &Semantic{TargetTokens: cfg.ChunkSize}, nil
	default:
		return nil, fmt.Errorf("unknown chunking strategy %q", cfg.Strategy)
	}
}

// TokenWindow slides a window of ChunkSize tokens over the text, advancing
// by ChunkSize-Overlap tokens, so consecutive chunks share Overlap tokens
// at their boundary. A trailing window shorter than MinChunkSize is dropped
// unless it is the only chunk. MaxChunkSize is a hard cap on window length.
type TokenWindow struct {
	ChunkSize    int
	Overlap      int
	MinChunkSize int
	MaxChunkSize int
}

func (t *TokenWindow) Name() string { return "token_window" }

func (t *TokenWindow) Split(text string) []Piece {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}

	size := t.ChunkSize
	if t.MaxChunkSize > 0 && size > t.MaxChunkSize {
		size = t.MaxChunkSize
	}
	overlap := t.Overlap
	if overlap >= size {
		overlap = size - 1
	}

	if len(tokens) <= size {
		return []Piece{{
			Text:        strings.Join(tokens, " "),
			TokenCount:  len(tokens),
			StartOffset: 0,
			EndOffset:   len(tokens),
		}}
	}

	stride := size - overlap
	var pieces []Piece
	for start := 0; start < len(tokens); start += stride {
		end := start + size
		last := false
		if end >= len(tokens) {
			end = len(tokens)
			last = true
		}
		count := end - start
		if last && count < t.MinChunkSize && len(pieces) > 0 {
			break
		}
		pieces = append(pieces, Piece{
			Text:        strings.Join(tokens[start:end], " "),
			TokenCount:  count,
			StartOffset: start,
			EndOffset:   end,
		})
		if last {
			break
		}
	}
	return pieces
}

// FixedSize groups blank-line-separated blocks of the body, exactly
// MessagesPerChunk blocks per chunk with a possibly smaller final chunk.
// Mailing-list digests concatenate messages with blank-line separation,
// which is what this strategy is for.
type FixedSize struct {
	MessagesPerChunk int
}

func (f *FixedSize) Name() string { return "fixed_size" }

func (f *FixedSize) Split(text string) []Piece {
	blocks := splitBlocks(text)
	if len(blocks) == 0 {
		return nil
	}

	per := f.MessagesPerChunk
	if per <= 0 {
		per = 1
	}

	var pieces []Piece
	for start := 0; start < len(blocks); start += per {
		end := start + per
		if end > len(blocks) {
			end = len(blocks)
		}
		joined := strings.Join(blocks[start:end], "\n\n")
		pieces = append(pieces, Piece{
			Text:       joined,
			TokenCount: len(strings.Fields(joined)),
		})
	}
	return pieces
}

// splitBlocks splits on blank lines and drops empty blocks.
func splitBlocks(text string) []string {
	var blocks []string
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block != "" {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

// Semantic splits on sentence terminators (. ! ? followed by whitespace)
// and greedily packs whole sentences until adding the next one would exceed
// TargetTokens. A single sentence longer than the target becomes its own
// chunk rather than being cut mid-sentence.
type Semantic struct {
	TargetTokens int
}

func (s *Semantic) Name() string { return "semantic" }

func (s *Semantic) Split(text string) []Piece {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	target := s.TargetTokens
	if target <= 0 {
		target = 1
	}

	var pieces []Piece
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		joined := strings.Join(current, " ")
		pieces = append(pieces, Piece{
			Text:       joined,
			TokenCount: len(strings.Fields(joined)),
		})
		current = nil
		currentTokens = 0
	}

	for _, sentence := range sentences {
		n := len(strings.Fields(sentence))
		if currentTokens > 0 && currentTokens+n > target {
			flush()
		}
		current = append(current, sentence)
		currentTokens += n
	}
	flush()
	return pieces
}

// splitSentences cuts text after '.', '!' or '?' when followed by
// whitespace (or end of text). Whitespace-only sentences are dropped.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		atEnd := i == len(runes)-1
		if !atEnd && !isSpace(runes[i+1]) {
			continue
		}
		sentence := strings.TrimSpace(string(runes[start : i+1]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = i + 1
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
