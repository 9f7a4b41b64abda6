package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copilot.mailarchive.org/config"
)

// words builds a deterministic text of n whitespace tokens.
func words(n int) string {
	tokens := make([]string, n)
	for i := range tokens {
		tokens[i] = "w"
	}
	return strings.Join(tokens, " ")
}

// TestNewSelectsStrategy tests strategy selection from config.
func TestNewSelectsStrategy(t *testing.T) {
	tests := []struct {
		strategy string
		want     string
	}{
		{"token_window", "token_window"},
		{"fixed_size", "fixed_size"},
		{"semantic", "semantic"},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			s, err := New(config.ChunkingConfig{
				Strategy:         tt.strategy,
				ChunkSize:        128,
				ChunkOverlap:     16,
				MessagesPerChunk: 3,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Name())
		})
	}

	_, err := New(config.ChunkingConfig{Strategy: "recursive"})
	assert.Error(t, err)
}

// TestTokenWindowSplit tests the sliding window with overlap.
func TestTokenWindowSplit(t *testing.T) {
	tw := &TokenWindow{ChunkSize: 10, Overlap: 2, MinChunkSize: 3}

	t.Run("empty input produces no chunks", func(t *testing.T) {
		assert.Nil(t, tw.Split(""))
		assert.Nil(t, tw.Split("   \n\t "))
	})

	t.Run("single token", func(t *testing.T) {
		pieces := tw.Split("hello")
		require.Len(t, pieces, 1)
		assert.Equal(t, 1, pieces[0].TokenCount)
		assert.Equal(t, "hello", pieces[0].Text)
	})

	t.Run("short text is one chunk", func(t *testing.T) {
		pieces := tw.Split(words(10))
		require.Len(t, pieces, 1)
		assert.Equal(t, 10, pieces[0].TokenCount)
		assert.Equal(t, 0, pieces[0].StartOffset)
		assert.Equal(t, 10, pieces[0].EndOffset)
	})

	t.Run("windows advance by size minus overlap", func(t *testing.T) {
		pieces := tw.Split(words(26))
		// stride 8: [0,10) [8,18) [16,26)
		require.Len(t, pieces, 3)
		assert.Equal(t, 0, pieces[0].StartOffset)
		assert.Equal(t, 8, pieces[1].StartOffset)
		assert.Equal(t, 16, pieces[2].StartOffset)
		assert.Equal(t, 26, pieces[2].EndOffset)
	})

	t.Run("trailing chunk below min size is dropped", func(t *testing.T) {
		// stride 8: [0,10) [8,18) then [16,18) would be 2 tokens < min 3.
		pieces := tw.Split(words(18))
		require.Len(t, pieces, 2)
		assert.Equal(t, 18, pieces[1].EndOffset)
	})

	t.Run("sole chunk survives min size", func(t *testing.T) {
		pieces := tw.Split(words(2))
		require.Len(t, pieces, 1)
	})

	t.Run("max size caps the window", func(t *testing.T) {
		capped := &TokenWindow{ChunkSize: 10, Overlap: 2, MaxChunkSize: 5}
		pieces := capped.Split(words(5))
		require.Len(t, pieces, 1)
		assert.Equal(t, 5, pieces[0].TokenCount)
	})

	t.Run("deterministic across runs", func(t *testing.T) {
		a := tw.Split(words(40))
		b := tw.Split(words(40))
		assert.Equal(t, a, b)
	})
}

// TestFixedSizeSplit tests grouping by blank-line blocks.
func TestFixedSizeSplit(t *testing.T) {
	fs := &FixedSize{MessagesPerChunk: 2}

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, fs.Split(""))
	})

	t.Run("groups blocks with smaller final chunk", func(t *testing.T) {
		text := "one\n\ntwo\n\nthree\n\nfour\n\nfive"
		pieces := fs.Split(text)
		require.Len(t, pieces, 3)
		assert.Equal(t, "one\n\ntwo", pieces[0].Text)
		assert.Equal(t, "three\n\nfour", pieces[1].Text)
		assert.Equal(t, "five", pieces[2].Text)
	})

	t.Run("token counts cover the joined text", func(t *testing.T) {
		pieces := fs.Split("a b\n\nc d e")
		require.Len(t, pieces, 1)
		assert.Equal(t, 5, pieces[0].TokenCount)
	})
}

// TestSemanticSplit tests sentence packing toward the target token count.
func TestSemanticSplit(t *testing.T) {
	sem := &Semantic{TargetTokens: 6}

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, sem.Split(""))
	})

	t.Run("packs whole sentences without exceeding target", func(t *testing.T) {
		text := "One two three. Four five six! Seven eight? Nine."
		pieces := sem.Split(text)
		require.Len(t, pieces, 2)
		assert.Equal(t, "One two three. Four five six!", pieces[0].Text)
		assert.Equal(t, "Seven eight? Nine.", pieces[1].Text)
		for _, p := range pieces {
			assert.LessOrEqual(t, p.TokenCount, 6)
		}
	})

	t.Run("oversized single sentence becomes its own chunk", func(t *testing.T) {
		pieces := sem.Split(words(20) + ".")
		require.Len(t, pieces, 1)
		assert.Equal(t, 20, pieces[0].TokenCount)
	})

	t.Run("terminator not followed by whitespace does not split", func(t *testing.T) {
		pieces := sem.Split("see rfc5322.txt for details")
		require.Len(t, pieces, 1)
	})

	t.Run("trailing text without terminator is kept", func(t *testing.T) {
		pieces := sem.Split("First sentence. trailing fragment")
		var all []string
		for _, p := range pieces {
			all = append(all, p.Text)
		}
		assert.Contains(t, strings.Join(all, " "), "trailing fragment")
	})
}
