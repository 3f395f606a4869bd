package chunker

import (
	"strings"
	"testing"
)

func genText(words int) string {
	var b strings.Builder
	for i := 0; i < words; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("word")
	}
	return b.String()
}

func TestFixedChunk_SizeToleranceAndOverlap(t *testing.T) {
	text := genText(2000) // ~8000 chars
	ch := SemanticChunker{}
	opt := ChunkingOptions{Strategy: "fixed", MaxTokens: 200, Overlap: 10}
	chunks, err := ch.Chunk(text, opt)
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatalf("expected some chunks")
	}
	tgt := 200 * 4
	tolLow, tolHigh := int(float64(tgt)*0.9), int(float64(tgt)*1.1)
	for i, c := range chunks {
		if c.ChunkerType != "fixed" {
			t.Fatalf("chunk %d has wrong chunker type %q", i, c.ChunkerType)
		}
		if text[c.StartOffset:c.EndOffset] == "" {
			t.Fatalf("chunk %d offsets do not resolve into source text", i)
		}
		if i == len(chunks)-1 {
			break
		}
		if l := len(c.Text); !(l >= tolLow && l <= tolHigh) {
			t.Fatalf("chunk %d length %d out of tolerance [%d,%d]", i, l, tolLow, tolHigh)
		}
	}
}

func TestMarkdownChunk_PreservesHeadingsAndOffsets(t *testing.T) {
	text := "# Title\n\npara1 text here.\n\n## Sub\n\npara2 text here."
	ch := SemanticChunker{}
	chunks, err := ch.Chunk(text, ChunkingOptions{Strategy: "md", MaxTokens: 10})
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected >=2 chunks, got %d", len(chunks))
	}
	if !strings.Contains(chunks[0].Text, "# Title") {
		t.Fatalf("first chunk should contain heading: %q", chunks[0].Text)
	}
	for i, c := range chunks {
		if c.StartOffset < 0 || c.EndOffset > len(text) || c.StartOffset > c.EndOffset {
			t.Fatalf("chunk %d has invalid offsets [%d,%d)", i, c.StartOffset, c.EndOffset)
		}
		if c.TokenCount <= 0 {
			t.Fatalf("chunk %d should have a positive token count", i)
		}
	}
}

func TestCodeChunk_RarelySplitsFunctions(t *testing.T) {
	text := "package x\n\n// comment\n\nfunc A() {}\n\nfunc B() {}\n\nfunc C() {}\n"
	ch := SemanticChunker{}
	chunks, err := ch.Chunk(text, ChunkingOptions{Strategy: "code", MaxTokens: 8})
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks")
	}
	for _, c := range chunks {
		if strings.Count(c.Text, "func ") > 1 {
			t.Fatalf("chunk should not contain many functions: %q", c.Text)
		}
	}
}

func TestChunkIndexesAreSequential(t *testing.T) {
	ch := SemanticChunker{}
	chunks, err := ch.Chunk(genText(500), ChunkingOptions{Strategy: "fixed", MaxTokens: 50})
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has Index %d, want %d", i, c.Index, i)
		}
	}
}
