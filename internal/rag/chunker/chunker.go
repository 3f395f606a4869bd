// Package chunker implements the semantic chunking stage of the document
// pipeline: splitting cleaned markdown into chunks carrying character
// offsets back into the source text, an approximate token count, and the
// chunking strategy that produced them.
package chunker

import (
	"regexp"
	"strings"
)

// Chunk is one semantic chunk of a document, offset-addressable into the
// cleaned markdown it was produced from.
type Chunk struct {
	Index       int
	Text        string
	StartOffset int
	EndOffset   int
	TokenCount  int
	ChunkerType string
}

// ChunkingOptions controls the target chunk size and splitting strategy.
type ChunkingOptions struct {
	Strategy  string // fixed | markdown | code
	MaxTokens int
	Overlap   int
}

// Chunker splits markdown text into Chunks under the given options.
type Chunker interface {
	Chunk(text string, opt ChunkingOptions) ([]Chunk, error)
}

// SemanticChunker implements the strategies selected by ChunkingOptions.Strategy.
type SemanticChunker struct{}

// Chunk splits text into chunks using the strategy named in opt.Strategy.
func (SemanticChunker) Chunk(text string, opt ChunkingOptions) ([]Chunk, error) {
	strategy := strings.ToLower(opt.Strategy)
	if strategy == "" {
		strategy = "markdown"
	}
	switch strategy {
	case "fixed", "tokens", "sentences":
		return fixedChunk(text, opt), nil
	case "markdown", "md":
		return markdownChunk(text, opt), nil
	case "code":
		return codeChunk(text, opt), nil
	default:
		return markdownChunk(text, opt), nil
	}
}

func targetLen(opt ChunkingOptions) int {
	n := opt.MaxTokens
	if n <= 0 {
		n = 512
	}
	return n * 4 // rough 4 chars per token heuristic
}

func estimateTokens(s string) int {
	n := len(strings.Fields(s))
	if n == 0 {
		n = len(s) / 4
	}
	return n
}

// fixedChunk makes contiguous chunks of target size with optional overlap,
// preferring to cut on whitespace boundaries to avoid mid-word splits.
func fixedChunk(text string, opt ChunkingOptions) []Chunk {
	tgt := targetLen(opt)
	if tgt < 32 {
		tgt = 32
	}
	ov := opt.Overlap
	if ov < 0 {
		ov = 0
	}
	ovChars := ov * 4
	var out []Chunk
	start := 0
	idx := 0
	for start < len(text) {
		end := start + tgt
		if end > len(text) {
			end = len(text)
		} else if i := strings.LastIndex(text[start:end], " "); i > tgt/2 {
			end = start + i
		}
		trimmed := strings.TrimSpace(text[start:end])
		if trimmed != "" {
			lead := strings.Index(text[start:end], trimmed)
			cs := start + lead
			out = append(out, Chunk{
				Index:       idx,
				Text:        trimmed,
				StartOffset: cs,
				EndOffset:   cs + len(trimmed),
				TokenCount:  estimateTokens(trimmed),
				ChunkerType: "fixed",
			})
			idx++
		}
		if end == len(text) {
			break
		}
		next := end - ovChars
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

// markdownChunk prefers splitting on headings and paragraph breaks, tracking
// each chunk's character range in the original text.
func markdownChunk(text string, opt ChunkingOptions) []Chunk {
	tgt := targetLen(opt)
	lines := strings.Split(text, "\n")

	var out []Chunk
	var buf strings.Builder
	idx := 0
	chunkStart := 0
	offset := 0

	writeFlush := func(endOffset int) {
		s := strings.TrimSpace(buf.String())
		if s != "" {
			out = append(out, Chunk{
				Index:       idx,
				Text:        s,
				StartOffset: chunkStart,
				EndOffset:   endOffset,
				TokenCount:  estimateTokens(s),
				ChunkerType: "markdown",
			})
			idx++
		}
		buf.Reset()
		chunkStart = endOffset
	}

	for i, ln := range lines {
		isHeading := strings.HasPrefix(ln, "#")
		isParaBreak := strings.TrimSpace(ln) == "" && i+1 < len(lines) && strings.TrimSpace(lines[i+1]) != ""

		if isHeading && buf.Len() > 0 {
			writeFlush(offset)
		}
		if buf.Len() > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(ln)

		offset += len(ln)
		if i < len(lines)-1 {
			offset++ // account for the stripped "\n"
		}

		if (isHeading || isParaBreak) && buf.Len() >= tgt {
			writeFlush(offset)
		}
	}
	writeFlush(offset)
	return out
}

var codeSplitRe = regexp.MustCompile(`(?m)^\s*(func |class |def |#[#\s]|//)`)

// codeChunk attempts to respect function/class boundaries and comments.
func codeChunk(text string, opt ChunkingOptions) []Chunk {
	tgt := targetLen(opt)
	lines := strings.Split(text, "\n")
	var out []Chunk
	var buf strings.Builder
	idx := 0
	chunkStart := 0
	offset := 0

	flush := func(endOffset int) {
		s := strings.TrimRight(buf.String(), "\n")
		if strings.TrimSpace(s) != "" {
			out = append(out, Chunk{
				Index:       idx,
				Text:        s,
				StartOffset: chunkStart,
				EndOffset:   endOffset,
				TokenCount:  estimateTokens(s),
				ChunkerType: "code",
			})
			idx++
		}
		buf.Reset()
		chunkStart = endOffset
	}

	for i, ln := range lines {
		if codeSplitRe.MatchString(ln) && buf.Len() > 0 && (buf.Len()+len(ln)+1 > tgt || strings.Contains(buf.String(), "func ")) {
			flush(offset)
		}
		buf.WriteString(ln)
		offset += len(ln)
		if i < len(lines)-1 {
			buf.WriteString("\n")
			offset++
		}
	}
	flush(offset)
	return out
}
