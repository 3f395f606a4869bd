// Package matcher reconciles two independent coordinate systems: the
// extractor chunks (page/bbox-anchored, produced once at extraction time)
// and the semantic chunks (re-chunked from cleaned markdown, with no
// inherent position in the original source). It locates each semantic
// chunk's offsets in the cleaned text with a five-layer cascade, each
// layer progressively less exact than the last, then transfers structural
// metadata from whichever extractor chunks overlap the result.
package matcher

import (
	"sort"
	"strings"

	"github.com/toph420/rhizome-worker/internal/store"
)

// MatchChunks finds StartOffset/EndOffset for every semantic chunk within
// fullText (the cleaned markdown chunking ran over), trying each cascade
// layer in order and falling through only when the previous layer fails.
// Chunks are processed in index order so later layers can anchor off
// already-resolved neighbors.
func MatchChunks(chunks []store.SemanticChunk, fullText string) {
	normFull := normalize(fullText)

	for i := range chunks {
		c := &chunks[i]

		if start, end, ok := exactSubstring(fullText, c.Content); ok {
			c.StartOffset, c.EndOffset = start, end
			c.PositionConfidence, c.PositionMethod, c.PositionValidated = store.PositionExact, "exact_substring", true
			continue
		}

		if start, end, ok := normalizedWhitespace(fullText, normFull, c.Content); ok {
			c.StartOffset, c.EndOffset = start, end
			c.PositionConfidence, c.PositionMethod, c.PositionValidated = store.PositionHigh, "normalized_whitespace", true
			continue
		}

		if start, end, ok := anchorTriangulation(fullText, c.Content); ok {
			c.StartOffset, c.EndOffset = start, end
			c.PositionConfidence, c.PositionMethod, c.PositionValidated = store.PositionHigh, "anchor_triangulation", true
			continue
		}

		if start, end, ok := lengthProratedInterpolation(chunks, i, len(fullText)); ok {
			c.StartOffset, c.EndOffset = start, end
			c.PositionConfidence, c.PositionMethod, c.PositionValidated = store.PositionMedium, "length_prorated_interpolation", false
			continue
		}

		start, end := syntheticGapFill(chunks, i, len(fullText))
		c.StartOffset, c.EndOffset = start, end
		c.PositionConfidence, c.PositionMethod, c.PositionValidated = store.PositionSynthetic, "synthetic_gap_fill", false
	}
}

// Layer 1: the chunk's content appears byte-for-byte in the source.
func exactSubstring(fullText, content string) (int, int, bool) {
	idx := strings.Index(fullText, content)
	if idx < 0 {
		return 0, 0, false
	}
	return idx, idx + len(content), true
}

// Layer 2: collapse whitespace on both sides and search again, then map
// the match back to original-text offsets.
func normalizedWhitespace(fullText, normFull, content string) (int, int, bool) {
	normContent := normalize(content)
	if normContent == "" {
		return 0, 0, false
	}
	idx := strings.Index(normFull, normContent)
	if idx < 0 {
		return 0, 0, false
	}
	start := mapNormalizedOffset(fullText, idx)
	end := mapNormalizedOffset(fullText, idx+len(normContent))
	if end <= start {
		return 0, 0, false
	}
	return start, end, true
}

// Layer 3: search for the chunk's first and last distinctive words (its
// "anchors") independently and triangulate a span between them when both
// are found in the expected order.
func anchorTriangulation(fullText, content string) (int, int, bool) {
	words := strings.Fields(content)
	if len(words) < 4 {
		return 0, 0, false
	}
	headAnchor := strings.Join(words[:min(4, len(words))], " ")
	tailAnchor := strings.Join(words[max(0, len(words)-4):], " ")

	start := strings.Index(fullText, headAnchor)
	if start < 0 {
		return 0, 0, false
	}
	tailSearchFrom := start + len(headAnchor)
	if tailSearchFrom > len(fullText) {
		return 0, 0, false
	}
	tailIdx := strings.Index(fullText[tailSearchFrom:], tailAnchor)
	if tailIdx < 0 {
		return 0, 0, false
	}
	end := tailSearchFrom + tailIdx + len(tailAnchor)
	if end <= start {
		return 0, 0, false
	}
	return start, end, true
}

// Layer 4: when neighboring chunks already have validated offsets, place
// this chunk proportionally between them based on its share of the
// combined character length.
func lengthProratedInterpolation(chunks []store.SemanticChunk, i, totalLen int) (int, int, bool) {
	prevEnd, havePrev := -1, false
	for j := i - 1; j >= 0; j-- {
		if chunks[j].PositionValidated {
			prevEnd, havePrev = chunks[j].EndOffset, true
			break
		}
	}
	nextStart, haveNext := -1, false
	for j := i + 1; j < len(chunks); j++ {
		if chunks[j].PositionValidated {
			nextStart, haveNext = chunks[j].StartOffset, true
			break
		}
	}
	if !havePrev || !haveNext || nextStart <= prevEnd {
		return 0, 0, false
	}

	gapLen := nextStart - prevEnd
	var before, total int
	for j := i; j >= 0 && !chunks[j].PositionValidated; j-- {
		total += len(chunks[j].Content)
		if j < i {
			before += len(chunks[j].Content)
		}
	}
	if total == 0 {
		return 0, 0, false
	}
	myLen := len(chunks[i].Content)
	start := prevEnd + int(float64(gapLen)*float64(before)/float64(total))
	end := start + myLen
	if end > totalLen {
		end = totalLen
	}
	if end <= start {
		return 0, 0, false
	}
	return start, end, true
}

// Layer 5: last resort — no anchors, no validated neighbors. Start the
// chunk at the end offset of the nearest preceding chunk that has one (or
// at 0) and give it its own content length, capped at the text length.
func syntheticGapFill(chunks []store.SemanticChunk, i, totalLen int) (int, int) {
	prevEnd := 0
	for j := i - 1; j >= 0; j-- {
		if chunks[j].EndOffset > 0 {
			prevEnd = chunks[j].EndOffset
			break
		}
	}
	myLen := len(chunks[i].Content)
	start := prevEnd
	end := start + myLen
	if end > totalLen {
		end = totalLen
	}
	return start, end
}

func normalize(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// mapNormalizedOffset maps a character offset in the whitespace-collapsed
// text back to the corresponding offset in the original text.
func mapNormalizedOffset(original string, normOffset int) int {
	count := 0
	inWS := true
	for i, r := range original {
		if r == ' ' || r == '\n' || r == '\t' || r == '\r' {
			if !inWS {
				count++ // the single collapsed space
				if count > normOffset {
					return i
				}
			}
			inWS = true
			continue
		}
		if inWS && i > 0 {
			inWS = false
		}
		if i == 0 {
			inWS = false
		}
		if count >= normOffset {
			return i
		}
		count++
	}
	return len(original)
}

// TransferMetadata assigns page/heading/bbox structural metadata to each
// semantic chunk from whichever extractor chunks overlap its
// [StartOffset, EndOffset) span, per the teacher's documents-offsets
// model extended with the spec's overlap/confidence/interpolation fields.
// extractorOffsets gives each extractor chunk's span in the same
// coordinate space as the semantic chunks (computed by the caller from
// the extraction stage's own concatenation order).
func TransferMetadata(chunks []store.SemanticChunk, extractors []store.ExtractorChunk, extractorOffsets []Span) {
	for i := range chunks {
		c := &chunks[i]
		overlaps := overlappingExtractors(c.StartOffset, c.EndOffset, extractors, extractorOffsets)

		c.MetadataOverlapCount = len(overlaps)
		if len(overlaps) == 0 {
			c.MetadataInterpolated = true
			c.MetadataConfidence = store.MetadataLow
			inheritFromNearest(chunks, i, extractors, extractorOffsets)
			continue
		}

		sort.Slice(overlaps, func(a, b int) bool {
			if overlaps[a].overlapLen != overlaps[b].overlapLen {
				return overlaps[a].overlapLen > overlaps[b].overlapLen
			}
			return overlaps[a].span.Start < overlaps[b].span.Start
		})
		primary := overlaps[0].chunk

		pageStart, pageEnd := primary.PageStart, primary.PageEnd
		headingPath := primary.HeadingPath
		headingLevel := primary.HeadingLevel
		section := primary.SectionMarker
		var bboxes []store.BBox
		for _, ov := range overlaps {
			if ov.chunk.PageStart != 0 && (pageStart == 0 || ov.chunk.PageStart < pageStart) {
				pageStart = ov.chunk.PageStart
			}
			if ov.chunk.PageEnd > pageEnd {
				pageEnd = ov.chunk.PageEnd
			}
			bboxes = append(bboxes, ov.chunk.BBoxes...)
			headingPath = commonPrefix(headingPath, ov.chunk.HeadingPath)
		}
		if len(headingPath) < headingLevel {
			headingLevel = len(headingPath)
		}

		c.PageStart, c.PageEnd = pageStart, pageEnd
		c.HeadingPath, c.HeadingLevel, c.SectionMarker = headingPath, headingLevel, section
		c.BBoxes = bboxes
		c.MetadataInterpolated = false
		c.MetadataConfidence = confidenceFor(overlaps, c.EndOffset-c.StartOffset)
	}
}

// commonPrefix returns the longest shared leading sequence of a and b,
// spec §4.5's rule for merging heading_path across multiple overlapping
// extractor chunks: a chunk that straddles a heading boundary inherits
// only the ancestry every overlap agrees on.
func commonPrefix(a, b []string) []string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	out := make([]string, i)
	copy(out, a[:i])
	return out
}

// Span is a half-open [Start, End) character range.
type Span struct {
	Start int
	End   int
}

type overlap struct {
	chunk      store.ExtractorChunk
	span       Span
	overlapLen int
}

func overlappingExtractors(start, end int, extractors []store.ExtractorChunk, offsets []Span) []overlap {
	var out []overlap
	for i, ex := range extractors {
		if i >= len(offsets) {
			break
		}
		sp := offsets[i]
		lo := max(start, sp.Start)
		hi := min(end, sp.End)
		if hi > lo {
			out = append(out, overlap{chunk: ex, span: sp, overlapLen: hi - lo})
		}
	}
	return out
}

// inheritFromNearest copies structural metadata from the nearest
// previously-resolved chunk when a chunk has zero extractor overlap,
// so interpolated chunks still carry plausible page/heading context.
func inheritFromNearest(chunks []store.SemanticChunk, i int, extractors []store.ExtractorChunk, offsets []Span) {
	for j := i - 1; j >= 0; j-- {
		if chunks[j].MetadataOverlapCount > 0 {
			chunks[i].PageStart = chunks[j].PageStart
			chunks[i].PageEnd = chunks[j].PageEnd
			chunks[i].HeadingPath = chunks[j].HeadingPath
			chunks[i].HeadingLevel = chunks[j].HeadingLevel
			chunks[i].SectionMarker = chunks[j].SectionMarker
			return
		}
	}
}

func confidenceFor(overlaps []overlap, chunkLen int) store.MetadataConfidence {
	if chunkLen <= 0 {
		return store.MetadataLow
	}
	var covered int
	for _, ov := range overlaps {
		covered += ov.overlapLen
	}
	ratio := float64(covered) / float64(chunkLen)
	switch {
	case ratio >= 0.9:
		return store.MetadataHigh
	case ratio >= 0.5:
		return store.MetadataMedium
	default:
		return store.MetadataLow
	}
}
