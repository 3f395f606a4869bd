package port

import (
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/toph420/rhizome-worker/internal/store"
)

// Recovery confidence thresholds: at or above Accept the match is applied
// automatically; between Review and Accept it is applied but flagged for
// a human to confirm; below Review the annotation is left unattached.
const (
	ConfidenceAutoAccept = 0.85
	ConfidenceReview     = 0.75
)

// RecoveryMethod names which cascade tier produced a match.
type RecoveryMethod string

const (
	RecoveryDirect       RecoveryMethod = "direct"
	RecoveryContext      RecoveryMethod = "context"
	RecoveryChunkBounded RecoveryMethod = "chunk_bounded"
	RecoveryTrigram      RecoveryMethod = "trigram"
	RecoveryLost         RecoveryMethod = "lost"
)

// RecoveredAnnotation is an annotation after the recovery cascade: either
// reattached to a chunk with a confidence and method, or marked lost.
type RecoveredAnnotation struct {
	Annotation store.Annotation
	ChunkID    string // new chunk UUID it was reattached to; empty when lost
	Confidence float64
	Method     RecoveryMethod
	NeedsReview bool
}

// RecoverAnnotations reattaches each annotation to the imported chunk set,
// trying progressively looser matches and stopping at the first tier that
// succeeds. Used whenever chunk IDs did not survive the import verbatim
// (replace mode, or merge_smart chunks whose content changed).
func RecoverAnnotations(annotations []store.Annotation, chunks []store.SemanticChunk) []RecoveredAnnotation {
	byID := make(map[string]store.SemanticChunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID.String()] = c
	}

	out := make([]RecoveredAnnotation, 0, len(annotations))
	for _, a := range annotations {
		if c, ok := byID[a.ChunkID.String()]; ok {
			out = append(out, recovered(a, c.ID.String(), 1.0, RecoveryDirect))
			continue
		}

		if c, ok := contextMatch(a, chunks); ok {
			out = append(out, recovered(a, c.ID.String(), 0.95, RecoveryContext))
			continue
		}

		if c, score, ok := chunkBoundedMatch(a, chunks); ok {
			out = append(out, recovered(a, c.ID.String(), score, RecoveryChunkBounded))
			continue
		}

		if c, score, ok := trigramMatch(a, chunks); ok {
			out = append(out, recovered(a, c.ID.String(), score, RecoveryTrigram))
			continue
		}

		out = append(out, RecoveredAnnotation{Annotation: a, Confidence: 0, Method: RecoveryLost})
	}
	return out
}

func recovered(a store.Annotation, chunkID string, confidence float64, method RecoveryMethod) RecoveredAnnotation {
	return RecoveredAnnotation{
		Annotation:  a,
		ChunkID:     chunkID,
		Confidence:  confidence,
		Method:      method,
		NeedsReview: confidence < ConfidenceAutoAccept,
	}
}

// contextMatch looks for the annotation's stored original text as a unique
// substring anchor across all chunks; a match is only trusted when it
// appears in exactly one chunk, since a substring occurring in several
// chunks can't disambiguate which one the annotation belonged to.
func contextMatch(a store.Annotation, chunks []store.SemanticChunk) (store.SemanticChunk, bool) {
	text := strings.TrimSpace(a.OriginalText)
	if text == "" {
		return store.SemanticChunk{}, false
	}
	var found store.SemanticChunk
	hits := 0
	for _, c := range chunks {
		if strings.Contains(c.Content, text) {
			hits++
			found = c
			if hits > 1 {
				break
			}
		}
	}
	if hits == 1 {
		return found, true
	}
	return store.SemanticChunk{}, false
}

// chunkBoundedMatch restricts the search to chunks whose document-offset
// range overlaps the annotation's recorded offsets, then fuzzy-matches the
// original text against each candidate's content.
func chunkBoundedMatch(a store.Annotation, chunks []store.SemanticChunk) (store.SemanticChunk, float64, bool) {
	var candidates []store.SemanticChunk
	for _, c := range chunks {
		if c.EndOffset <= a.StartOffset || c.StartOffset >= a.EndOffset {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return store.SemanticChunk{}, 0, false
	}
	return bestFuzzyMatch(a.OriginalText, candidates)
}

// trigramMatch falls back to a document-wide search, ranking every chunk by
// fuzzy similarity against the original text regardless of offset range.
func trigramMatch(a store.Annotation, chunks []store.SemanticChunk) (store.SemanticChunk, float64, bool) {
	if len(chunks) == 0 {
		return store.SemanticChunk{}, 0, false
	}
	return bestFuzzyMatch(a.OriginalText, chunks)
}

type chunkSource []store.SemanticChunk

func (s chunkSource) String(i int) string { return s[i].Content }
func (s chunkSource) Len() int            { return len(s) }

// bestFuzzyMatch ranks candidates with a subsequence-match fuzzy scorer and
// reports the trigram similarity between the text and the winning
// candidate's content as a [0,1] confidence, since sahilm/fuzzy's raw score
// is unbounded.
func bestFuzzyMatch(text string, candidates []store.SemanticChunk) (store.SemanticChunk, float64, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return store.SemanticChunk{}, 0, false
	}
	matches := fuzzy.FindFrom(text, chunkSource(candidates))
	if len(matches) == 0 {
		return store.SemanticChunk{}, 0, false
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	best := matches[0]
	confidence := trigramSimilarity(text, candidates[best.Index].Content)
	return candidates[best.Index], confidence, true
}

// trigramSimilarity is the Jaccard index of each string's character-trigram
// set: a simple, dependency-free similarity score used to turn a fuzzy
// ranking into a calibrated [0,1] confidence.
func trigramSimilarity(a, b string) float64 {
	ta, tb := trigramSet(a), trigramSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	intersection := 0
	for t := range ta {
		if tb[t] {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func trigramSet(s string) map[string]bool {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	set := map[string]bool{}
	for i := 0; i+3 <= len(s); i++ {
		set[s[i:i+3]] = true
	}
	return set
}
