package connections

import (
	"context"
	"fmt"
	"math"

	"github.com/toph420/rhizome-worker/internal/store"
)

// ContradictionDetectionEngine flags chunk pairs that discuss the same
// concept but diverge sharply in emotional polarity — a cheap proxy for
// "these two passages take opposing stances".
type ContradictionDetectionEngine struct {
	// MinSharedConcepts is the minimum concept overlap before a pair is considered.
	MinSharedConcepts int
	// MinPolarityGap is the minimum |polarity difference| to call it a contradiction.
	MinPolarityGap float64
}

func (e ContradictionDetectionEngine) Name() store.ConnectionEngine {
	return store.EngineContradictionDetect
}

func (e ContradictionDetectionEngine) Detect(ctx context.Context, chunks []store.SemanticChunk) ([]Candidate, error) {
	minShared := e.MinSharedConcepts
	if minShared <= 0 {
		minShared = 1
	}
	minGap := e.MinPolarityGap
	if minGap <= 0 {
		minGap = 0.6
	}

	var out []Candidate
	for i := 0; i < len(chunks); i++ {
		a := chunks[i]
		if a.ConceptualMetadata == nil || a.EmotionalMetadata == nil {
			continue
		}
		for j := i + 1; j < len(chunks); j++ {
			b := chunks[j]
			if b.ConceptualMetadata == nil || b.EmotionalMetadata == nil {
				continue
			}
			shared := sharedConcepts(a.ConceptualMetadata.Concepts, b.ConceptualMetadata.Concepts)
			if len(shared) < minShared {
				continue
			}
			gap := math.Abs(a.EmotionalMetadata.Polarity - b.EmotionalMetadata.Polarity)
			if gap < minGap {
				continue
			}
			strength := math.Min(1.0, gap)
			out = append(out, Candidate{
				SourceChunkID: a.ID,
				TargetChunkID: b.ID,
				Engine:        store.EngineContradictionDetect,
				Strength:      strength,
				Type:          "contradicts",
				Evidence:      fmt.Sprintf("shares concepts %v with a polarity gap of %.2f", shared, gap),
			})
		}
	}
	return out, nil
}

func sharedConcepts(a, b []store.ConceptScore) []string {
	names := make(map[string]bool, len(a))
	for _, c := range a {
		names[c.Concept] = true
	}
	var shared []string
	for _, c := range b {
		if names[c.Concept] {
			shared = append(shared, c.Concept)
		}
	}
	return shared
}
