package connections

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/toph420/rhizome-worker/internal/persistence/databases"
	"github.com/toph420/rhizome-worker/internal/store"
)

// SemanticSimilarityEngine connects chunks whose embeddings are close by
// cosine similarity, querying the configured vector backend per chunk.
type SemanticSimilarityEngine struct {
	Vector    databases.VectorStore
	TopK      int
	Threshold float64
}

func (e SemanticSimilarityEngine) Name() store.ConnectionEngine { return store.EngineSemanticSimilarity }

func (e SemanticSimilarityEngine) Detect(ctx context.Context, chunks []store.SemanticChunk) ([]Candidate, error) {
	topK := e.TopK
	if topK <= 0 {
		topK = 10
	}
	threshold := e.Threshold
	if threshold <= 0 {
		threshold = 0.75
	}

	byID := make(map[string]store.SemanticChunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID.String()] = c
	}

	var out []Candidate
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		results, err := e.Vector.SimilaritySearch(ctx, c.Embedding, topK+1, nil)
		if err != nil {
			return nil, fmt.Errorf("semantic_similarity: search chunk %s: %w", c.ID, err)
		}
		for _, r := range results {
			if r.ID == c.ID.String() {
				continue // a chunk is never connected to itself
			}
			if _, ok := byID[r.ID]; !ok {
				continue // neighbor outside the chunk set fetched for this run; this engine only connects chunks it was given
			}
			if r.Score < threshold {
				continue
			}
			targetID, err := uuid.Parse(r.ID)
			if err != nil {
				continue
			}
			out = append(out, Candidate{
				SourceChunkID: c.ID,
				TargetChunkID: targetID,
				Engine:        store.EngineSemanticSimilarity,
				Strength:      r.Score,
				Type:          "similar",
				Evidence:      fmt.Sprintf("cosine similarity %.3f", r.Score),
			})
		}
	}
	return out, nil
}
