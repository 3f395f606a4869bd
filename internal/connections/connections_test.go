package connections

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/toph420/rhizome-worker/internal/store"
)

func TestContradictionDetectionEngine_FlagsOpposingPolarity(t *testing.T) {
	a := store.SemanticChunk{
		ID:                uuid.New(),
		ConceptualMetadata: &store.ConceptualMetadata{Concepts: []store.ConceptScore{{Concept: "freedom", Importance: 0.8}}},
		EmotionalMetadata:  &store.EmotionalMetadata{Polarity: 0.8},
	}
	b := store.SemanticChunk{
		ID:                uuid.New(),
		ConceptualMetadata: &store.ConceptualMetadata{Concepts: []store.ConceptScore{{Concept: "freedom", Importance: 0.6}}},
		EmotionalMetadata:  &store.EmotionalMetadata{Polarity: -0.7},
	}
	engine := ContradictionDetectionEngine{}
	out, err := engine.Detect(context.Background(), []store.SemanticChunk{a, b})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, store.EngineContradictionDetect, out[0].Engine)
	require.Equal(t, "contradicts", out[0].Type)
}

func TestContradictionDetectionEngine_SkipsWithoutSharedConcepts(t *testing.T) {
	a := store.SemanticChunk{
		ID:                uuid.New(),
		ConceptualMetadata: &store.ConceptualMetadata{Concepts: []store.ConceptScore{{Concept: "freedom"}}},
		EmotionalMetadata:  &store.EmotionalMetadata{Polarity: 0.9},
	}
	b := store.SemanticChunk{
		ID:                uuid.New(),
		ConceptualMetadata: &store.ConceptualMetadata{Concepts: []store.ConceptScore{{Concept: "economics"}}},
		EmotionalMetadata:  &store.EmotionalMetadata{Polarity: -0.9},
	}
	engine := ContradictionDetectionEngine{}
	out, err := engine.Detect(context.Background(), []store.SemanticChunk{a, b})
	require.NoError(t, err)
	require.Empty(t, out)
}

type fakeComparator struct {
	bridged  bool
	strength float64
}

func (f fakeComparator) CompareBridge(ctx context.Context, a, b string) (bool, float64, string, error) {
	return f.bridged, f.strength, "synthetic bridge", nil
}

func TestThematicBridgeEngine_CrossDomainOnly(t *testing.T) {
	a := store.SemanticChunk{ID: uuid.New(), Content: "a", ImportanceScore: 0.9, DomainMetadata: &store.DomainMetadata{PrimaryDomain: "biology"}}
	b := store.SemanticChunk{ID: uuid.New(), Content: "b", ImportanceScore: 0.8, DomainMetadata: &store.DomainMetadata{PrimaryDomain: "biology"}}
	c := store.SemanticChunk{ID: uuid.New(), Content: "c", ImportanceScore: 0.7, DomainMetadata: &store.DomainMetadata{PrimaryDomain: "economics"}}

	engine := ThematicBridgeEngine{Comparator: fakeComparator{bridged: true, strength: 0.6}, TopK: 10}
	out, err := engine.Detect(context.Background(), []store.SemanticChunk{a, b, c})
	require.NoError(t, err)
	for _, cand := range out {
		require.NotEqual(t, a.ID, cand.TargetChunkID) // a-b same domain should never appear
	}
	require.Len(t, out, 2) // a-c and b-c
}

type fakePersister struct {
	saved []store.Connection
}

func (f *fakePersister) UpsertConnection(ctx context.Context, c *store.Connection) error {
	f.saved = append(f.saved, *c)
	return nil
}

type stubEngine struct {
	name       store.ConnectionEngine
	candidates []Candidate
}

func (s stubEngine) Name() store.ConnectionEngine { return s.name }
func (s stubEngine) Detect(ctx context.Context, chunks []store.SemanticChunk) ([]Candidate, error) {
	return s.candidates, nil
}

func TestOrchestrator_MergesByWeightedSum(t *testing.T) {
	src, dst := uuid.New(), uuid.New()
	orch := NewOrchestrator(
		stubEngine{name: store.EngineSemanticSimilarity, candidates: []Candidate{
			{SourceChunkID: src, TargetChunkID: dst, Engine: store.EngineSemanticSimilarity, Strength: 1.0, Type: "related"},
		}},
		stubEngine{name: store.EngineContradictionDetect, candidates: []Candidate{
			{SourceChunkID: src, TargetChunkID: dst, Engine: store.EngineContradictionDetect, Strength: 1.0, Type: "related"},
		}},
	)
	persister := &fakePersister{}
	out, err := orch.Run(context.Background(), nil, persister, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.InDelta(t, WeightSemanticSimilarity+WeightContradictionDetect, out[0].Strength, 1e-9)
	require.Len(t, persister.saved, 1)
}
