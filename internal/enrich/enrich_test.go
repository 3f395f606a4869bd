package enrich

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/toph420/rhizome-worker/internal/store"
)

type fakeEnricher struct {
	result *store.SemanticChunk
	err    error
}

func (f fakeEnricher) Enrich(ctx context.Context, content string) (*store.SemanticChunk, error) {
	return f.result, f.err
}

func (f fakeEnricher) RewriteMarkdown(ctx context.Context, markdown string) (string, error) {
	return markdown, nil
}

func TestApplyWithFallback_Success(t *testing.T) {
	chunk := &store.SemanticChunk{Content: "some passage"}
	fake := fakeEnricher{result: &store.SemanticChunk{
		Themes:              []string{"memory", "identity"},
		ImportanceScore:     0.8,
		Summary:             "A passage about memory.",
		EmotionalMetadata:   &store.EmotionalMetadata{Polarity: 0.2, Primary: "nostalgic", Intensity: 0.5},
		ConceptualMetadata:  &store.ConceptualMetadata{Concepts: []store.ConceptScore{{Concept: "memory", Importance: 0.9}}},
		DomainMetadata:      &store.DomainMetadata{PrimaryDomain: "psychology"},
		EnrichmentsDetected: true,
	}}

	ApplyWithFallback(context.Background(), fake, chunk)
	require.True(t, chunk.EnrichmentsDetected)
	require.Equal(t, []string{"memory", "identity"}, chunk.Themes)
	require.Equal(t, "psychology", chunk.DomainMetadata.PrimaryDomain)
	require.Empty(t, chunk.EnrichmentSkippedReason)
}

func TestApplyWithFallback_ErrorDegradesToNeutral(t *testing.T) {
	chunk := &store.SemanticChunk{Content: "some passage"}
	fake := fakeEnricher{err: errors.New("malformed schema response")}

	ApplyWithFallback(context.Background(), fake, chunk)
	require.False(t, chunk.EnrichmentsDetected)
	require.Equal(t, "enrichment_failed", chunk.EnrichmentSkippedReason)
}

func TestClampHelpers(t *testing.T) {
	require.Equal(t, 1.0, clamp01(1.5))
	require.Equal(t, 0.0, clamp01(-0.5))
	require.Equal(t, -1.0, clampRange(-5, -1, 1))
	require.Len(t, clampThemes([]string{"a", "b", "c", "d", "e", "f"}), 5)
}
