package embedder

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeterministicEmbedder_StableAndNormalized(t *testing.T) {
	e := NewDeterministic(128, true, 42)
	require.Equal(t, 128, e.Dimension())

	vecs, err := e.EmbedBatch(context.Background(), []string{"the rhizome spreads underground"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	require.Len(t, vecs[0], 128)

	var sum float64
	for _, x := range vecs[0] {
		sum += float64(x) * float64(x)
	}
	require.InDelta(t, 1.0, math.Sqrt(sum), 1e-4)

	vecs2, err := e.EmbedBatch(context.Background(), []string{"the rhizome spreads underground"})
	require.NoError(t, err)
	require.Equal(t, vecs[0], vecs2[0])
}

func TestDeterministicEmbedder_DifferentTextsDiffer(t *testing.T) {
	e := NewDeterministic(64, true, 0)
	vecs, err := e.EmbedBatch(context.Background(), []string{"alpha document", "beta document"})
	require.NoError(t, err)
	require.NotEqual(t, vecs[0], vecs[1])
}

func TestDeterministicEmbedder_EmptyStringIsZeroVector(t *testing.T) {
	e := NewDeterministic(32, true, 7)
	vecs, err := e.EmbedBatch(context.Background(), []string{""})
	require.NoError(t, err)
	for _, x := range vecs[0] {
		require.Equal(t, float32(0), x)
	}
}

func TestDeterministicEmbedder_PingAlwaysSucceeds(t *testing.T) {
	e := NewDeterministic(16, false, 1)
	require.NoError(t, e.Ping(context.Background()))
}
