// Package connections implements the three connection-detection engines
// — semantic similarity, contradiction detection, and thematic bridging —
// and the orchestrator that runs them and merges their output.
package connections

import (
	"context"

	"github.com/google/uuid"

	"github.com/toph420/rhizome-worker/internal/store"
)

// Engine weights used by the orchestrator's weighted-sum merge.
const (
	WeightSemanticSimilarity  = 0.25
	WeightContradictionDetect = 0.40
	WeightThematicBridge      = 0.35
)

// Candidate is a directed edge a single engine proposes, before merging.
type Candidate struct {
	SourceChunkID uuid.UUID
	TargetChunkID uuid.UUID
	Engine        store.ConnectionEngine
	Strength      float64
	Type          string
	Evidence      string
}

// Engine detects candidate connections among a document's semantic chunks.
type Engine interface {
	Name() store.ConnectionEngine
	Detect(ctx context.Context, chunks []store.SemanticChunk) ([]Candidate, error)
}

// ProgressFunc reports per-engine completion; engines run serially so
// calls never interleave across engines.
type ProgressFunc func(engine store.ConnectionEngine, done, total int)
