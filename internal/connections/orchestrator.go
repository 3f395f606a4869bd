package connections

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/toph420/rhizome-worker/internal/store"
)

// Persister is the subset of store.Postgres the orchestrator needs to
// upsert merged connections.
type Persister interface {
	UpsertConnection(ctx context.Context, c *store.Connection) error
}

// Orchestrator runs every configured engine serially — never concurrently,
// so progress callbacks for one engine never interleave with another's —
// then merges candidates that share a (source, target, type) key by
// weighted sum before persisting.
type Orchestrator struct {
	Engines []Engine
	Weights map[store.ConnectionEngine]float64
	// Filter, when set, keeps only candidates for which it returns true.
	// reprocess_connections(mode=add_new) uses it to drop any candidate
	// that doesn't cross from the source document into a strictly newer one.
	Filter func(source, target store.SemanticChunk) bool
}

// NewOrchestrator builds an Orchestrator with the spec's default weights.
func NewOrchestrator(engines ...Engine) *Orchestrator {
	return &Orchestrator{
		Engines: engines,
		Weights: map[store.ConnectionEngine]float64{
			store.EngineSemanticSimilarity:  WeightSemanticSimilarity,
			store.EngineContradictionDetect: WeightContradictionDetect,
			store.EngineThematicBridge:      WeightThematicBridge,
		},
	}
}

// Run executes every engine in order, merges overlapping candidates, and
// persists the result via the given Persister.
func (o *Orchestrator) Run(ctx context.Context, chunks []store.SemanticChunk, persist Persister, progress ProgressFunc) ([]store.Connection, error) {
	byID := make(map[uuid.UUID]store.SemanticChunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	merged := map[mergeKey]*store.Connection{}

	completed := 0
	for _, engine := range o.Engines {
		candidates, err := engine.Detect(ctx, chunks)
		if err != nil {
			return nil, fmt.Errorf("engine %s: %w", engine.Name(), err)
		}
		weight := o.Weights[engine.Name()]
		for _, c := range candidates {
			if o.Filter != nil {
				src, sok := byID[c.SourceChunkID]
				tgt, tok := byID[c.TargetChunkID]
				if !sok || !tok || !o.Filter(src, tgt) {
					continue
				}
			}
			key := mergeKey{source: c.SourceChunkID, target: c.TargetChunkID, connType: c.Type}
			weighted := c.Strength * weight
			if existing, ok := merged[key]; ok {
				existing.Strength += weighted
				existing.Evidence = existing.Evidence + "; " + c.Evidence
			} else {
				merged[key] = &store.Connection{
					SourceChunkID: c.SourceChunkID,
					TargetChunkID: c.TargetChunkID,
					Engine:        c.Engine,
					Strength:      weighted,
					Type:          c.Type,
					Evidence:      c.Evidence,
				}
			}
		}
		completed++
		if progress != nil {
			progress(engine.Name(), completed, len(o.Engines))
		}
	}

	out := make([]store.Connection, 0, len(merged))
	for _, c := range merged {
		if c.Strength > 1 {
			c.Strength = 1
		}
		if persist != nil {
			if err := persist.UpsertConnection(ctx, c); err != nil {
				return nil, fmt.Errorf("persist connection: %w", err)
			}
		}
		out = append(out, *c)
	}
	return out, nil
}

type mergeKey struct {
	source, target uuid.UUID
	connType       string
}
