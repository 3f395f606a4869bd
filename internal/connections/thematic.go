package connections

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/toph420/rhizome-worker/internal/store"
)

// BridgeComparator asks an LLM whether two passages share a deeper
// thematic bridge despite coming from different subject domains.
// Implemented by internal/enrich.Client.
type BridgeComparator interface {
	CompareBridge(ctx context.Context, a, b string) (bridged bool, strength float64, explanation string, err error)
}

// ThematicBridgeEngine compares the top-K most important chunks pairwise,
// but only across differing domains — same-domain pairs are already well
// covered by semantic similarity, so this engine exists specifically to
// surface cross-domain bridges an embedding space misses.
type ThematicBridgeEngine struct {
	Comparator BridgeComparator
	TopK       int
	// Concurrency bounds how many CompareBridge calls run at once, since
	// each is a full LLM round trip. Defaults to 3.
	Concurrency int
}

func (e ThematicBridgeEngine) Name() store.ConnectionEngine { return store.EngineThematicBridge }

func (e ThematicBridgeEngine) Detect(ctx context.Context, chunks []store.SemanticChunk) ([]Candidate, error) {
	topK := e.TopK
	if topK <= 0 {
		topK = 20
	}
	candidates := topImportance(chunks, topK)

	type pair struct{ a, b store.SemanticChunk }
	var pairs []pair
	for i := 0; i < len(candidates); i++ {
		a := candidates[i]
		if a.DomainMetadata == nil {
			continue
		}
		for j := i + 1; j < len(candidates); j++ {
			b := candidates[j]
			if b.DomainMetadata == nil {
				continue
			}
			if a.DomainMetadata.PrimaryDomain == b.DomainMetadata.PrimaryDomain {
				continue // cross-domain only
			}
			pairs = append(pairs, pair{a, b})
		}
	}

	concurrency := int64(e.Concurrency)
	if concurrency <= 0 {
		concurrency = 3
	}
	sem := semaphore.NewWeighted(concurrency)

	var mu sync.Mutex
	var out []Candidate
	var wg sync.WaitGroup
	for _, p := range pairs {
		if err := sem.Acquire(ctx, 1); err != nil {
			break // context cancelled
		}
		wg.Add(1)
		go func(p pair) {
			defer wg.Done()
			defer sem.Release(1)
			bridged, strength, explanation, err := e.Comparator.CompareBridge(ctx, p.a.Content, p.b.Content)
			if err != nil || !bridged {
				return
			}
			mu.Lock()
			out = append(out, Candidate{
				SourceChunkID: p.a.ID,
				TargetChunkID: p.b.ID,
				Engine:        store.EngineThematicBridge,
				Strength:      strength,
				Type:          "thematic_bridge",
				Evidence:      explanation,
			})
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return out, nil
}

func topImportance(chunks []store.SemanticChunk, k int) []store.SemanticChunk {
	sorted := make([]store.SemanticChunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ImportanceScore > sorted[j].ImportanceScore
	})
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}
