// Package databases holds the pluggable vector-store backends used by the
// semantic-similarity connection engine. Full-text search and graph
// backends from the upstream template are not needed by this worker and
// were dropped; see DESIGN.md.
package databases

import "context"

// VectorResult represents a single nearest neighbor lookup result.
type VectorResult struct {
	ID       string  // semantic chunk UUID
	Score    float64 // higher is closer by default
	Metadata map[string]string
}

// VectorStore defines the minimum interface for a pluggable vector store
// holding one embedding per semantic chunk.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	// DeleteByDocument removes every vector tagged with the given document_id
	// metadata value. A full re-chunk replaces a document's semantic_chunks
	// rows wholesale and mints fresh chunk UUIDs (store.Postgres.
	// UpsertSemanticChunks deletes-then-inserts), so the old chunk IDs are
	// gone by the time persistence runs and can no longer be Delete()d one
	// by one — this is what reclaims their orphaned vectors instead.
	DeleteByDocument(ctx context.Context, documentID string) error
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error)
}

// Manager holds concrete database backends resolved from configuration.
type Manager struct {
	Vector VectorStore
}

// Close attempts to close any underlying pools. It's a no-op for memory backends.
func (m Manager) Close() {
	if c, ok := any(m.Vector).(interface{ Close() }); ok {
		c.Close()
	} else if c, ok := any(m.Vector).(interface{ Close() error }); ok {
		_ = c.Close()
	}
}
