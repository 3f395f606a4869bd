package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/toph420/rhizome-worker/internal/checkpoint"
	"github.com/toph420/rhizome-worker/internal/store"
)

// extractionEnvelope is the checkpointed payload for the extraction stage:
// enough to resume straight into cleanup without re-extracting the source.
type extractionEnvelope struct {
	Markdown string                 `json:"markdown"`
	Chunks   []store.ExtractorChunk `json:"chunks"`
}

// cleanupEnvelope is the checkpointed payload for the cleanup stage.
type cleanupEnvelope struct {
	Markdown string `json:"markdown"`
}

// chunkingEnvelope is the checkpointed payload for the chunking stage: the
// freshly produced semantic chunks (IDs, offsets, content) so a resume
// into embedding reuses the exact same chunk identities rather than
// re-chunking and minting new ones.
type chunkingEnvelope struct {
	Chunks []store.SemanticChunk `json:"chunks"`
}

// embeddingEnvelope is the checkpointed payload for the embedding stage:
// the fully matched, metadata-transferred, enriched, and embedded chunks,
// so a resume into completion goes straight to persistence.
type embeddingEnvelope struct {
	Chunks []store.SemanticChunk `json:"chunks"`
}

// completionEnvelope is the terminal checkpoint written once a document
// finishes processing successfully.
type completionEnvelope struct {
	ChunkCount int `json:"chunkCount"`
}

// decodeEnvelope unmarshals a checkpoint envelope's Data field into dst.
func decodeEnvelope(env *checkpoint.Envelope, dst any) error {
	if env == nil {
		return fmt.Errorf("pipeline: nil checkpoint envelope")
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("pipeline: decode checkpoint envelope: %w", err)
	}
	return nil
}
