// Package pipeline wires the document-processing stages — extraction,
// cleanup, bulletproof matching, semantic chunking, metadata transfer,
// AI enrichment, embedding, persistence, and connection-detection hand-off
// — into the single ordered run a process_document job executes, with
// checkpoint writes at every pause-safe stage boundary so a paused or
// crashed job resumes without redoing finished work.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/toph420/rhizome-worker/internal/checkpoint"
	"github.com/toph420/rhizome-worker/internal/cleanup"
	"github.com/toph420/rhizome-worker/internal/enrich"
	"github.com/toph420/rhizome-worker/internal/extract"
	"github.com/toph420/rhizome-worker/internal/matcher"
	"github.com/toph420/rhizome-worker/internal/objectstore"
	"github.com/toph420/rhizome-worker/internal/persistence/databases"
	"github.com/toph420/rhizome-worker/internal/port"
	"github.com/toph420/rhizome-worker/internal/rag/chunker"
	"github.com/toph420/rhizome-worker/internal/rag/embedder"
	"github.com/toph420/rhizome-worker/internal/store"
)

// stage percent ranges, per the document-processing contract: extraction
// and cleanup are pause-safe and cheap to redo; matching is never
// pause-safe since its output only makes sense computed in one pass
// against the exact chunk set it ran over.
const (
	pctExtractionStart = 0
	pctExtractionEnd   = 20
	pctCleanupEnd      = 30
	pctMatchEnd        = 40
	pctChunkEnd        = 60
	pctTransferEnd     = 65
	pctEnrichEnd       = 70
	pctEmbedEnd        = 80
	pctPersistEnd      = 90
	pctConnectEnd      = 95
	pctFinalizeEnd     = 100
)

// ProgressFunc reports a stage's percent/label to the owning job row.
type ProgressFunc func(ctx context.Context, percent int, stage, details string) error

// Documents is the narrow slice of store.Postgres the pipeline writes to.
type Documents interface {
	UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status store.DocumentStatus) error
	UpsertSemanticChunks(ctx context.Context, documentID uuid.UUID, chunks []store.SemanticChunk) error
}

// CheckpointRecorder is the subset of jobqueue.Queue the pipeline needs to
// point a job row at its most recent checkpoint envelope, so a resume can
// find it without the caller threading path/hash through by hand.
// *jobqueue.Queue's RecordCheckpoint satisfies this directly.
type CheckpointRecorder interface {
	RecordCheckpoint(ctx context.Context, jobID uuid.UUID, stage, path, hash string) error
}

// Pipeline holds every stage dependency the worker wires at startup.
type Pipeline struct {
	Objects     objectstore.ObjectStore
	Checkpoint  *checkpoint.Store
	Checkpoints CheckpointRecorder // optional; nil disables job-row checkpoint recording
	Documents   Documents
	Vector      databases.VectorStore // optional; nil skips vector-store indexing
	Chunker     chunker.Chunker
	Embedder    embedder.Embedder
	Enricher    enrich.Enricher
	AIRewriter  cleanup.AIRewriter

	ChunkOptions chunker.ChunkingOptions
	CleanupMode  cleanup.Mode
	EnrichChunks bool
}

// Input is everything a single process_document run needs beyond the
// wired dependencies.
type Input struct {
	UserID       string
	DocumentID   uuid.UUID
	JobID        uuid.UUID // background_jobs row this run belongs to; zero value skips RecordCheckpoint
	SourceType   string
	StoragePath  string // object store key of the raw source
	ResumeFrom   checkpoint.Stage
	ReviewGate   bool // when true, pause for manual review after extraction
}

// Output is the pipeline's terminal result for a successfully completed run.
type Output struct {
	Chunks      []store.SemanticChunk
	ChunkCount  int
	AwaitReview bool
}

// ErrAwaitingReview signals the run paused after extraction for manual
// review, per the optional review gate — not a failure.
var ErrAwaitingReview = fmt.Errorf("pipeline: awaiting manual review")

// Run executes the full 11-step document pipeline, or resumes it from a
// prior checkpoint when Input.ResumeFrom names a stage.
func (p *Pipeline) Run(ctx context.Context, in Input, progress ProgressFunc) (*Output, error) {
	report := func(pct int, stage, details string) error {
		if progress == nil {
			return nil
		}
		return progress(ctx, pct, stage, details)
	}
	docID := in.DocumentID.String()

	// in.ResumeFrom names the last stage whose checkpoint is known good; an
	// empty value means a fresh run starting at extraction. The fixed
	// successor table (extraction, cleanup -> chunking; chunking ->
	// embedding; embedding -> completion) decides which stages this run
	// actually needs to execute.
	resumeAt := checkpoint.StageExtraction
	if in.ResumeFrom != "" {
		next, ok := checkpoint.ResumeStageAfter(in.ResumeFrom)
		if !ok {
			return nil, fmt.Errorf("pipeline: no resume successor for stage %q", in.ResumeFrom)
		}
		resumeAt = next
	}

	var extractorChunks []store.ExtractorChunk
	var cleaned string
	var semanticChunks []store.SemanticChunk
	var err error
	// haveChunks/haveEmbeddings mark work a resume already found checkpointed,
	// so the corresponding stage below is skipped rather than re-executed.
	haveChunks, haveEmbeddings := false, false

	switch resumeAt {
	case checkpoint.StageExtraction:
		if err := report(pctExtractionStart, "extraction", "extracting source"); err != nil {
			return nil, err
		}
		markdown, chunks, err := p.extract(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("extraction: %w", err)
		}
		extractorChunks = chunks
		hash, err := p.Checkpoint.Write(ctx, in.UserID, docID, checkpoint.StageExtraction, extractionEnvelope{Markdown: markdown, Chunks: extractorChunks})
		if err != nil {
			return nil, fmt.Errorf("checkpoint extraction: %w", err)
		}
		if err := p.recordCheckpoint(ctx, in.JobID, checkpoint.StageExtraction, in.UserID, docID, hash); err != nil {
			return nil, err
		}
		if err := report(pctExtractionEnd, "extraction", "extraction complete"); err != nil {
			return nil, err
		}
		if in.ReviewGate {
			if err := p.Documents.UpdateDocumentStatus(ctx, in.DocumentID, store.DocumentAwaitingManualReview); err != nil {
				return nil, err
			}
			return &Output{AwaitReview: true}, ErrAwaitingReview
		}

		out, err := cleanup.Clean(ctx, p.CleanupMode, markdown, p.AIRewriter)
		if err != nil {
			return nil, fmt.Errorf("cleanup: %w", err)
		}
		cleaned = out
		cleanupHash, err := p.Checkpoint.Write(ctx, in.UserID, docID, checkpoint.StageCleanup, cleanupEnvelope{Markdown: cleaned})
		if err != nil {
			return nil, fmt.Errorf("checkpoint cleanup: %w", err)
		}
		if err := p.recordCheckpoint(ctx, in.JobID, checkpoint.StageCleanup, in.UserID, docID, cleanupHash); err != nil {
			return nil, err
		}
		if err := report(pctCleanupEnd, "cleanup", "cleanup complete"); err != nil {
			return nil, err
		}

	case checkpoint.StageChunking:
		// Resuming after either extraction or cleanup lands here.
		cleaned, extractorChunks, err = p.loadCleanedText(ctx, in.UserID, docID)
		if err != nil {
			return nil, err
		}

	case checkpoint.StageEmbedding:
		// Resuming after chunking: the chunking checkpoint carries the
		// already-assigned chunk IDs/offsets, so re-chunking (which would
		// mint new IDs) must be skipped entirely. Matching and metadata
		// transfer still need the cleaned markdown they ran over.
		env, err := p.Checkpoint.Read(ctx, in.UserID, docID, checkpoint.StageChunking)
		if err != nil {
			return nil, fmt.Errorf("resume: read chunking checkpoint: %w", err)
		}
		var saved chunkingEnvelope
		if err := decodeEnvelope(env, &saved); err != nil {
			return nil, err
		}
		semanticChunks = saved.Chunks
		haveChunks = true
		cleaned, extractorChunks, err = p.loadCleanedText(ctx, in.UserID, docID)
		if err != nil {
			return nil, err
		}
		if err := report(pctChunkEnd, "chunking", fmt.Sprintf("%d chunks (resumed)", len(semanticChunks))); err != nil {
			return nil, err
		}

	case checkpoint.StageCompletion:
		// Resuming after embedding: every stage through embedding is done
		// and checkpointed; only persistence and finalize remain.
		env, err := p.Checkpoint.Read(ctx, in.UserID, docID, checkpoint.StageEmbedding)
		if err != nil {
			return nil, fmt.Errorf("resume: read embedding checkpoint: %w", err)
		}
		var saved embeddingEnvelope
		if err := decodeEnvelope(env, &saved); err != nil {
			return nil, err
		}
		semanticChunks = saved.Chunks
		haveChunks, haveEmbeddings = true, true
		if err := report(pctEmbedEnd, "embedding", fmt.Sprintf("%d chunks (resumed)", len(semanticChunks))); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("pipeline: resume stage %q not supported for process_document", resumeAt)
	}

	if !haveChunks {
		// Stage 5: semantic chunking.
		rawChunks, err := p.Chunker.Chunk(cleaned, p.ChunkOptions)
		if err != nil {
			return nil, fmt.Errorf("chunking: %w", err)
		}
		semanticChunks = make([]store.SemanticChunk, len(rawChunks))
		for i, rc := range rawChunks {
			semanticChunks[i] = store.SemanticChunk{
				ID:          uuid.New(),
				DocumentID:  in.DocumentID,
				ChunkIndex:  rc.Index,
				Content:     rc.Text,
				StartOffset: rc.StartOffset,
				EndOffset:   rc.EndOffset,
				TokenCount:  rc.TokenCount,
				ChunkerType: rc.ChunkerType,
				WordCount:   wordCount(rc.Text),
			}
		}
		chunkingHash, err := p.Checkpoint.Write(ctx, in.UserID, docID, checkpoint.StageChunking, chunkingEnvelope{Chunks: semanticChunks})
		if err != nil {
			return nil, fmt.Errorf("checkpoint chunking: %w", err)
		}
		if err := p.recordCheckpoint(ctx, in.JobID, checkpoint.StageChunking, in.UserID, docID, chunkingHash); err != nil {
			return nil, err
		}
		if err := report(pctChunkEnd, "chunking", fmt.Sprintf("%d chunks", len(semanticChunks))); err != nil {
			return nil, err
		}
	}

	if !haveEmbeddings {
		// Stage 4 (bulletproof matching) runs over the chunk set in hand —
		// it is never pause-safe, since its output is only meaningful
		// against the exact chunks it measured.
		matcher.MatchChunks(semanticChunks, cleaned)
		extractorOffsets := computeExtractorOffsets(extractorChunks)
		matcher.TransferMetadata(semanticChunks, extractorChunks, extractorOffsets)
		if err := report(pctTransferEnd, "metadata_transfer", "structural metadata transferred"); err != nil {
			return nil, err
		}

		if p.EnrichChunks && p.Enricher != nil {
			for i := range semanticChunks {
				enrich.ApplyWithFallback(ctx, p.Enricher, &semanticChunks[i])
			}
		} else {
			for i := range semanticChunks {
				semanticChunks[i].EnrichmentSkippedReason = enrich.SkippedUserChoice
			}
		}
		if err := report(pctEnrichEnd, "enrichment", "metadata enrichment complete"); err != nil {
			return nil, err
		}

		if p.Embedder != nil {
			texts := make([]string, len(semanticChunks))
			for i, c := range semanticChunks {
				texts[i] = c.Content
			}
			vectors, err := p.Embedder.EmbedBatch(ctx, texts)
			if err != nil {
				return nil, fmt.Errorf("embedding: %w", err)
			}
			for i := range semanticChunks {
				if i < len(vectors) {
					semanticChunks[i].Embedding = vectors[i]
				}
			}
		}
		embeddingHash, err := p.Checkpoint.Write(ctx, in.UserID, docID, checkpoint.StageEmbedding, embeddingEnvelope{Chunks: semanticChunks})
		if err != nil {
			return nil, fmt.Errorf("checkpoint embedding: %w", err)
		}
		if err := p.recordCheckpoint(ctx, in.JobID, checkpoint.StageEmbedding, in.UserID, docID, embeddingHash); err != nil {
			return nil, err
		}
		if err := report(pctEmbedEnd, "embedding", "embeddings generated"); err != nil {
			return nil, err
		}
	}

	if err := p.Documents.UpsertSemanticChunks(ctx, in.DocumentID, semanticChunks); err != nil {
		return nil, fmt.Errorf("persistence: %w", err)
	}
	if err := p.indexVectors(ctx, in, semanticChunks); err != nil {
		return nil, fmt.Errorf("persistence: index vectors: %w", err)
	}
	artifactMeta := port.DocumentArtifactMeta{CreatedAt: time.Now().UTC(), ProcessingMode: in.SourceType}
	if err := port.WriteDocumentArtifacts(ctx, p.Objects, in.UserID, docID, artifactMeta, semanticChunks); err != nil {
		return nil, fmt.Errorf("persistence: write storage artifacts: %w", err)
	}
	if err := report(pctPersistEnd, "persistence", fmt.Sprintf("%d chunks persisted", len(semanticChunks))); err != nil {
		return nil, err
	}

	// Connection detection is handed off rather than run inline: the
	// worker enqueues a detect_connections job once persistence succeeds,
	// since it needs the full corpus (not just this document) to compare
	// against and can run on its own schedule.
	if err := report(pctConnectEnd, "connection_handoff", "queued for connection detection"); err != nil {
		return nil, err
	}

	if err := p.Documents.UpdateDocumentStatus(ctx, in.DocumentID, store.DocumentCompleted); err != nil {
		return nil, err
	}
	completionHash, err := p.Checkpoint.Write(ctx, in.UserID, docID, checkpoint.StageCompletion, completionEnvelope{ChunkCount: len(semanticChunks)})
	if err != nil {
		return nil, fmt.Errorf("checkpoint completion: %w", err)
	}
	if err := p.recordCheckpoint(ctx, in.JobID, checkpoint.StageCompletion, in.UserID, docID, completionHash); err != nil {
		return nil, err
	}
	if err := report(pctFinalizeEnd, "finalize", "document processing complete"); err != nil {
		return nil, err
	}

	return &Output{Chunks: semanticChunks, ChunkCount: len(semanticChunks)}, nil
}

// recordCheckpoint points the job row at the checkpoint envelope just
// written, so a resume (handlers.go, via job.LastCheckpointStage) can find
// it without re-deriving the storage key. A no-op when Checkpoints is nil
// (RecordCheckpoint wiring is optional) or jobID is the zero value (no
// owning job row, e.g. a pipeline run outside the job queue).
func (p *Pipeline) recordCheckpoint(ctx context.Context, jobID uuid.UUID, stage checkpoint.Stage, userID, docID, hash string) error {
	if p.Checkpoints == nil || jobID == uuid.Nil {
		return nil
	}
	path := fmt.Sprintf("%s/%s/stage-%s.json", userID, docID, stage)
	if err := p.Checkpoints.RecordCheckpoint(ctx, jobID, string(stage), path, hash); err != nil {
		return fmt.Errorf("record checkpoint %s: %w", stage, err)
	}
	return nil
}

// indexVectors pushes every chunk's embedding into the configured vector
// backend for connections.SemanticSimilarityEngine to query, tagging each
// point with the document/user it belongs to. store.Postgres.
// UpsertSemanticChunks deletes a document's prior semantic_chunks row set
// before inserting the fresh one, minting new chunk UUIDs in the process —
// DeleteByDocument reclaims the now-orphaned vectors from the previous run
// before the new ones are written.
func (p *Pipeline) indexVectors(ctx context.Context, in Input, chunks []store.SemanticChunk) error {
	if p.Vector == nil {
		return nil
	}
	if err := p.Vector.DeleteByDocument(ctx, in.DocumentID.String()); err != nil {
		return fmt.Errorf("clear stale vectors: %w", err)
	}
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		metadata := map[string]string{
			"document_id": c.DocumentID.String(),
			"user_id":     in.UserID,
			"chunk_index": fmt.Sprintf("%d", c.ChunkIndex),
		}
		if err := p.Vector.Upsert(ctx, c.ID.String(), c.Embedding, metadata); err != nil {
			return fmt.Errorf("upsert vector for chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

func (p *Pipeline) extract(ctx context.Context, in Input) (string, []store.ExtractorChunk, error) {
	r, _, err := p.Objects.Get(ctx, in.StoragePath)
	if err != nil {
		return "", nil, fmt.Errorf("fetch source %s: %w", in.StoragePath, err)
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", nil, err
	}
	ext, err := extract.ForSourceType(in.SourceType)
	if err != nil {
		return "", nil, err
	}
	result, err := ext.Extract(ctx, raw, in.StoragePath)
	if err != nil {
		return "", nil, err
	}
	return result.Markdown, result.Chunks, nil
}

// loadCleanedText recovers the cleaned markdown a resume needs for matching:
// it prefers the cleanup checkpoint (fully cleaned text) and falls back to
// the extraction checkpoint's raw markdown when cleanup never ran.
func (p *Pipeline) loadCleanedText(ctx context.Context, userID, docID string) (string, []store.ExtractorChunk, error) {
	if env, err := p.Checkpoint.Read(ctx, userID, docID, checkpoint.StageCleanup); err == nil {
		var saved cleanupEnvelope
		if err := decodeEnvelope(env, &saved); err != nil {
			return "", nil, err
		}
		extractorChunks := []store.ExtractorChunk(nil)
		if eenv, err := p.Checkpoint.Read(ctx, userID, docID, checkpoint.StageExtraction); err == nil {
			var savedExt extractionEnvelope
			if err := decodeEnvelope(eenv, &savedExt); err == nil {
				extractorChunks = savedExt.Chunks
			}
		}
		return saved.Markdown, extractorChunks, nil
	}
	env, err := p.Checkpoint.Read(ctx, userID, docID, checkpoint.StageExtraction)
	if err != nil {
		return "", nil, fmt.Errorf("resume: read extraction checkpoint: %w", err)
	}
	var saved extractionEnvelope
	if err := decodeEnvelope(env, &saved); err != nil {
		return "", nil, err
	}
	return saved.Markdown, saved.Chunks, nil
}

// computeExtractorOffsets assigns each extractor chunk a contiguous span in
// the same coordinate space the matcher measures semantic chunks against,
// mirroring how the extraction stage concatenated them into markdown.
func computeExtractorOffsets(chunks []store.ExtractorChunk) []matcher.Span {
	offsets := make([]matcher.Span, len(chunks))
	pos := 0
	for i, c := range chunks {
		start := pos
		end := start + len(c.Text)
		offsets[i] = matcher.Span{Start: start, End: end}
		pos = end + 1 // account for the join separator extraction inserted between chunks
	}
	return offsets
}

func wordCount(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		isSpace := r == ' ' || r == '\n' || r == '\t' || r == '\r'
		if !isSpace && !inWord {
			n++
			inWord = true
		} else if isSpace {
			inWord = false
		}
	}
	return n
}
