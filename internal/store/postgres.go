package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a lookup by ID finds no row.
var ErrNotFound = errors.New("store: not found")

// Postgres is the pgx-backed repository for documents, chunks,
// connections, and the background job queue. It bootstraps its own
// schema on construction, matching the teacher's manual-SQL approach for
// its vector store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an already-open pool and ensures the schema exists.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	p := &Postgres{pool: pool}
	if err := p.bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return p, nil
}

func (p *Postgres) bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			source_type TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			storage_path TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id)`,
		`CREATE TABLE IF NOT EXISTS semantic_chunks (
			id UUID PRIMARY KEY,
			document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			chunk_index INT NOT NULL,
			content TEXT NOT NULL,
			start_offset INT NOT NULL DEFAULT 0,
			end_offset INT NOT NULL DEFAULT 0,
			word_count INT NOT NULL DEFAULT 0,
			chunker_type TEXT NOT NULL DEFAULT '',
			token_count INT NOT NULL DEFAULT 0,
			page_start INT NOT NULL DEFAULT 0,
			page_end INT NOT NULL DEFAULT 0,
			heading_path JSONB NOT NULL DEFAULT '[]',
			heading_level INT NOT NULL DEFAULT 0,
			section_marker TEXT NOT NULL DEFAULT '',
			bboxes JSONB NOT NULL DEFAULT '[]',
			position_confidence TEXT NOT NULL DEFAULT '',
			position_method TEXT NOT NULL DEFAULT '',
			position_validated BOOLEAN NOT NULL DEFAULT false,
			themes JSONB NOT NULL DEFAULT '[]',
			importance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			summary TEXT NOT NULL DEFAULT '',
			emotional_metadata JSONB,
			conceptual_metadata JSONB,
			domain_metadata JSONB,
			metadata_extracted_at TIMESTAMPTZ,
			metadata_overlap_count INT NOT NULL DEFAULT 0,
			metadata_confidence TEXT NOT NULL DEFAULT '',
			metadata_interpolated BOOLEAN NOT NULL DEFAULT false,
			enrichments_detected BOOLEAN NOT NULL DEFAULT false,
			enrichment_skipped_reason TEXT NOT NULL DEFAULT '',
			connections_detected BOOLEAN NOT NULL DEFAULT false,
			UNIQUE(document_id, chunk_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_semantic_chunks_document ON semantic_chunks(document_id)`,
		`CREATE TABLE IF NOT EXISTS connections (
			id UUID PRIMARY KEY,
			source_chunk_id UUID NOT NULL REFERENCES semantic_chunks(id) ON DELETE CASCADE,
			target_chunk_id UUID NOT NULL REFERENCES semantic_chunks(id) ON DELETE CASCADE,
			engine TEXT NOT NULL,
			strength DOUBLE PRECISION NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			evidence TEXT NOT NULL DEFAULT '',
			user_validated BOOLEAN NOT NULL DEFAULT false,
			discovered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(source_chunk_id, target_chunk_id, type)
		)`,
		`CREATE TABLE IF NOT EXISTS background_jobs (
			id UUID PRIMARY KEY,
			job_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			document_id UUID,
			user_id TEXT NOT NULL DEFAULT '',
			input_data JSONB NOT NULL DEFAULT '{}',
			output_data JSONB,
			progress JSONB NOT NULL DEFAULT '{"percent":0,"stage":""}',
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 5,
			next_retry_at TIMESTAMPTZ,
			error_message TEXT NOT NULL DEFAULT '',
			paused_at TIMESTAMPTZ,
			resumed_at TIMESTAMPTZ,
			resume_count INT NOT NULL DEFAULT 0,
			last_checkpoint_path TEXT NOT NULL DEFAULT '',
			last_checkpoint_stage TEXT NOT NULL DEFAULT '',
			checkpoint_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON background_jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_retry ON background_jobs(status, next_retry_at)`,
		`CREATE TABLE IF NOT EXISTS annotations (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			chunk_id UUID NOT NULL,
			start_offset INT NOT NULL,
			end_offset INT NOT NULL,
			original_text TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'highlight',
			content JSONB NOT NULL DEFAULT '{}',
			sync_method TEXT NOT NULL DEFAULT '',
			sync_confidence DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
	}
	for _, s := range stmts {
		if _, err := p.pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("exec %q: %w", s, err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() { p.pool.Close() }

// CreateDocument inserts a new document row.
func (p *Postgres) CreateDocument(ctx context.Context, d *Document) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	_, err := p.pool.Exec(ctx, `
		INSERT INTO documents (id, user_id, source_type, title, storage_path, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		d.ID, d.UserID, d.SourceType, d.Title, d.StoragePath, d.Status, d.CreatedAt, d.UpdatedAt)
	return err
}

// UpdateDocumentStatus transitions a document's status.
func (p *Postgres) UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status DocumentStatus) error {
	ct, err := p.pool.Exec(ctx, `UPDATE documents SET status=$1, updated_at=now() WHERE id=$2`, status, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDocument fetches a document by ID.
func (p *Postgres) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, user_id, source_type, title, storage_path, status, created_at, updated_at
		FROM documents WHERE id=$1`, id)
	var d Document
	if err := row.Scan(&d.ID, &d.UserID, &d.SourceType, &d.Title, &d.StoragePath, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// UpsertSemanticChunks replaces all chunks for a document in a single transaction,
// matching the pipeline's rewrite-on-rechunk semantics (stage 5 recomputes
// offsets for the whole document).
func (p *Postgres) UpsertSemanticChunks(ctx context.Context, documentID uuid.UUID, chunks []SemanticChunk) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM semantic_chunks WHERE document_id=$1`, documentID); err != nil {
		return err
	}
	for i := range chunks {
		c := &chunks[i]
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		c.DocumentID = documentID
		headingPath, _ := json.Marshal(c.HeadingPath)
		bboxes, _ := json.Marshal(c.BBoxes)
		themes, _ := json.Marshal(c.Themes)
		var emo, con, dom []byte
		if c.EmotionalMetadata != nil {
			emo, _ = json.Marshal(c.EmotionalMetadata)
		}
		if c.ConceptualMetadata != nil {
			con, _ = json.Marshal(c.ConceptualMetadata)
		}
		if c.DomainMetadata != nil {
			dom, _ = json.Marshal(c.DomainMetadata)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO semantic_chunks (
				id, document_id, chunk_index, content, start_offset, end_offset, word_count,
				chunker_type, token_count, page_start, page_end, heading_path, heading_level,
				section_marker, bboxes, position_confidence, position_method, position_validated,
				themes, importance_score, summary, emotional_metadata, conceptual_metadata,
				domain_metadata, metadata_extracted_at, metadata_overlap_count, metadata_confidence,
				metadata_interpolated, enrichments_detected, enrichment_skipped_reason, connections_detected
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31)`,
			c.ID, c.DocumentID, c.ChunkIndex, c.Content, c.StartOffset, c.EndOffset, c.WordCount,
			c.ChunkerType, c.TokenCount, c.PageStart, c.PageEnd, headingPath, c.HeadingLevel,
			c.SectionMarker, bboxes, string(c.PositionConfidence), c.PositionMethod, c.PositionValidated,
			themes, c.ImportanceScore, c.Summary, nullableJSON(emo), nullableJSON(con),
			nullableJSON(dom), c.MetadataExtractedAt, c.MetadataOverlapCount, string(c.MetadataConfidence),
			c.MetadataInterpolated, c.EnrichmentsDetected, c.EnrichmentSkippedReason, c.ConnectionsDetected)
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.ChunkIndex, err)
		}
	}
	return tx.Commit(ctx)
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// ListSemanticChunks returns all chunks for a document ordered by index.
func (p *Postgres) ListSemanticChunks(ctx context.Context, documentID uuid.UUID) ([]SemanticChunk, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, document_id, chunk_index, content, start_offset, end_offset, word_count,
			chunker_type, token_count, page_start, page_end, heading_path, heading_level,
			section_marker, bboxes, position_confidence, position_method, position_validated,
			themes, importance_score, summary, metadata_overlap_count, metadata_confidence,
			metadata_interpolated, enrichments_detected, enrichment_skipped_reason, connections_detected
		FROM semantic_chunks WHERE document_id=$1 ORDER BY chunk_index ASC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SemanticChunk
	for rows.Next() {
		var c SemanticChunk
		var headingPath, bboxes, themes []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &c.StartOffset, &c.EndOffset, &c.WordCount,
			&c.ChunkerType, &c.TokenCount, &c.PageStart, &c.PageEnd, &headingPath, &c.HeadingLevel,
			&c.SectionMarker, &bboxes, &c.PositionConfidence, &c.PositionMethod, &c.PositionValidated,
			&themes, &c.ImportanceScore, &c.Summary, &c.MetadataOverlapCount, &c.MetadataConfidence,
			&c.MetadataInterpolated, &c.EnrichmentsDetected, &c.EnrichmentSkippedReason, &c.ConnectionsDetected,
		); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(headingPath, &c.HeadingPath)
		_ = json.Unmarshal(bboxes, &c.BBoxes)
		_ = json.Unmarshal(themes, &c.Themes)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListDocumentIDsForUser returns every completed document belonging to a
// user, the corpus a detect_connections job scans when the job names
// neither explicit target documents nor a document of its own.
func (p *Postgres) ListDocumentIDsForUser(ctx context.Context, userID string) ([]uuid.UUID, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM documents WHERE user_id=$1 AND status=$2`, userID, DocumentCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListSemanticChunksForDocuments returns every chunk belonging to any of the
// given documents, ordered by document then chunk index, the set a
// multi-document detect_connections or reprocess_connections job scans.
func (p *Postgres) ListSemanticChunksForDocuments(ctx context.Context, documentIDs []uuid.UUID) ([]SemanticChunk, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, document_id, chunk_index, content, start_offset, end_offset, word_count,
			chunker_type, token_count, page_start, page_end, heading_path, heading_level,
			section_marker, bboxes, position_confidence, position_method, position_validated,
			themes, importance_score, summary, metadata_overlap_count, metadata_confidence,
			metadata_interpolated, enrichments_detected, enrichment_skipped_reason, connections_detected
		FROM semantic_chunks WHERE document_id = ANY($1) ORDER BY document_id, chunk_index ASC`, documentIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SemanticChunk
	for rows.Next() {
		var c SemanticChunk
		var headingPath, bboxes, themes []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &c.StartOffset, &c.EndOffset, &c.WordCount,
			&c.ChunkerType, &c.TokenCount, &c.PageStart, &c.PageEnd, &headingPath, &c.HeadingLevel,
			&c.SectionMarker, &bboxes, &c.PositionConfidence, &c.PositionMethod, &c.PositionValidated,
			&themes, &c.ImportanceScore, &c.Summary, &c.MetadataOverlapCount, &c.MetadataConfidence,
			&c.MetadataInterpolated, &c.EnrichmentsDetected, &c.EnrichmentSkippedReason, &c.ConnectionsDetected,
		); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(headingPath, &c.HeadingPath)
		_ = json.Unmarshal(bboxes, &c.BBoxes)
		_ = json.Unmarshal(themes, &c.Themes)
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertConnection inserts or merges a connection, keyed on
// (source_chunk_id, target_chunk_id, type) per the orchestrator's merge rule.
func (p *Postgres) UpsertConnection(ctx context.Context, c *Connection) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.DiscoveredAt.IsZero() {
		c.DiscoveredAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO connections (id, source_chunk_id, target_chunk_id, engine, strength, type, evidence, user_validated, discovered_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (source_chunk_id, target_chunk_id, type) DO UPDATE
		SET strength=EXCLUDED.strength, engine=EXCLUDED.engine, evidence=EXCLUDED.evidence`,
		c.ID, c.SourceChunkID, c.TargetChunkID, c.Engine, c.Strength, c.Type, c.Evidence, c.UserValidated, c.DiscoveredAt)
	return err
}

// ListConnectionsForChunks returns every connection touching any of the given chunk IDs.
func (p *Postgres) ListConnectionsForChunks(ctx context.Context, chunkIDs []uuid.UUID) ([]Connection, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, source_chunk_id, target_chunk_id, engine, strength, type, evidence, user_validated, discovered_at
		FROM connections WHERE source_chunk_id = ANY($1) OR target_chunk_id = ANY($1)`, chunkIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Connection
	for rows.Next() {
		var c Connection
		if err := rows.Scan(&c.ID, &c.SourceChunkID, &c.TargetChunkID, &c.Engine, &c.Strength, &c.Type, &c.Evidence, &c.UserValidated, &c.DiscoveredAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConnectionsForChunks removes every connection touching any of the
// given chunk IDs, the "replace" half of reprocess_connections(mode=all|smart):
// stale rows a re-run no longer produces must not linger. When
// preserveValidated is true, rows with user_validated=true are left in place.
func (p *Postgres) DeleteConnectionsForChunks(ctx context.Context, chunkIDs []uuid.UUID, preserveValidated bool) error {
	query := `DELETE FROM connections WHERE (source_chunk_id = ANY($1) OR target_chunk_id = ANY($1))`
	if preserveValidated {
		query += ` AND user_validated = false`
	}
	_, err := p.pool.Exec(ctx, query, chunkIDs)
	return err
}

// ListAnnotationsForDocument returns every annotation attached to a document,
// the set an export/import round-trip must carry and reattach.
func (p *Postgres) ListAnnotationsForDocument(ctx context.Context, documentID uuid.UUID) ([]Annotation, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, document_id, chunk_id, start_offset, end_offset, original_text, type, content, sync_method, sync_confidence
		FROM annotations WHERE document_id=$1`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Annotation
	for rows.Next() {
		var a Annotation
		var content []byte
		if err := rows.Scan(&a.ID, &a.UserID, &a.DocumentID, &a.ChunkID, &a.StartOffset, &a.EndOffset, &a.OriginalText, &a.Type, &content, &a.SyncMethod, &a.SyncConfidence); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(content, &a.Content)
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertAnnotation inserts an annotation, or updates its chunk anchor and
// sync metadata if one with the same ID already exists — the write path for
// both vault restore and post-import annotation recovery.
func (p *Postgres) UpsertAnnotation(ctx context.Context, a *Annotation) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	content, err := json.Marshal(a.Content)
	if err != nil {
		return fmt.Errorf("marshal annotation content: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO annotations (id, user_id, document_id, chunk_id, start_offset, end_offset, original_text, type, content, sync_method, sync_confidence)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE
		SET chunk_id=EXCLUDED.chunk_id, start_offset=EXCLUDED.start_offset, end_offset=EXCLUDED.end_offset,
			sync_method=EXCLUDED.sync_method, sync_confidence=EXCLUDED.sync_confidence`,
		a.ID, a.UserID, a.DocumentID, a.ChunkID, a.StartOffset, a.EndOffset, a.OriginalText, a.Type, content, a.SyncMethod, a.SyncConfidence)
	return err
}
