// Package port implements the ZIP export/import round-trip: one top-level
// folder per document holding the opaque source, chunk/metadata/manifest
// JSON, and optional connections/annotations (no markdown file is written
// into the folder), plus
// the four-tier annotation recovery cascade import runs when chunk UUIDs
// were not preserved across the round trip.
package port

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/toph420/rhizome-worker/internal/objectstore"
	"github.com/toph420/rhizome-worker/internal/store"
)

const fileFormatVersion = "1.0"

// chunksFile is the on-disk shape of chunks.json.
type chunksFile struct {
	Version    string        `json:"version"`
	DocumentID string        `json:"document_id"`
	Chunks     []chunkRecord `json:"chunks"`
}

// chunkRecord mirrors store.SemanticChunk's wire shape for export/import,
// named per the storage layout's exact field list.
type chunkRecord struct {
	ID                   string                     `json:"id"`
	ChunkIndex           int                        `json:"chunk_index"`
	Content              string                     `json:"content"`
	StartOffset          int                        `json:"start_offset"`
	EndOffset            int                        `json:"end_offset"`
	WordCount            int                        `json:"word_count"`
	ChunkerType          string                     `json:"chunker_type"`
	TokenCount           int                        `json:"token_count"`
	PageStart            int                        `json:"page_start"`
	PageEnd              int                        `json:"page_end"`
	HeadingPath          []string                   `json:"heading_path,omitempty"`
	HeadingLevel         int                        `json:"heading_level"`
	SectionMarker        string                     `json:"section_marker"`
	BBoxes               []store.BBox               `json:"bboxes,omitempty"`
	PositionConfidence   store.PositionConfidence   `json:"position_confidence"`
	PositionMethod       string                     `json:"position_method"`
	PositionValidated    bool                       `json:"position_validated"`
	Themes               []string                   `json:"themes,omitempty"`
	ImportanceScore      float64                    `json:"importance_score"`
	Summary              string                     `json:"summary,omitempty"`
	EmotionalMetadata    *store.EmotionalMetadata   `json:"emotional_metadata,omitempty"`
	ConceptualMetadata   *store.ConceptualMetadata  `json:"conceptual_metadata,omitempty"`
	DomainMetadata       *store.DomainMetadata      `json:"domain_metadata,omitempty"`
	MetadataExtractedAt  *time.Time                 `json:"metadata_extracted_at,omitempty"`
	MetadataOverlapCount int                        `json:"metadata_overlap_count"`
	MetadataConfidence   store.MetadataConfidence   `json:"metadata_confidence"`
	MetadataInterpolated bool                       `json:"metadata_interpolated"`
}

func toChunkRecord(c store.SemanticChunk) chunkRecord {
	return chunkRecord{
		ID: c.ID.String(), ChunkIndex: c.ChunkIndex, Content: c.Content,
		StartOffset: c.StartOffset, EndOffset: c.EndOffset, WordCount: c.WordCount,
		ChunkerType: c.ChunkerType, TokenCount: c.TokenCount,
		PageStart: c.PageStart, PageEnd: c.PageEnd, HeadingPath: c.HeadingPath,
		HeadingLevel: c.HeadingLevel, SectionMarker: c.SectionMarker, BBoxes: c.BBoxes,
		PositionConfidence: c.PositionConfidence, PositionMethod: c.PositionMethod,
		PositionValidated: c.PositionValidated, Themes: c.Themes, ImportanceScore: c.ImportanceScore,
		Summary: c.Summary, EmotionalMetadata: c.EmotionalMetadata, ConceptualMetadata: c.ConceptualMetadata,
		DomainMetadata: c.DomainMetadata, MetadataExtractedAt: c.MetadataExtractedAt,
		MetadataOverlapCount: c.MetadataOverlapCount, MetadataConfidence: c.MetadataConfidence,
		MetadataInterpolated: c.MetadataInterpolated,
	}
}

func (r chunkRecord) toSemanticChunk(documentID uuid.UUID) store.SemanticChunk {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		id = uuid.New()
	}
	return store.SemanticChunk{
		ID: id, DocumentID: documentID, ChunkIndex: r.ChunkIndex, Content: r.Content,
		StartOffset: r.StartOffset, EndOffset: r.EndOffset, WordCount: r.WordCount,
		ChunkerType: r.ChunkerType, TokenCount: r.TokenCount,
		PageStart: r.PageStart, PageEnd: r.PageEnd, HeadingPath: r.HeadingPath,
		HeadingLevel: r.HeadingLevel, SectionMarker: r.SectionMarker, BBoxes: r.BBoxes,
		PositionConfidence: r.PositionConfidence, PositionMethod: r.PositionMethod,
		PositionValidated: r.PositionValidated, Themes: r.Themes, ImportanceScore: r.ImportanceScore,
		Summary: r.Summary, EmotionalMetadata: r.EmotionalMetadata, ConceptualMetadata: r.ConceptualMetadata,
		DomainMetadata: r.DomainMetadata, MetadataExtractedAt: r.MetadataExtractedAt,
		MetadataOverlapCount: r.MetadataOverlapCount, MetadataConfidence: r.MetadataConfidence,
		MetadataInterpolated: r.MetadataInterpolated,
	}
}

// metadataFile is the on-disk shape of metadata.json.
type metadataFile struct {
	Version        string    `json:"version"`
	DocumentID     string    `json:"document_id"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"created_at"`
	ProcessingMode string    `json:"processing_mode"`
	MarkdownHash   string    `json:"markdown_hash"`
}

// manifestFile is the on-disk shape of a single document's manifest.json.
type manifestFile struct {
	Version        string               `json:"version"`
	Files          map[string]fileEntry `json:"files"`
	ChunkCount     int                  `json:"chunk_count"`
	WordCount      int                  `json:"word_count"`
	ProcessingTime float64              `json:"processing_time"`
}

type fileEntry struct {
	Size int64  `json:"size"`
	Type string `json:"type"` // final | stage
}

// rootManifest lists member documents of a multi-document export ZIP.
type rootManifest struct {
	Version   string   `json:"version"`
	Documents []string `json:"documents"`
}

// annotationRecord is the on-disk shape of one entry in annotations.json.
type annotationRecord struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	DocumentID     string         `json:"document_id"`
	ChunkID        string         `json:"chunk_id"`
	StartOffset    int            `json:"start_offset"`
	EndOffset      int            `json:"end_offset"`
	OriginalText   string         `json:"original_text"`
	Type           string         `json:"type"`
	Content        map[string]any `json:"content,omitempty"`
	SyncMethod     string         `json:"sync_method,omitempty"`
	SyncConfidence float64        `json:"sync_confidence,omitempty"`
}

// ExportDeps are the repository methods a document export reads from.
type ExportDeps interface {
	GetDocument(ctx context.Context, id uuid.UUID) (*store.Document, error)
	ListSemanticChunks(ctx context.Context, documentID uuid.UUID) ([]store.SemanticChunk, error)
	ListConnectionsForChunks(ctx context.Context, chunkIDs []uuid.UUID) ([]store.Connection, error)
	ListAnnotationsForDocument(ctx context.Context, documentID uuid.UUID) ([]store.Annotation, error)
}

// ExportOptions controls which optional files a document export writes.
type ExportOptions struct {
	IncludeConnections bool
	IncludeAnnotations bool
}

// ExportDocuments writes one ZIP containing a folder per document ID, plus
// a root manifest.json when exporting more than one document.
func ExportDocuments(ctx context.Context, deps ExportDeps, objects objectstore.ObjectStore, docIDs []uuid.UUID, opt ExportOptions, w io.Writer) error {
	zw := zip.NewWriter(w)
	defer zw.Close()

	names := make([]string, 0, len(docIDs))
	for _, id := range docIDs {
		if err := exportOneDocument(ctx, deps, objects, id, opt, zw); err != nil {
			return fmt.Errorf("export document %s: %w", id, err)
		}
		names = append(names, id.String())
	}

	if len(docIDs) > 1 {
		root := rootManifest{Version: fileFormatVersion, Documents: names}
		if err := writeJSON(zw, "manifest.json", root); err != nil {
			return err
		}
	}
	return nil
}

func exportOneDocument(ctx context.Context, deps ExportDeps, objects objectstore.ObjectStore, docID uuid.UUID, opt ExportOptions, zw *zip.Writer) error {
	doc, err := deps.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("get document: %w", err)
	}
	chunks, err := deps.ListSemanticChunks(ctx, docID)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}

	folder := docID.String() + "/"

	if doc.StoragePath != "" {
		if err := copySourceObject(ctx, objects, doc, folder, zw); err != nil {
			return err
		}
	}

	records := make([]chunkRecord, len(chunks))
	for i, c := range chunks {
		records[i] = toChunkRecord(c)
	}
	if err := writeJSON(zw, folder+"chunks.json", chunksFile{Version: fileFormatVersion, DocumentID: docID.String(), Chunks: records}); err != nil {
		return err
	}

	md := metadataFile{Version: fileFormatVersion, DocumentID: docID.String(), Title: doc.Title, CreatedAt: doc.CreatedAt}
	if err := writeJSON(zw, folder+"metadata.json", md); err != nil {
		return err
	}

	wordCount := 0
	for _, c := range chunks {
		wordCount += c.WordCount
	}
	manifest := manifestFile{
		Version:    fileFormatVersion,
		Files:      map[string]fileEntry{"chunks.json": {Type: "final"}, "metadata.json": {Type: "final"}},
		ChunkCount: len(chunks),
		WordCount:  wordCount,
	}
	if err := writeJSON(zw, folder+"manifest.json", manifest); err != nil {
		return err
	}

	if opt.IncludeConnections {
		ids := make([]uuid.UUID, len(chunks))
		for i, c := range chunks {
			ids[i] = c.ID
		}
		conns, err := deps.ListConnectionsForChunks(ctx, ids)
		if err != nil {
			return fmt.Errorf("list connections: %w", err)
		}
		if err := writeJSON(zw, folder+"connections.json", conns); err != nil {
			return err
		}
	}

	if opt.IncludeAnnotations {
		annotations, err := deps.ListAnnotationsForDocument(ctx, docID)
		if err != nil {
			return fmt.Errorf("list annotations: %w", err)
		}
		recs := make([]annotationRecord, len(annotations))
		for i, a := range annotations {
			recs[i] = annotationRecord{
				ID: a.ID.String(), UserID: a.UserID, DocumentID: a.DocumentID.String(), ChunkID: a.ChunkID.String(),
				StartOffset: a.StartOffset, EndOffset: a.EndOffset, OriginalText: a.OriginalText,
				Type: a.Type, Content: a.Content, SyncMethod: a.SyncMethod, SyncConfidence: a.SyncConfidence,
			}
		}
		if err := writeJSON(zw, folder+"annotations.json", recs); err != nil {
			return err
		}
	}

	return nil
}

// DocumentArtifactMeta is the document-level info WriteDocumentArtifacts
// needs beyond the chunk set itself.
type DocumentArtifactMeta struct {
	Title          string
	CreatedAt      time.Time
	ProcessingMode string
}

// WriteDocumentArtifacts persists chunks.json, metadata.json, and
// manifest.json for one document straight to object storage, under
// {userID}/{documentID}/ — the same three files ExportDocuments bundles
// into a ZIP, using identical wire shapes so a later export or a direct
// storage read see the same contract. Called right after a document's
// chunks are upserted, so "exactly one final chunks.json per document in
// storage" holds after normal completion, not only after an export job.
func WriteDocumentArtifacts(ctx context.Context, objects objectstore.ObjectStore, userID, documentID string, meta DocumentArtifactMeta, chunks []store.SemanticChunk) error {
	folder := fmt.Sprintf("%s/%s/", userID, documentID)

	records := make([]chunkRecord, len(chunks))
	for i, c := range chunks {
		records[i] = toChunkRecord(c)
	}
	if err := putJSON(ctx, objects, folder+"chunks.json", chunksFile{Version: fileFormatVersion, DocumentID: documentID, Chunks: records}); err != nil {
		return err
	}

	md := metadataFile{
		Version: fileFormatVersion, DocumentID: documentID, Title: meta.Title,
		CreatedAt: meta.CreatedAt, ProcessingMode: meta.ProcessingMode,
	}
	if err := putJSON(ctx, objects, folder+"metadata.json", md); err != nil {
		return err
	}

	wordCount := 0
	for _, c := range chunks {
		wordCount += c.WordCount
	}
	manifest := manifestFile{
		Version:    fileFormatVersion,
		Files:      map[string]fileEntry{"chunks.json": {Type: "final"}, "metadata.json": {Type: "final"}},
		ChunkCount: len(chunks),
		WordCount:  wordCount,
	}
	return putJSON(ctx, objects, folder+"manifest.json", manifest)
}

func putJSON(ctx context.Context, objects objectstore.ObjectStore, key string, v any) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if _, err := objects.Put(ctx, key, bytes.NewReader(buf), objectstore.PutOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func copySourceObject(ctx context.Context, objects objectstore.ObjectStore, doc *store.Document, folder string, zw *zip.Writer) error {
	r, _, err := objects.Get(ctx, doc.StoragePath)
	if err != nil {
		if err == objectstore.ErrNotFound {
			return nil // source may have been purged after processing; export proceeds without it
		}
		return fmt.Errorf("fetch source: %w", err)
	}
	defer r.Close()
	name := folder + "source" + sourceExtension(doc.SourceType)
	f, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, r)
	return err
}

func sourceExtension(sourceType string) string {
	switch sourceType {
	case "pdf":
		return ".pdf"
	case "epub":
		return ".epub"
	case "html", "url":
		return ".html"
	default:
		return ".txt"
	}
}

func writeJSON(zw *zip.Writer, name string, v any) error {
	f, err := zw.Create(name)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
