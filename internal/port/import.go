package port

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/toph420/rhizome-worker/internal/store"
)

// Mode is the caller-selected conflict-resolution strategy for a single
// document being imported, chosen per document by the caller.
type Mode string

const (
	ModeSkip       Mode = "skip"
	ModeReplace    Mode = "replace"
	ModeMergeSmart Mode = "merge_smart"
)

// ImportDeps are the repository methods a document import writes through.
type ImportDeps interface {
	GetDocument(ctx context.Context, id uuid.UUID) (*store.Document, error)
	CreateDocument(ctx context.Context, d *store.Document) error
	ListSemanticChunks(ctx context.Context, documentID uuid.UUID) ([]store.SemanticChunk, error)
	UpsertSemanticChunks(ctx context.Context, documentID uuid.UUID, chunks []store.SemanticChunk) error
	ListAnnotationsForDocument(ctx context.Context, documentID uuid.UUID) ([]store.Annotation, error)
	UpsertAnnotation(ctx context.Context, a *store.Annotation) error
}

// Options controls a single document's import.
type Options struct {
	Mode                 Mode
	RegenerateEmbeddings bool
	ReprocessConnections bool
}

// DocumentResult summarizes the outcome of importing one document folder.
type DocumentResult struct {
	DocumentID                uuid.UUID
	Skipped                   bool
	ChunkCount                int
	ConnectionsJSONPresent    bool
	Recovered                 []RecoveredAnnotation
	OrphanedAnnotationWarning bool
}

// ImportZip reads a round-trip ZIP produced by ExportDocuments and imports
// every top-level document folder found in it, one DocumentResult per
// document. modes maps a document ID string to its caller-chosen Options;
// a document without an entry defaults to ModeSkip, the safest conflict
// behavior.
func ImportZip(ctx context.Context, deps ImportDeps, r *zip.Reader, modes map[string]Options) ([]DocumentResult, error) {
	folders, err := groupByFolder(r)
	if err != nil {
		return nil, err
	}

	var results []DocumentResult
	for folder, files := range folders {
		opt, ok := modes[folder]
		if !ok {
			opt = Options{Mode: ModeSkip}
		}
		res, err := importFolder(ctx, deps, files, opt)
		if err != nil {
			return results, fmt.Errorf("import %s: %w", folder, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// groupByFolder partitions a ZIP's entries by their top-level folder name,
// skipping the root manifest.json a multi-document export writes alongside
// the per-document folders.
func groupByFolder(r *zip.Reader) (map[string]map[string]*zip.File, error) {
	folders := map[string]map[string]*zip.File{}
	for _, f := range r.File {
		clean := path.Clean(f.Name)
		parts := strings.SplitN(clean, "/", 2)
		if len(parts) != 2 {
			continue // root-level manifest.json of a multi-document export
		}
		folder, rest := parts[0], parts[1]
		if folders[folder] == nil {
			folders[folder] = map[string]*zip.File{}
		}
		folders[folder][rest] = f
	}
	return folders, nil
}

func importFolder(ctx context.Context, deps ImportDeps, files map[string]*zip.File, opt Options) (DocumentResult, error) {
	cf, err := readChunksFile(files)
	if err != nil {
		return DocumentResult{}, err
	}
	mf, err := readMetadataFile(files)
	if err != nil {
		return DocumentResult{}, err
	}

	docID, err := uuid.Parse(cf.DocumentID)
	if err != nil {
		docID = uuid.New()
	}

	existing, err := deps.GetDocument(ctx, docID)
	exists := err == nil && existing != nil

	if exists && opt.Mode == ModeSkip {
		return DocumentResult{DocumentID: docID, Skipped: true}, nil
	}

	if !exists {
		doc := &store.Document{ID: docID, UserID: "", SourceType: "", Title: mf.Title, StoragePath: "", Status: store.DocumentPending}
		if err := deps.CreateDocument(ctx, doc); err != nil {
			return DocumentResult{}, fmt.Errorf("create document: %w", err)
		}
	}

	var finalChunks []store.SemanticChunk
	orphanWarning := false
	recoverAnnotations := false

	switch opt.Mode {
	case ModeReplace:
		finalChunks = make([]store.SemanticChunk, len(cf.Chunks))
		for i, r := range cf.Chunks {
			finalChunks[i] = r.toSemanticChunk(docID)
		}
		orphanWarning = true // incoming chunk IDs may not match any previously-stored annotation's chunk_id
		recoverAnnotations = true

	case ModeMergeSmart, ModeSkip, "":
		// ModeSkip only reaches here for a document that does not exist yet.
		existingChunks, err := deps.ListSemanticChunks(ctx, docID)
		if err != nil {
			return DocumentResult{}, fmt.Errorf("list existing chunks: %w", err)
		}
		finalChunks = mergeSmart(existingChunks, cf.Chunks, docID)
		recoverAnnotations = true // chunks whose content changed get new IDs

	default:
		return DocumentResult{}, fmt.Errorf("unsupported import mode %q", opt.Mode)
	}

	if err := deps.UpsertSemanticChunks(ctx, docID, finalChunks); err != nil {
		return DocumentResult{}, fmt.Errorf("persist chunks: %w", err)
	}

	var recovered []RecoveredAnnotation
	if recoverAnnotations {
		annotations, err := deps.ListAnnotationsForDocument(ctx, docID)
		if err != nil {
			return DocumentResult{}, fmt.Errorf("list annotations: %w", err)
		}
		recovered = RecoverAnnotations(annotations, finalChunks)
		for _, rec := range recovered {
			if rec.Method == RecoveryLost {
				continue
			}
			chunkID, err := uuid.Parse(rec.ChunkID)
			if err != nil {
				continue
			}
			a := rec.Annotation
			a.ChunkID = chunkID
			a.SyncMethod = string(rec.Method)
			a.SyncConfidence = rec.Confidence
			if rec.Confidence >= ConfidenceReview {
				if err := deps.UpsertAnnotation(ctx, &a); err != nil {
					return DocumentResult{}, fmt.Errorf("reattach annotation %s: %w", a.ID, err)
				}
			}
		}
	}

	_, connectionsPresent := files["connections.json"]

	return DocumentResult{
		DocumentID:             docID,
		ChunkCount:             len(finalChunks),
		ConnectionsJSONPresent: connectionsPresent,
		Recovered:              recovered,
		OrphanedAnnotationWarning: orphanWarning,
	}, nil
}

// mergeSmart preserves an existing chunk's ID when an incoming record's
// content still matches it — by ID first, then by exact content — updates
// metadata fields from the incoming record, and lets chunks absent from the
// incoming set fall out of the final list, which UpsertSemanticChunks deletes.
func mergeSmart(existing []store.SemanticChunk, incoming []chunkRecord, docID uuid.UUID) []store.SemanticChunk {
	existingByID := make(map[string]store.SemanticChunk, len(existing))
	existingByContent := make(map[string]uuid.UUID, len(existing))
	for _, c := range existing {
		existingByID[c.ID.String()] = c
		existingByContent[c.Content] = c.ID
	}

	out := make([]store.SemanticChunk, len(incoming))
	for i, r := range incoming {
		chunk := r.toSemanticChunk(docID)
		if old, ok := existingByID[r.ID]; ok && old.Content == r.Content {
			out[i] = chunk
			continue
		}
		if id, ok := existingByContent[r.Content]; ok {
			chunk.ID = id
			out[i] = chunk
			continue
		}
		out[i] = chunk // genuinely new chunk; r.ID (or a fresh UUID) stands
	}
	return out
}

func readChunksFile(files map[string]*zip.File) (chunksFile, error) {
	var cf chunksFile
	f, ok := files["chunks.json"]
	if !ok {
		return cf, fmt.Errorf("missing chunks.json")
	}
	if err := decodeJSONFile(f, &cf); err != nil {
		return cf, fmt.Errorf("decode chunks.json: %w", err)
	}
	return cf, nil
}

func readMetadataFile(files map[string]*zip.File) (metadataFile, error) {
	var mf metadataFile
	f, ok := files["metadata.json"]
	if !ok {
		return mf, nil // metadata.json is informational; chunks.json carries document_id too
	}
	if err := decodeJSONFile(f, &mf); err != nil {
		return mf, fmt.Errorf("decode metadata.json: %w", err)
	}
	return mf, nil
}

func decodeJSONFile(f *zip.File, dst any) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
