package port

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/toph420/rhizome-worker/internal/objectstore"
	"github.com/toph420/rhizome-worker/internal/store"
)

// fakeRepo is an in-memory stand-in implementing both ExportDeps and
// ImportDeps, exercised directly by the round-trip tests below.
type fakeRepo struct {
	docs        map[uuid.UUID]*store.Document
	chunks      map[uuid.UUID][]store.SemanticChunk
	connections map[uuid.UUID][]store.Connection
	annotations map[uuid.UUID][]store.Annotation
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		docs:        map[uuid.UUID]*store.Document{},
		chunks:      map[uuid.UUID][]store.SemanticChunk{},
		connections: map[uuid.UUID][]store.Connection{},
		annotations: map[uuid.UUID][]store.Annotation{},
	}
}

func (r *fakeRepo) GetDocument(ctx context.Context, id uuid.UUID) (*store.Document, error) {
	d, ok := r.docs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d, nil
}

func (r *fakeRepo) CreateDocument(ctx context.Context, d *store.Document) error {
	cp := *d
	r.docs[d.ID] = &cp
	return nil
}

func (r *fakeRepo) ListSemanticChunks(ctx context.Context, documentID uuid.UUID) ([]store.SemanticChunk, error) {
	return append([]store.SemanticChunk(nil), r.chunks[documentID]...), nil
}

func (r *fakeRepo) UpsertSemanticChunks(ctx context.Context, documentID uuid.UUID, chunks []store.SemanticChunk) error {
	r.chunks[documentID] = append([]store.SemanticChunk(nil), chunks...)
	return nil
}

func (r *fakeRepo) ListConnectionsForChunks(ctx context.Context, chunkIDs []uuid.UUID) ([]store.Connection, error) {
	byID := map[uuid.UUID]bool{}
	for _, id := range chunkIDs {
		byID[id] = true
	}
	var out []store.Connection
	for _, conns := range r.connections {
		for _, c := range conns {
			if byID[c.SourceChunkID] || byID[c.TargetChunkID] {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (r *fakeRepo) ListAnnotationsForDocument(ctx context.Context, documentID uuid.UUID) ([]store.Annotation, error) {
	return append([]store.Annotation(nil), r.annotations[documentID]...), nil
}

func (r *fakeRepo) UpsertAnnotation(ctx context.Context, a *store.Annotation) error {
	list := r.annotations[a.DocumentID]
	for i, existing := range list {
		if existing.ID == a.ID {
			list[i] = *a
			r.annotations[a.DocumentID] = list
			return nil
		}
	}
	r.annotations[a.DocumentID] = append(list, *a)
	return nil
}

func seedDocument(t *testing.T, repo *fakeRepo) (uuid.UUID, []store.SemanticChunk) {
	t.Helper()
	docID := uuid.New()
	doc := &store.Document{ID: docID, UserID: "u1", SourceType: "txt", Title: "Test Doc", Status: store.DocumentCompleted}
	require.NoError(t, repo.CreateDocument(context.Background(), doc))

	chunks := []store.SemanticChunk{
		{ID: uuid.New(), DocumentID: docID, ChunkIndex: 0, Content: "The quick brown fox jumps over the lazy dog.", StartOffset: 0, EndOffset: 45, WordCount: 9},
		{ID: uuid.New(), DocumentID: docID, ChunkIndex: 1, Content: "Pack my box with five dozen liquor jugs today.", StartOffset: 45, EndOffset: 92, WordCount: 9},
	}
	repo.chunks[docID] = chunks
	return docID, chunks
}

func TestExportDocuments_WritesChunksAndMetadata(t *testing.T) {
	repo := newFakeRepo()
	docID, chunks := seedDocument(t, repo)

	var buf bytes.Buffer
	err := ExportDocuments(context.Background(), repo, objectstore.NewMemoryStore(), []uuid.UUID{docID}, ExportOptions{}, &buf)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	require.True(t, names[docID.String()+"/chunks.json"])
	require.True(t, names[docID.String()+"/metadata.json"])
	require.True(t, names[docID.String()+"/manifest.json"])

	var cf chunksFile
	require.NoError(t, decodeJSONFile(mustFind(t, zr, docID.String()+"/chunks.json"), &cf))
	require.Equal(t, docID.String(), cf.DocumentID)
	require.Len(t, cf.Chunks, len(chunks))
	require.Equal(t, chunks[0].ID.String(), cf.Chunks[0].ID)
}

func mustFind(t *testing.T, zr *zip.Reader, name string) *zip.File {
	t.Helper()
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	t.Fatalf("file %s not found in zip", name)
	return nil
}

func exportToZipReader(t *testing.T, repo *fakeRepo, docIDs []uuid.UUID, opt ExportOptions) *zip.Reader {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, ExportDocuments(context.Background(), repo, objectstore.NewMemoryStore(), docIDs, opt, &buf))
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	return zr
}

func TestImportZip_SkipMode_NoOpOnExistingDocument(t *testing.T) {
	repo := newFakeRepo()
	docID, _ := seedDocument(t, repo)
	zr := exportToZipReader(t, repo, []uuid.UUID{docID}, ExportOptions{})

	results, err := ImportZip(context.Background(), repo, zr, map[string]Options{
		docID.String(): {Mode: ModeSkip},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Skipped)
}

func TestImportZip_MergeSmart_PreservesIDsForUnchangedContent(t *testing.T) {
	repo := newFakeRepo()
	docID, chunks := seedDocument(t, repo)
	zr := exportToZipReader(t, repo, []uuid.UUID{docID}, ExportOptions{})

	// Clear the DB-side chunk rows so merge_smart has nothing to diff
	// against; chunk IDs must still survive purely from chunks.json's
	// own id fields, per the UUID-preservation contract.
	repo.chunks[docID] = nil

	results, err := ImportZip(context.Background(), repo, zr, map[string]Options{
		docID.String(): {Mode: ModeMergeSmart},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, len(chunks), results[0].ChunkCount)

	imported := repo.chunks[docID]
	require.Len(t, imported, len(chunks))
	for i, c := range chunks {
		require.Equal(t, c.ID, imported[i].ID)
	}
}

func TestImportZip_Replace_UsesIncomingIDsAndWarnsOfOrphans(t *testing.T) {
	repo := newFakeRepo()
	docID, _ := seedDocument(t, repo)
	zr := exportToZipReader(t, repo, []uuid.UUID{docID}, ExportOptions{})

	results, err := ImportZip(context.Background(), repo, zr, map[string]Options{
		docID.String(): {Mode: ModeReplace},
	})
	require.NoError(t, err)
	require.True(t, results[0].OrphanedAnnotationWarning)
}

func TestRecoverAnnotations_DirectRestoreWhenChunkIDMatches(t *testing.T) {
	docID := uuid.New()
	chunkID := uuid.New()
	chunks := []store.SemanticChunk{{ID: chunkID, DocumentID: docID, Content: "hello world"}}
	annotations := []store.Annotation{{ID: uuid.New(), DocumentID: docID, ChunkID: chunkID, OriginalText: "hello"}}

	recovered := RecoverAnnotations(annotations, chunks)
	require.Len(t, recovered, 1)
	require.Equal(t, RecoveryDirect, recovered[0].Method)
	require.Equal(t, 1.0, recovered[0].Confidence)
}

func TestRecoverAnnotations_ContextMatchWhenChunkIDChanged(t *testing.T) {
	docID := uuid.New()
	chunks := []store.SemanticChunk{
		{ID: uuid.New(), DocumentID: docID, Content: "The quick brown fox jumps over the lazy dog."},
		{ID: uuid.New(), DocumentID: docID, Content: "Pack my box with five dozen liquor jugs today."},
	}
	annotations := []store.Annotation{
		{ID: uuid.New(), DocumentID: docID, ChunkID: uuid.New(), OriginalText: "brown fox jumps"},
	}

	recovered := RecoverAnnotations(annotations, chunks)
	require.Len(t, recovered, 1)
	require.Equal(t, RecoveryContext, recovered[0].Method)
	require.Equal(t, chunks[0].ID.String(), recovered[0].ChunkID)
}

func TestRecoverAnnotations_LostWhenNothingMatches(t *testing.T) {
	docID := uuid.New()
	chunks := []store.SemanticChunk{{ID: uuid.New(), DocumentID: docID, Content: "completely unrelated content entirely"}}
	annotations := []store.Annotation{
		{ID: uuid.New(), DocumentID: docID, ChunkID: uuid.New(), OriginalText: "zzz qqq xxx yyy no overlap whatsoever 12345"},
	}

	recovered := RecoverAnnotations(annotations, chunks)
	require.Len(t, recovered, 1)
	require.Equal(t, RecoveryLost, recovered[0].Method)
	require.Empty(t, recovered[0].ChunkID)
}
