package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/toph420/rhizome-worker/internal/checkpoint"
	"github.com/toph420/rhizome-worker/internal/cleanup"
	"github.com/toph420/rhizome-worker/internal/objectstore"
	"github.com/toph420/rhizome-worker/internal/persistence/databases"
	"github.com/toph420/rhizome-worker/internal/rag/chunker"
	"github.com/toph420/rhizome-worker/internal/rag/embedder"
	"github.com/toph420/rhizome-worker/internal/store"
)

type fakeDocuments struct {
	statuses []store.DocumentStatus
	chunks   []store.SemanticChunk
}

func (f *fakeDocuments) UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status store.DocumentStatus) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeDocuments) UpsertSemanticChunks(ctx context.Context, documentID uuid.UUID, chunks []store.SemanticChunk) error {
	f.chunks = chunks
	return nil
}

type checkpointCall struct {
	jobID             uuid.UUID
	stage, path, hash string
}

type fakeCheckpointRecorder struct {
	calls []checkpointCall
}

func (f *fakeCheckpointRecorder) RecordCheckpoint(ctx context.Context, jobID uuid.UUID, stage, path, hash string) error {
	f.calls = append(f.calls, checkpointCall{jobID: jobID, stage: stage, path: path, hash: hash})
	return nil
}

func newTestPipeline(t *testing.T, docs *fakeDocuments) (*Pipeline, objectstore.ObjectStore) {
	t.Helper()
	objects := objectstore.NewMemoryStore()
	return &Pipeline{
		Objects:      objects,
		Checkpoint:   checkpoint.New(objects),
		Documents:    docs,
		Chunker:      chunker.SemanticChunker{},
		Embedder:     embedder.NewDeterministic(32, true, 1),
		CleanupMode:  cleanup.ModeRegex,
		ChunkOptions: chunker.ChunkingOptions{Strategy: "fixed", MaxTokens: 20},
	}, objects
}

func TestPipeline_RunFresh_PersistsChunksAndCompletes(t *testing.T) {
	docs := &fakeDocuments{}
	p, objects := newTestPipeline(t, docs)

	docID := uuid.New()
	body := strings.Repeat("Alpha beta gamma delta epsilon zeta. ", 40)
	_, err := objects.Put(context.Background(), "u1/doc.txt", strings.NewReader(body), objectstore.PutOptions{})
	require.NoError(t, err)

	var stages []string
	out, err := p.Run(context.Background(), Input{
		UserID:      "u1",
		DocumentID:  docID,
		SourceType:  "txt",
		StoragePath: "u1/doc.txt",
	}, func(ctx context.Context, percent int, stage, details string) error {
		stages = append(stages, stage)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.Chunks)
	require.Equal(t, len(out.Chunks), len(docs.chunks))
	require.Contains(t, stages, "finalize")
	require.Equal(t, store.DocumentCompleted, docs.statuses[len(docs.statuses)-1])

	for _, c := range out.Chunks {
		require.NotEmpty(t, c.Embedding)
		require.NotEqual(t, uuid.Nil, c.ID)
	}
}

func TestPipeline_ReviewGate_PausesAfterExtraction(t *testing.T) {
	docs := &fakeDocuments{}
	p, objects := newTestPipeline(t, docs)

	docID := uuid.New()
	_, err := objects.Put(context.Background(), "u1/doc.txt", strings.NewReader("hello world"), objectstore.PutOptions{})
	require.NoError(t, err)

	out, err := p.Run(context.Background(), Input{
		UserID:      "u1",
		DocumentID:  docID,
		SourceType:  "txt",
		StoragePath: "u1/doc.txt",
		ReviewGate:  true,
	}, nil)
	require.ErrorIs(t, err, ErrAwaitingReview)
	require.True(t, out.AwaitReview)
	require.Equal(t, store.DocumentAwaitingManualReview, docs.statuses[len(docs.statuses)-1])
}

func TestPipeline_ResumeFromCleanup_SkipsExtraction(t *testing.T) {
	docs := &fakeDocuments{}
	p, objects := newTestPipeline(t, docs)

	docID := uuid.New()
	body := strings.Repeat("Resume test content here. ", 30)
	_, err := objects.Put(context.Background(), "u1/doc.txt", strings.NewReader(body), objectstore.PutOptions{})
	require.NoError(t, err)

	_, err = p.Run(context.Background(), Input{
		UserID: "u1", DocumentID: docID, SourceType: "txt", StoragePath: "u1/doc.txt",
	}, nil)
	require.NoError(t, err)

	// Remove the source object: a resume from cleanup must not need to
	// re-fetch or re-extract it.
	require.NoError(t, objects.Delete(context.Background(), "u1/doc.txt"))

	out, err := p.Run(context.Background(), Input{
		UserID: "u1", DocumentID: docID, SourceType: "txt", StoragePath: "u1/doc.txt",
		ResumeFrom: checkpoint.StageCleanup,
	}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, out.Chunks)
}

func TestPipeline_RunFresh_RecordsCheckpointAtEveryStage(t *testing.T) {
	docs := &fakeDocuments{}
	p, objects := newTestPipeline(t, docs)
	recorder := &fakeCheckpointRecorder{}
	p.Checkpoints = recorder

	docID := uuid.New()
	jobID := uuid.New()
	body := strings.Repeat("Alpha beta gamma delta epsilon zeta. ", 40)
	_, err := objects.Put(context.Background(), "u1/doc.txt", strings.NewReader(body), objectstore.PutOptions{})
	require.NoError(t, err)

	_, err = p.Run(context.Background(), Input{
		UserID:      "u1",
		DocumentID:  docID,
		JobID:       jobID,
		SourceType:  "txt",
		StoragePath: "u1/doc.txt",
	}, nil)
	require.NoError(t, err)

	var stages []string
	for _, c := range recorder.calls {
		require.Equal(t, jobID, c.jobID)
		require.NotEmpty(t, c.hash)
		require.Equal(t, "u1/"+docID.String()+"/stage-"+c.stage+".json", c.path)
		stages = append(stages, c.stage)
	}
	require.Equal(t, []string{
		string(checkpoint.StageExtraction),
		string(checkpoint.StageCleanup),
		string(checkpoint.StageChunking),
		string(checkpoint.StageEmbedding),
		string(checkpoint.StageCompletion),
	}, stages)
}

func TestPipeline_RunFresh_NoJobIDSkipsCheckpointRecording(t *testing.T) {
	docs := &fakeDocuments{}
	p, objects := newTestPipeline(t, docs)
	recorder := &fakeCheckpointRecorder{}
	p.Checkpoints = recorder

	docID := uuid.New()
	body := strings.Repeat("Alpha beta gamma delta epsilon zeta. ", 40)
	_, err := objects.Put(context.Background(), "u1/doc.txt", strings.NewReader(body), objectstore.PutOptions{})
	require.NoError(t, err)

	_, err = p.Run(context.Background(), Input{
		UserID:      "u1",
		DocumentID:  docID,
		SourceType:  "txt",
		StoragePath: "u1/doc.txt",
	}, nil)
	require.NoError(t, err)
	require.Empty(t, recorder.calls)
}

func TestPipeline_RunFresh_IndexesChunkEmbeddingsInVectorStore(t *testing.T) {
	docs := &fakeDocuments{}
	p, objects := newTestPipeline(t, docs)
	vector := databases.NewMemoryVector()
	p.Vector = vector

	docID := uuid.New()
	body := strings.Repeat("Alpha beta gamma delta epsilon zeta. ", 40)
	_, err := objects.Put(context.Background(), "u1/doc.txt", strings.NewReader(body), objectstore.PutOptions{})
	require.NoError(t, err)

	out, err := p.Run(context.Background(), Input{
		UserID:      "u1",
		DocumentID:  docID,
		SourceType:  "txt",
		StoragePath: "u1/doc.txt",
	}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, out.Chunks)

	results, err := vector.SimilaritySearch(context.Background(), out.Chunks[0].Embedding, len(out.Chunks)+1, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		require.Equal(t, docID.String(), r.Metadata["document_id"])
		require.Equal(t, "u1", r.Metadata["user_id"])
	}

	// A second run re-chunks and mints new chunk IDs; the prior run's
	// points must not linger as orphaned vectors.
	out2, err := p.Run(context.Background(), Input{
		UserID:      "u1",
		DocumentID:  docID,
		SourceType:  "txt",
		StoragePath: "u1/doc.txt",
	}, nil)
	require.NoError(t, err)
	results, err = vector.SimilaritySearch(context.Background(), out2.Chunks[0].Embedding, 1000, nil)
	require.NoError(t, err)
	require.Len(t, results, len(out2.Chunks))
}
