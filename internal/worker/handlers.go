package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/toph420/rhizome-worker/internal/checkpoint"
	"github.com/toph420/rhizome-worker/internal/connections"
	"github.com/toph420/rhizome-worker/internal/enrich"
	"github.com/toph420/rhizome-worker/internal/objectstore"
	"github.com/toph420/rhizome-worker/internal/pipeline"
	"github.com/toph420/rhizome-worker/internal/port"
	"github.com/toph420/rhizome-worker/internal/store"
)

// Documents is the subset of store.Postgres a connection-detection
// handler needs beyond what connections.Orchestrator and pipeline.Pipeline
// already narrow for themselves.
type Documents interface {
	GetDocument(ctx context.Context, id uuid.UUID) (*store.Document, error)
	ListSemanticChunks(ctx context.Context, documentID uuid.UUID) ([]store.SemanticChunk, error)
	ListSemanticChunksForDocuments(ctx context.Context, documentIDs []uuid.UUID) ([]store.SemanticChunk, error)
	ListDocumentIDsForUser(ctx context.Context, userID string) ([]uuid.UUID, error)
	UpsertSemanticChunks(ctx context.Context, documentID uuid.UUID, chunks []store.SemanticChunk) error
}

// ConnectionsStore is the subset of store.Postgres reprocess_connections
// needs beyond the plain upsert connections.Persister already narrows for
// the orchestrator: listing existing rows (to back up validated ones) and
// deleting them (the "replace" half of mode=all/smart).
type ConnectionsStore interface {
	connections.Persister
	ListConnectionsForChunks(ctx context.Context, chunkIDs []uuid.UUID) ([]store.Connection, error)
	DeleteConnectionsForChunks(ctx context.Context, chunkIDs []uuid.UUID, preserveValidated bool) error
}

// Handlers bundles every dependency NewHandlers wires into the job-type
// dispatch table the Worker runs jobs through.
type Handlers struct {
	Pipeline     *pipeline.Pipeline
	Orchestrator *connections.Orchestrator
	Persist      ConnectionsStore
	Documents    Documents
	Enricher     enrich.Enricher
	Objects      objectstore.ObjectStore
	Port         PortDeps
	ExportPrefix string // object store key prefix export_documents writes ZIPs under
	Events       *EventPublisher
}

// PortDeps is the combined repository surface port.ExportDocuments and
// port.ImportZip read from and write through.
type PortDeps interface {
	port.ExportDeps
	port.ImportDeps
}

// Build returns the job_type -> Handler table New's Worker dispatches on.
func (h *Handlers) Build() map[store.JobType]Handler {
	return map[store.JobType]Handler{
		store.JobProcessDocument:      h.processDocument,
		store.JobContinueProcessing:   h.continueProcessing,
		store.JobDetectConnections:    h.detectConnections,
		store.JobEnrichChunks:         h.enrichChunks,
		store.JobEnrichAndConnect:     h.enrichAndConnect,
		store.JobImportDocument:       h.importDocument,
		store.JobExportDocuments:      h.exportDocuments,
		store.JobReprocessConnections: h.reprocessConnections,
	}
}

func documentID(job *store.BackgroundJob) (uuid.UUID, error) {
	if job.DocumentID != nil {
		return *job.DocumentID, nil
	}
	if job.InputData.DocumentID != "" {
		return uuid.Parse(job.InputData.DocumentID)
	}
	return uuid.Nil, fmt.Errorf("job %s: no document_id", job.ID)
}

func (h *Handlers) processDocument(ctx context.Context, job *store.BackgroundJob, progress ProgressFunc) (store.JobPayload, error) {
	docID, err := documentID(job)
	if err != nil {
		return store.JobPayload{}, err
	}
	in := pipeline.Input{
		UserID:      job.UserID,
		DocumentID:  docID,
		JobID:       job.ID,
		SourceType:  job.InputData.SourceType,
		StoragePath: job.InputData.StoragePath,
		ReviewGate:  job.InputData.ReviewWorkflow,
	}
	out, err := h.Pipeline.Run(ctx, in, pipeline.ProgressFunc(progress))
	if err != nil {
		if err == pipeline.ErrAwaitingReview {
			return store.JobPayload{DocumentID: docID.String(), ReviewWorkflow: true}, nil
		}
		return store.JobPayload{}, err
	}
	return store.JobPayload{DocumentID: docID.String()}, nil
}

// continueProcessing resumes a paused or review-gated document from its
// last recorded checkpoint stage, per the fixed stage-successor table.
func (h *Handlers) continueProcessing(ctx context.Context, job *store.BackgroundJob, progress ProgressFunc) (store.JobPayload, error) {
	docID, err := documentID(job)
	if err != nil {
		return store.JobPayload{}, err
	}
	resumeFrom := checkpoint.Stage(job.LastCheckpointStage)
	if job.InputData.FromStage != "" {
		resumeFrom = checkpoint.Stage(job.InputData.FromStage)
	}
	in := pipeline.Input{
		UserID:      job.UserID,
		DocumentID:  docID,
		JobID:       job.ID,
		SourceType:  job.InputData.SourceType,
		StoragePath: job.InputData.StoragePath,
		ResumeFrom:  resumeFrom,
	}
	if _, err := h.Pipeline.Run(ctx, in, pipeline.ProgressFunc(progress)); err != nil {
		return store.JobPayload{}, err
	}
	return store.JobPayload{DocumentID: docID.String()}, nil
}

// targetChunks resolves the chunk set a connections job scans: the
// payload's explicit target document list, else the job's own document,
// else every completed document belonging to the job's user.
func (h *Handlers) targetChunks(ctx context.Context, job *store.BackgroundJob) ([]store.SemanticChunk, error) {
	if len(job.InputData.TargetDocumentIDs) > 0 {
		ids := make([]uuid.UUID, 0, len(job.InputData.TargetDocumentIDs))
		for _, s := range job.InputData.TargetDocumentIDs {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("target_document_id %q: %w", s, err)
			}
			ids = append(ids, id)
		}
		return h.Documents.ListSemanticChunksForDocuments(ctx, ids)
	}
	if docID, err := documentID(job); err == nil {
		return h.Documents.ListSemanticChunks(ctx, docID)
	}
	ids, err := h.Documents.ListDocumentIDsForUser(ctx, job.UserID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return h.Documents.ListSemanticChunksForDocuments(ctx, ids)
}

// scopedOrchestrator returns an orchestrator filtered to the payload's
// enabled_engines and weights overrides, or the full default set when
// neither override is present.
func (h *Handlers) scopedOrchestrator(job *store.BackgroundJob) *connections.Orchestrator {
	o := h.Orchestrator
	if len(job.InputData.EnabledEngines) == 0 && len(job.InputData.Weights) == 0 {
		return o
	}
	out := &connections.Orchestrator{Engines: o.Engines, Weights: o.Weights}
	if len(job.InputData.EnabledEngines) > 0 {
		enabled := map[string]bool{}
		for _, name := range job.InputData.EnabledEngines {
			enabled[name] = true
		}
		filtered := make([]connections.Engine, 0, len(o.Engines))
		for _, e := range o.Engines {
			if enabled[string(e.Name())] {
				filtered = append(filtered, e)
			}
		}
		out.Engines = filtered
	}
	if len(job.InputData.Weights) > 0 {
		weights := map[store.ConnectionEngine]float64{}
		for k, v := range o.Weights {
			weights[k] = v
		}
		for k, v := range job.InputData.Weights {
			weights[store.ConnectionEngine(k)] = v
		}
		out.Weights = weights
	}
	return out
}

func (h *Handlers) detectConnections(ctx context.Context, job *store.BackgroundJob, progress ProgressFunc) (store.JobPayload, error) {
	chunks, err := h.targetChunks(ctx, job)
	if err != nil {
		return store.JobPayload{}, err
	}
	if len(chunks) == 0 {
		return store.JobPayload{}, nil
	}
	o := h.scopedOrchestrator(job)
	conns, err := o.Run(ctx, chunks, h.Persist, func(engine store.ConnectionEngine, done, total int) {
		pct := 0
		if total > 0 {
			pct = done * 100 / total
		}
		_ = progress(ctx, pct, "detect_connections", string(engine))
	})
	if err != nil {
		return store.JobPayload{}, err
	}
	_ = progress(ctx, 100, "detect_connections", fmt.Sprintf("%d connection(s) persisted", len(conns)))
	h.Events.PublishConnectionsDetected(ctx, ConnectionsDetectedEvent{
		UserID:          job.UserID,
		JobID:           job.ID,
		DocumentIDs:     documentIDSet(chunks),
		ConnectionCount: len(conns),
		Timestamp:       job.UpdatedAt,
	})
	return store.JobPayload{}, nil
}

// documentIDSet returns the distinct document IDs represented in chunks,
// in first-seen order.
func documentIDSet(chunks []store.SemanticChunk) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range chunks {
		id := c.DocumentID.String()
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// reprocessConnections re-runs connection detection over a document's (or
// scoped) chunks under one of three modes (§4.6 + user-validated
// preservation):
//
//   - all:     wipe every existing connection the scope touches (honoring
//     PreserveValidated if set) and detect fresh.
//   - smart:   like all, but always preserves user_validated=true rows —
//     the whole point of "smart".
//   - add_new: additive only, nothing is deleted. The candidate chunk pool
//     is restricted to the source document's own chunks plus chunks from
//     documents created strictly after it, and the merge is filtered to
//     keep only pairs that actually cross from the source document into
//     one of those newer documents. Per S6 this is what keeps ThematicBridge
//     AI-call volume well under a full mode=all run over the whole corpus.
//
// Backup=true writes every user_validated=true connection in scope to
// validated-connections-{ts}.json before anything is touched, regardless
// of mode.
func (h *Handlers) reprocessConnections(ctx context.Context, job *store.BackgroundJob, progress ProgressFunc) (store.JobPayload, error) {
	chunks, err := h.targetChunks(ctx, job)
	if err != nil {
		return store.JobPayload{}, err
	}
	if len(chunks) == 0 {
		return store.JobPayload{}, nil
	}
	chunkIDs := chunkIDList(chunks)

	if job.InputData.Backup {
		if err := h.backupValidatedConnections(ctx, job, chunkIDs); err != nil {
			return store.JobPayload{}, fmt.Errorf("reprocess_connections: backup validated connections: %w", err)
		}
	}

	o := h.scopedOrchestrator(job)
	mode := job.InputData.Mode
	if mode == "" {
		mode = "all"
	}

	switch mode {
	case "all":
		if err := h.Persist.DeleteConnectionsForChunks(ctx, chunkIDs, job.InputData.PreserveValidated); err != nil {
			return store.JobPayload{}, err
		}
	case "smart":
		if err := h.Persist.DeleteConnectionsForChunks(ctx, chunkIDs, true); err != nil {
			return store.JobPayload{}, err
		}
	case "add_new":
		pool, filter, err := h.addNewScope(ctx, job, chunks)
		if err != nil {
			return store.JobPayload{}, err
		}
		if len(pool) == 0 {
			_ = progress(ctx, 100, "reprocess_connections", "no newer documents to bridge against")
			return store.JobPayload{}, nil
		}
		chunks = pool
		o = &connections.Orchestrator{Engines: o.Engines, Weights: o.Weights, Filter: filter}
	default:
		return store.JobPayload{}, fmt.Errorf("reprocess_connections: unknown mode %q", mode)
	}

	conns, err := o.Run(ctx, chunks, h.Persist, func(engine store.ConnectionEngine, done, total int) {
		pct := 0
		if total > 0 {
			pct = done * 100 / total
		}
		_ = progress(ctx, pct, "reprocess_connections", string(engine))
	})
	if err != nil {
		return store.JobPayload{}, err
	}
	_ = progress(ctx, 100, "reprocess_connections", fmt.Sprintf("%d connection(s) persisted", len(conns)))
	h.Events.PublishConnectionsDetected(ctx, ConnectionsDetectedEvent{
		UserID:          job.UserID,
		JobID:           job.ID,
		DocumentIDs:     documentIDSet(chunks),
		ConnectionCount: len(conns),
		Timestamp:       job.UpdatedAt,
	})
	return store.JobPayload{}, nil
}

// addNewScope resolves the chunk pool and merge filter for
// reprocess_connections(mode=add_new): the source document's own chunks,
// plus chunks from every document in the existing scope that was created
// strictly after it, with a filter keeping only candidates that actually
// cross the two.
func (h *Handlers) addNewScope(ctx context.Context, job *store.BackgroundJob, scoped []store.SemanticChunk) ([]store.SemanticChunk, func(source, target store.SemanticChunk) bool, error) {
	srcID, err := documentID(job)
	if err != nil {
		return nil, nil, fmt.Errorf("add_new mode requires a source documentId: %w", err)
	}
	srcDoc, err := h.Documents.GetDocument(ctx, srcID)
	if err != nil {
		return nil, nil, err
	}

	docAges := map[uuid.UUID]time.Time{srcID: srcDoc.CreatedAt}
	newer := map[uuid.UUID]bool{}
	for _, c := range scoped {
		if c.DocumentID == srcID {
			continue
		}
		if _, seen := docAges[c.DocumentID]; seen {
			continue
		}
		doc, err := h.Documents.GetDocument(ctx, c.DocumentID)
		if err != nil {
			return nil, nil, err
		}
		docAges[c.DocumentID] = doc.CreatedAt
		newer[c.DocumentID] = doc.CreatedAt.After(srcDoc.CreatedAt)
	}

	var pool []store.SemanticChunk
	for _, c := range scoped {
		if c.DocumentID == srcID || newer[c.DocumentID] {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return nil, nil, nil
	}

	filter := func(source, target store.SemanticChunk) bool {
		if source.DocumentID == srcID {
			return target.DocumentID != srcID && newer[target.DocumentID]
		}
		if target.DocumentID == srcID {
			return source.DocumentID != srcID && newer[source.DocumentID]
		}
		return false // neither side touches the source document: not a new bridge
	}
	return pool, filter, nil
}

// backupValidatedConnections writes every user_validated=true connection
// touching chunkIDs to validated-connections-{ts}.json in the source
// document's storage folder, per the storage layout's optional backup file.
func (h *Handlers) backupValidatedConnections(ctx context.Context, job *store.BackgroundJob, chunkIDs []uuid.UUID) error {
	conns, err := h.Persist.ListConnectionsForChunks(ctx, chunkIDs)
	if err != nil {
		return err
	}
	var validated []store.Connection
	for _, c := range conns {
		if c.UserValidated {
			validated = append(validated, c)
		}
	}

	docID, err := documentID(job)
	if err != nil {
		docID = uuid.Nil
	}
	folder := job.UserID
	if docID != uuid.Nil {
		folder = fmt.Sprintf("%s/%s", job.UserID, docID)
	}
	backup := validatedConnectionsBackup{
		Version:     "1.0",
		DocumentID:  docID.String(),
		BackedUpAt:  time.Now().UTC(),
		Connections: validated,
	}
	buf, err := json.MarshalIndent(backup, "", "  ")
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s/validated-connections-%d.json", folder, backup.BackedUpAt.Unix())
	_, err = h.Objects.Put(ctx, key, bytes.NewReader(buf), objectstore.PutOptions{ContentType: "application/json"})
	return err
}

// validatedConnectionsBackup is the wire shape of validated-connections-{ts}.json.
type validatedConnectionsBackup struct {
	Version     string            `json:"version"`
	DocumentID  string            `json:"documentId,omitempty"`
	BackedUpAt  time.Time         `json:"backedUpAt"`
	Connections []store.Connection `json:"connections"`
}

// chunkIDList returns the chunk IDs in chunks, in order.
func chunkIDList(chunks []store.SemanticChunk) []uuid.UUID {
	ids := make([]uuid.UUID, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	return ids
}

// enrichChunks re-runs AI enrichment over a document's existing chunks
// without re-chunking, the path a user takes after editing enrichment
// settings or retrying a chunk that previously fell back.
func (h *Handlers) enrichChunks(ctx context.Context, job *store.BackgroundJob, progress ProgressFunc) (store.JobPayload, error) {
	docID, err := documentID(job)
	if err != nil {
		return store.JobPayload{}, err
	}
	chunks, err := h.Documents.ListSemanticChunks(ctx, docID)
	if err != nil {
		return store.JobPayload{}, err
	}
	for i := range chunks {
		if ctx.Err() != nil {
			return store.JobPayload{}, ctx.Err()
		}
		if job.InputData.PreserveValidated && chunks[i].ConnectionsDetected {
			continue
		}
		enrich.ApplyWithFallback(ctx, h.Enricher, &chunks[i])
		_ = progress(ctx, (i+1)*100/max(1, len(chunks)), "enrich_chunks", chunks[i].ID.String())
	}
	if err := h.Documents.UpsertSemanticChunks(ctx, docID, chunks); err != nil {
		return store.JobPayload{}, err
	}
	return store.JobPayload{DocumentID: docID.String()}, nil
}

// enrichAndConnect runs enrichment, then detection, over the same document
// so enrichment-derived themes are available to the thematic bridge engine.
func (h *Handlers) enrichAndConnect(ctx context.Context, job *store.BackgroundJob, progress ProgressFunc) (store.JobPayload, error) {
	if _, err := h.enrichChunks(ctx, job, progress); err != nil {
		return store.JobPayload{}, err
	}
	return h.detectConnections(ctx, job, progress)
}

func (h *Handlers) importDocument(ctx context.Context, job *store.BackgroundJob, progress ProgressFunc) (store.JobPayload, error) {
	rc, _, err := h.Objects.Get(ctx, job.InputData.StoragePath)
	if err != nil {
		return store.JobPayload{}, fmt.Errorf("fetch import archive: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return store.JobPayload{}, err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return store.JobPayload{}, fmt.Errorf("open import archive: %w", err)
	}

	opt := port.Options{
		Mode:                 port.Mode(job.InputData.Mode),
		RegenerateEmbeddings: job.InputData.RegenerateEmbeddings,
		ReprocessConnections: job.InputData.ReprocessConnections,
	}
	modes := map[string]port.Options{}
	targets := job.InputData.DocumentIDs
	if len(targets) == 0 && job.InputData.DocumentID != "" {
		targets = []string{job.InputData.DocumentID}
	}
	for _, id := range targets {
		modes[id] = opt
	}

	results, err := port.ImportZip(ctx, h.Port, zr, modes)
	if err != nil {
		return store.JobPayload{}, err
	}
	_ = progress(ctx, 100, "import_document", fmt.Sprintf("%d document(s) imported", len(results)))
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.DocumentID.String()
	}
	return store.JobPayload{DocumentIDs: ids}, nil
}

func (h *Handlers) exportDocuments(ctx context.Context, job *store.BackgroundJob, progress ProgressFunc) (store.JobPayload, error) {
	ids := make([]uuid.UUID, 0, len(job.InputData.DocumentIDs))
	for _, s := range job.InputData.DocumentIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			return store.JobPayload{}, fmt.Errorf("document_id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	opt := port.ExportOptions{
		IncludeConnections: job.InputData.IncludeConnections,
		IncludeAnnotations: job.InputData.IncludeAnnotations,
	}

	var buf bytes.Buffer
	if err := port.ExportDocuments(ctx, h.Port, h.Objects, ids, opt, &buf); err != nil {
		return store.JobPayload{}, err
	}

	key := fmt.Sprintf("%s/%s.zip", h.ExportPrefix, job.ID.String())
	if _, err := h.Objects.Put(ctx, key, &buf, objectstore.PutOptions{ContentType: "application/zip"}); err != nil {
		return store.JobPayload{}, fmt.Errorf("store export archive: %w", err)
	}
	_ = progress(ctx, 100, "export_documents", key)
	return store.JobPayload{StoragePath: key, DocumentIDs: job.InputData.DocumentIDs}, nil
}
