// Package store defines the persistent data model — documents, chunks,
// connections, and background jobs — and the Postgres-backed repository
// that reads and writes them.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DocumentStatus is the lifecycle state of a Document.
type DocumentStatus string

const (
	DocumentPending               DocumentStatus = "pending"
	DocumentExtracting            DocumentStatus = "extracting"
	DocumentAwaitingManualReview  DocumentStatus = "awaiting_manual_review"
	DocumentProcessing            DocumentStatus = "processing"
	DocumentCompleted             DocumentStatus = "completed"
	DocumentFailed                DocumentStatus = "failed"
)

// Document is the top-level processed source.
type Document struct {
	ID          uuid.UUID
	UserID      string
	SourceType  string // pdf | epub | html | txt | transcript
	Title       string
	StoragePath string
	Status      DocumentStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PositionConfidence records which bulletproof-matcher layer produced a
// semantic chunk's offsets.
type PositionConfidence string

const (
	PositionExact     PositionConfidence = "exact"
	PositionHigh      PositionConfidence = "high"
	PositionMedium    PositionConfidence = "medium"
	PositionSynthetic PositionConfidence = "synthetic"
)

// MetadataConfidence records how much extractor-chunk overlap backs a
// semantic chunk's transferred structural metadata.
type MetadataConfidence string

const (
	MetadataHigh   MetadataConfidence = "high"
	MetadataMedium MetadataConfidence = "medium"
	MetadataLow    MetadataConfidence = "low"
)

// ExtractorChunk is the raw, immutable output of a source extractor: rich
// structural metadata, variable size, cached so later stages can rerun
// without re-extracting.
type ExtractorChunk struct {
	Index        int
	Text         string
	HeadingPath  []string
	HeadingLevel int
	SectionMarker string
	PageStart    int
	PageEnd      int
	BBoxes       []BBox
}

// BBox is a page-relative bounding box carried verbatim from a PDF-style extractor.
type BBox struct {
	Page int     `json:"page"`
	X0   float64 `json:"x0"`
	Y0   float64 `json:"y0"`
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
}

// EmotionalMetadata is the per-chunk emotional-tone enrichment.
type EmotionalMetadata struct {
	Polarity  float64 `json:"polarity"` // [-1, 1]
	Primary   string  `json:"primary"`
	Intensity float64 `json:"intensity"`
}

// ConceptualMetadata is the per-chunk concept-with-importance enrichment.
type ConceptualMetadata struct {
	Concepts []ConceptScore `json:"concepts"`
}

// ConceptScore names a concept and its importance within the chunk.
type ConceptScore struct {
	Concept    string  `json:"concept"`
	Importance float64 `json:"importance"` // [0, 1]
}

// DomainMetadata is the per-chunk subject-domain classification.
type DomainMetadata struct {
	PrimaryDomain string `json:"primaryDomain"`
}

// SemanticChunk is the canonical unit of persistence for reader, search,
// embedding, and connection detection. Its UUID is the anchor of the
// system: generated once and preserved across export/import cycles.
type SemanticChunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	ChunkIndex int
	Content    string

	StartOffset int
	EndOffset   int
	WordCount   int
	ChunkerType string
	TokenCount  int

	PageStart     int
	PageEnd       int
	HeadingPath   []string
	HeadingLevel  int
	SectionMarker string
	BBoxes        []BBox

	PositionConfidence PositionConfidence
	PositionMethod     string
	PositionValidated  bool

	Themes              []string
	ImportanceScore     float64
	Summary             string
	EmotionalMetadata   *EmotionalMetadata
	ConceptualMetadata  *ConceptualMetadata
	DomainMetadata      *DomainMetadata
	MetadataExtractedAt *time.Time
	MetadataOverlapCount int
	MetadataConfidence   MetadataConfidence
	MetadataInterpolated bool

	Embedding []float32

	EnrichmentsDetected    bool
	EnrichmentSkippedReason string
	ConnectionsDetected    bool
}

// ConnectionEngine names which detector produced a Connection.
type ConnectionEngine string

const (
	EngineSemanticSimilarity   ConnectionEngine = "semantic_similarity"
	EngineContradictionDetect  ConnectionEngine = "contradiction_detection"
	EngineThematicBridge       ConnectionEngine = "thematic_bridge"
)

// Connection is a directed semantic edge between two semantic chunks,
// unique per (source, target, type).
type Connection struct {
	ID             uuid.UUID
	SourceChunkID  uuid.UUID
	TargetChunkID  uuid.UUID
	Engine         ConnectionEngine
	Strength       float64 // [0, 1]
	Type           string
	Evidence       string
	UserValidated  bool
	DiscoveredAt   time.Time
}

// JobStatus is the lifecycle state of a BackgroundJob.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobPaused     JobStatus = "paused"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// JobType enumerates the worker's dispatchable job kinds.
type JobType string

const (
	JobProcessDocument       JobType = "process_document"
	JobContinueProcessing    JobType = "continue_processing"
	JobDetectConnections     JobType = "detect_connections"
	JobEnrichChunks          JobType = "enrich_chunks"
	JobEnrichAndConnect      JobType = "enrich_and_connect"
	JobImportDocument        JobType = "import_document"
	JobExportDocuments       JobType = "export_documents"
	JobReprocessConnections  JobType = "reprocess_connections"
)

// Checkpoint is the job row's pointer into the checkpoint envelope that
// lets a paused or crashed job resume without loss.
type Checkpoint struct {
	Stage     string    `json:"stage"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	CanResume bool      `json:"canResume"`
}

// Progress is the job row's user-visible progress payload.
type Progress struct {
	Percent    int         `json:"percent"`
	Stage      string      `json:"stage"`
	Details    string      `json:"details,omitempty"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
}

// JobPayload is the tagged-variant input_data/output_data envelope: known
// fields for every job_type, plus a raw JSON tail so unrecognized fields
// round-trip untouched instead of being silently dropped.
type JobPayload struct {
	DocumentID             string          `json:"documentId,omitempty"`
	UserID                 string          `json:"userId,omitempty"`
	SourceType             string          `json:"sourceType,omitempty"`
	SourceURL              string          `json:"sourceUrl,omitempty"`
	StoragePath            string          `json:"storagePath,omitempty"`
	EnrichChunks           *bool           `json:"enrichChunks,omitempty"`
	DetectConnections      *bool           `json:"detectConnections,omitempty"`
	ReviewWorkflow         bool            `json:"reviewWorkflow,omitempty"`
	FromStage              string          `json:"fromStage,omitempty"`
	EnabledEngines         []string        `json:"enabledEngines,omitempty"`
	TargetDocumentIDs      []string        `json:"targetDocumentIds,omitempty"`
	Weights                map[string]float64 `json:"weights,omitempty"`
	ChunkIDs               []string        `json:"chunkIds,omitempty"`
	Mode                   string          `json:"mode,omitempty"`
	RegenerateEmbeddings   bool            `json:"regenerateEmbeddings,omitempty"`
	ReprocessConnections   bool            `json:"reprocessConnections,omitempty"`
	DocumentIDs            []string        `json:"documentIds,omitempty"`
	IncludeConnections     bool            `json:"includeConnections,omitempty"`
	IncludeAnnotations     bool            `json:"includeAnnotations,omitempty"`
	Engines                []string        `json:"engines,omitempty"`
	PreserveValidated      bool            `json:"preserveValidated,omitempty"`
	Backup                 bool            `json:"backup,omitempty"`
	Extra                  json.RawMessage `json:"-"`
}

// MarshalJSON flattens the known fields and re-merges the raw JSON tail so
// unknown keys from the original payload survive the round trip.
func (p JobPayload) MarshalJSON() ([]byte, error) {
	type alias JobPayload
	known, err := json.Marshal(alias(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return known, nil
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(p.Extra, &merged); err != nil {
		return known, nil
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return known, nil
	}
	for k, v := range knownMap {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON populates the known fields and stashes the full payload as
// Extra so round-tripping through MarshalJSON preserves unrecognized keys.
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type alias JobPayload
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = JobPayload(a)
	p.Extra = append(json.RawMessage(nil), data...)
	return nil
}

// BackgroundJob is a single row of the job queue.
type BackgroundJob struct {
	ID                  uuid.UUID
	JobType             JobType
	Status              JobStatus
	DocumentID          *uuid.UUID
	UserID              string
	InputData           JobPayload
	OutputData          *JobPayload
	Progress            Progress
	RetryCount          int
	MaxRetries          int
	NextRetryAt         *time.Time
	ErrorMessage        string
	PausedAt            *time.Time
	ResumedAt           *time.Time
	ResumeCount         int
	LastCheckpointPath  string
	LastCheckpointStage string
	CheckpointHash      string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	StartedAt           *time.Time
}

// Annotation is a user's Position-anchored highlight/note, reattached to a
// semantic chunk during import/export by (document_id, chunk_id) plus a
// confidence-scored textual recovery tier when the chunk ID no longer matches.
type Annotation struct {
	ID           uuid.UUID
	UserID       string
	DocumentID   uuid.UUID
	ChunkID      uuid.UUID
	StartOffset  int
	EndOffset    int
	OriginalText string
	Type         string
	Content      map[string]any
	SyncMethod   string
	SyncConfidence float64
}
