// Package checkpoint implements stage-level resume: every pause-safe
// pipeline stage writes a content-hashed envelope to object storage so a
// restarted job can detect whether prior work is still valid and skip
// straight to the next stage instead of recomputing it.
package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/toph420/rhizome-worker/internal/objectstore"
)

// Stage names the pipeline stages that can be checkpointed.
type Stage string

const (
	StageExtraction Stage = "extraction"
	StageCleanup    Stage = "cleanup"
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
	StageCompletion Stage = "completion"
)

// nextStage maps a completed checkpoint stage to the stage a resumed job
// should continue from, per the fixed successor table.
var nextStage = map[Stage]Stage{
	StageExtraction: StageChunking,
	StageCleanup:    StageChunking,
	StageChunking:   StageEmbedding,
	StageEmbedding:  StageCompletion,
}

// ResumeStageAfter returns the stage execution should continue from given
// the last successfully checkpointed stage.
func ResumeStageAfter(last Stage) (Stage, bool) {
	s, ok := nextStage[last]
	return s, ok
}

// Envelope is the on-disk checkpoint payload.
type Envelope struct {
	Stage     Stage           `json:"stage"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Store reads and writes checkpoint envelopes at {user}/{doc}/stage-{stage}.json.
type Store struct {
	objects objectstore.ObjectStore
}

// New builds a checkpoint Store over the given object store.
func New(objects objectstore.ObjectStore) *Store {
	return &Store{objects: objects}
}

func keyFor(userID, documentID string, stage Stage) string {
	return fmt.Sprintf("%s/%s/stage-%s.json", userID, documentID, stage)
}

// Hash computes the first 16 hex characters of the SHA-256 digest of data,
// used to detect whether a stage's input has changed since it last ran.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// Write persists a checkpoint envelope for the given stage and returns the
// hash of the data payload, for the caller to compare against on resume.
func (s *Store) Write(ctx context.Context, userID, documentID string, stage Stage, data any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint data: %w", err)
	}
	env := Envelope{Stage: stage, Data: raw, Timestamp: time.Now().UTC()}
	buf, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	key := keyFor(userID, documentID, stage)
	if _, err := s.objects.Put(ctx, key, bytes.NewReader(buf), objectstore.PutOptions{ContentType: "application/json"}); err != nil {
		return "", fmt.Errorf("put checkpoint %s: %w", key, err)
	}
	return Hash(raw), nil
}

// Read loads the checkpoint envelope for a stage. Returns
// objectstore.ErrNotFound when no checkpoint exists yet — callers should
// treat that as "run the stage fresh", never as fatal.
func (s *Store) Read(ctx context.Context, userID, documentID string, stage Stage) (*Envelope, error) {
	key := keyFor(userID, documentID, stage)
	r, _, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", key, err)
	}
	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", key, err)
	}
	return &env, nil
}

// Valid reports whether a read checkpoint's stored data still matches the
// current hash of the caller's recomputed input. A mismatch means the
// upstream input changed and the stage must rerun — never treated as an error.
func Valid(env *Envelope, currentHash string) bool {
	if env == nil {
		return false
	}
	return Hash(env.Data) == currentHash
}

// ErrStale is a sentinel a caller may use to signal a hash mismatch up the
// call stack without treating it as a hard failure.
var ErrStale = errors.New("checkpoint: stage input changed, rerun required")
