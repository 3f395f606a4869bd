// Package jobqueue implements the single-writer-per-job background job
// queue: atomic claim, heartbeat, progress updates, and the terminal
// transitions (complete/fail/pause/resume/cancel/remove).
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/toph420/rhizome-worker/internal/store"
)

// ErrNotClaimable is returned by Claim when no pending job is ready.
var ErrNotClaimable = errors.New("jobqueue: no claimable job")

// ErrNotFound mirrors store.ErrNotFound for queue-local lookups.
var ErrNotFound = store.ErrNotFound

// Queue is the Postgres-backed job queue.
type Queue struct {
	pool      *pgxpool.Pool
	fastClaim *FastClaimLock
}

// New wraps an existing pool. The schema is bootstrapped by store.Postgres.
func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// UseFastClaimLock enables the optional Redis claim-turn fast path. Call
// with nil (the default) to leave every Claim going straight to Postgres.
func (q *Queue) UseFastClaimLock(lock *FastClaimLock) {
	q.fastClaim = lock
}

// claimLockTTL bounds how long a worker can hold the claim-turn lock
// before another worker is allowed to proceed even if Release was never
// called (process crash, missed deferred call).
const claimLockTTL = 2 * time.Second

// Enqueue inserts a new pending job.
func (q *Queue) Enqueue(ctx context.Context, jobType store.JobType, userID string, documentID *uuid.UUID, input store.JobPayload, maxRetries int) (uuid.UUID, error) {
	id := uuid.New()
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return uuid.Nil, err
	}
	progress, _ := json.Marshal(store.Progress{Percent: 0, Stage: "queued"})
	_, err = q.pool.Exec(ctx, `
		INSERT INTO background_jobs (id, job_type, status, document_id, user_id, input_data, progress, max_retries)
		VALUES ($1,$2,'pending',$3,$4,$5,$6,$7)`,
		id, jobType, documentID, userID, inputJSON, progress, maxRetries)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// Claim atomically picks the oldest pending (or due-for-retry) job and
// marks it processing, so exactly one worker process ever owns a given
// job at a time.
func (q *Queue) Claim(ctx context.Context) (*store.BackgroundJob, error) {
	if q.fastClaim != nil {
		acquired, err := q.fastClaim.Acquire(ctx, claimLockTTL)
		if err != nil {
			// Redis unavailable: degrade to querying Postgres directly.
			acquired = true
		}
		if !acquired {
			return nil, ErrNotClaimable
		}
		defer func() { _ = q.fastClaim.Release(context.WithoutCancel(ctx)) }()
	}
	row := q.pool.QueryRow(ctx, `
		UPDATE background_jobs
		SET status='processing', started_at=COALESCE(started_at, now()), updated_at=now()
		WHERE id = (
			SELECT id FROM background_jobs
			WHERE (status='pending')
			   OR (status='failed' AND retry_count < max_retries AND next_retry_at IS NOT NULL AND next_retry_at <= now())
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, job_type, status, document_id, user_id, input_data, output_data, progress,
			retry_count, max_retries, next_retry_at, error_message, paused_at, resumed_at, resume_count,
			last_checkpoint_path, last_checkpoint_stage, checkpoint_hash, created_at, updated_at, started_at`)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotClaimable
		}
		return nil, err
	}
	return job, nil
}

// Heartbeat bumps updated_at to signal the owning worker is still alive.
// It runs from an independent goroutine decoupled from handler execution
// so a long synchronous stage does not starve the liveness signal.
func (q *Queue) Heartbeat(ctx context.Context, id uuid.UUID) error {
	ct, err := q.pool.Exec(ctx, `UPDATE background_jobs SET updated_at=now() WHERE id=$1 AND status='processing'`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProgress writes the percent/stage/checkpoint payload.
func (q *Queue) UpdateProgress(ctx context.Context, id uuid.UUID, p store.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = q.pool.Exec(ctx, `UPDATE background_jobs SET progress=$1, updated_at=now() WHERE id=$2`, data, id)
	return err
}

// RecordCheckpoint stores the resumable checkpoint pointer on the job row.
func (q *Queue) RecordCheckpoint(ctx context.Context, id uuid.UUID, stage, path, hash string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE background_jobs
		SET last_checkpoint_stage=$1, last_checkpoint_path=$2, checkpoint_hash=$3, updated_at=now()
		WHERE id=$4`, stage, path, hash, id)
	return err
}

// Complete marks a job finished successfully and stores its output.
func (q *Queue) Complete(ctx context.Context, id uuid.UUID, output store.JobPayload) error {
	data, err := json.Marshal(output)
	if err != nil {
		return err
	}
	progress, _ := json.Marshal(store.Progress{Percent: 100, Stage: "completed"})
	_, err = q.pool.Exec(ctx, `
		UPDATE background_jobs SET status='completed', output_data=$1, progress=$2, updated_at=now() WHERE id=$3`,
		data, progress, id)
	return err
}

// Fail records an error and schedules exponential-backoff retry, or moves
// the job to its terminal failed state once retries are exhausted.
// nextRetry is nil when the classifier decided the error is non-retryable.
func (q *Queue) Fail(ctx context.Context, id uuid.UUID, errMsg string, nextRetry *time.Time) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE background_jobs
		SET status='failed', error_message=$1, retry_count=retry_count+1, next_retry_at=$2, updated_at=now()
		WHERE id=$3`, errMsg, nextRetry, id)
	return err
}

// Pause cooperatively stops a processing job at its next IO boundary.
func (q *Queue) Pause(ctx context.Context, id uuid.UUID) error {
	ct, err := q.pool.Exec(ctx, `
		UPDATE background_jobs SET status='paused', paused_at=now(), updated_at=now()
		WHERE id=$1 AND status IN ('pending','processing')`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Resume reactivates a paused job so the next poll cycle can claim it again.
func (q *Queue) Resume(ctx context.Context, id uuid.UUID) error {
	ct, err := q.pool.Exec(ctx, `
		UPDATE background_jobs
		SET status='pending', resumed_at=now(), resume_count=resume_count+1, updated_at=now()
		WHERE id=$1 AND status='paused'`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Cancel marks a job cancelled regardless of its current non-terminal state.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) error {
	ct, err := q.pool.Exec(ctx, `
		UPDATE background_jobs SET status='cancelled', updated_at=now()
		WHERE id=$1 AND status NOT IN ('completed','cancelled')`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Remove deletes a job row outright (used after export/cleanup windows).
func (q *Queue) Remove(ctx context.Context, id uuid.UUID) error {
	ct, err := q.pool.Exec(ctx, `DELETE FROM background_jobs WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches a job by ID.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*store.BackgroundJob, error) {
	row := q.pool.QueryRow(ctx, `
		SELECT id, job_type, status, document_id, user_id, input_data, output_data, progress,
			retry_count, max_retries, next_retry_at, error_message, paused_at, resumed_at, resume_count,
			last_checkpoint_path, last_checkpoint_stage, checkpoint_hash, created_at, updated_at, started_at
		FROM background_jobs WHERE id=$1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// StaleJobs returns processing jobs whose updated_at is older than the
// given threshold — candidates for requeue by a janitor sweep.
func (q *Queue) StaleJobs(ctx context.Context, threshold time.Duration) ([]store.BackgroundJob, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT id, job_type, status, document_id, user_id, input_data, output_data, progress,
			retry_count, max_retries, next_retry_at, error_message, paused_at, resumed_at, resume_count,
			last_checkpoint_path, last_checkpoint_stage, checkpoint_hash, created_at, updated_at, started_at
		FROM background_jobs WHERE status='processing' AND updated_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(threshold.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.BackgroundJob
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// Requeue resets a stale/orphaned job back to pending so another worker can claim it.
func (q *Queue) Requeue(ctx context.Context, id uuid.UUID) error {
	_, err := q.pool.Exec(ctx, `UPDATE background_jobs SET status='pending', updated_at=now() WHERE id=$1`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row pgx.Row) (*store.BackgroundJob, error) {
	return scanJobRows(row)
}

func scanJobRows(row rowScanner) (*store.BackgroundJob, error) {
	var j store.BackgroundJob
	var inputRaw, outputRaw, progressRaw []byte
	if err := row.Scan(&j.ID, &j.JobType, &j.Status, &j.DocumentID, &j.UserID, &inputRaw, &outputRaw, &progressRaw,
		&j.RetryCount, &j.MaxRetries, &j.NextRetryAt, &j.ErrorMessage, &j.PausedAt, &j.ResumedAt, &j.ResumeCount,
		&j.LastCheckpointPath, &j.LastCheckpointStage, &j.CheckpointHash, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt,
	); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(inputRaw, &j.InputData)
	if len(outputRaw) > 0 {
		var out store.JobPayload
		_ = json.Unmarshal(outputRaw, &out)
		j.OutputData = &out
	}
	_ = json.Unmarshal(progressRaw, &j.Progress)
	return &j, nil
}
