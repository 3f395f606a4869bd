// Package worker implements the poll/claim/dispatch loop: a tight poll
// ticker claims pending and retry-due jobs, a slower retry-scan ticker
// reclaims stale in-flight jobs, and a bounded pool of goroutines runs
// claimed jobs through the handler registered for their job_type, sending
// a heartbeat on its own ticker for as long as the handler runs.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toph420/rhizome-worker/internal/config"
	"github.com/toph420/rhizome-worker/internal/jobqueue"
	"github.com/toph420/rhizome-worker/internal/observability"
	"github.com/toph420/rhizome-worker/internal/retry"
	"github.com/toph420/rhizome-worker/internal/store"
)

// JobQueue is the subset of jobqueue.Queue a Worker drives. *jobqueue.Queue
// satisfies it; narrowing to an interface keeps the loop testable against
// an in-memory fake.
type JobQueue interface {
	Claim(ctx context.Context) (*store.BackgroundJob, error)
	Heartbeat(ctx context.Context, id uuid.UUID) error
	UpdateProgress(ctx context.Context, id uuid.UUID, p store.Progress) error
	RecordCheckpoint(ctx context.Context, id uuid.UUID, stage, path, hash string) error
	Complete(ctx context.Context, id uuid.UUID, output store.JobPayload) error
	Fail(ctx context.Context, id uuid.UUID, errMsg string, nextRetry *time.Time) error
	Get(ctx context.Context, id uuid.UUID) (*store.BackgroundJob, error)
	StaleJobs(ctx context.Context, threshold time.Duration) ([]store.BackgroundJob, error)
	Requeue(ctx context.Context, id uuid.UUID) error
}

// ProgressFunc is handed to a Handler so it can report percent/stage back
// to the job row without knowing about the queue directly.
type ProgressFunc func(ctx context.Context, percent int, stage, details string) error

// Handler runs one job and returns the payload to store as output_data.
// A Handler should check ctx.Err() at IO boundaries — the worker cancels
// the context the moment it observes the job has been paused or cancelled.
type Handler func(ctx context.Context, job *store.BackgroundJob, progress ProgressFunc) (store.JobPayload, error)

// Worker owns the claim loop and dispatches claimed jobs to registered
// handlers, at most Config.Concurrency running at once.
type Worker struct {
	Queue    JobQueue
	Handlers map[store.JobType]Handler
	Config   config.WorkerConfig

	wg  sync.WaitGroup
	sem chan struct{}
}

// New builds a Worker; Config.Concurrency is clamped to at least 1.
func New(q JobQueue, handlers map[store.JobType]Handler, cfg config.WorkerConfig) *Worker {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		Queue:    q,
		Handlers: handlers,
		Config:   cfg,
		sem:      make(chan struct{}, concurrency),
	}
}

// Run blocks until ctx is cancelled, polling for claimable jobs on
// PollInterval and sweeping stale in-flight jobs back to pending on
// RetryScanInterval. It waits for all in-flight handlers to return before
// returning itself, so a caller can rely on Run's return as "fully stopped".
func (w *Worker) Run(ctx context.Context) error {
	log := observability.LoggerWithTrace(ctx)
	log.Info().Msg("worker starting")

	pollTicker := time.NewTicker(w.Config.PollInterval)
	defer pollTicker.Stop()
	retryTicker := time.NewTicker(w.Config.RetryScanInterval)
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			log.Info().Msg("worker stopped")
			return nil
		case <-pollTicker.C:
			w.drainClaimable(ctx)
		case <-retryTicker.C:
			w.reclaimStale(ctx)
		}
	}
}

// drainClaimable claims jobs until either no claimable job remains or
// every concurrency slot is occupied, dispatching each to its own goroutine.
func (w *Worker) drainClaimable(ctx context.Context) {
	log := observability.LoggerWithTrace(ctx)
	for {
		select {
		case w.sem <- struct{}{}:
		default:
			return // every slot is busy; wait for the next poll tick
		}

		job, err := w.Queue.Claim(ctx)
		if err != nil {
			<-w.sem
			if !errors.Is(err, jobqueue.ErrNotClaimable) {
				log.Error().Err(err).Msg("claim failed")
			}
			return
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.runJob(ctx, job)
		}()
	}
}

// reclaimStale requeues any processing job whose last heartbeat is older
// than StaleAfter, the recovery path for a worker process that died
// mid-job without ever reaching Fail or Complete.
func (w *Worker) reclaimStale(ctx context.Context) {
	log := observability.LoggerWithTrace(ctx)
	stale, err := w.Queue.StaleJobs(ctx, w.Config.StaleAfter)
	if err != nil {
		log.Error().Err(err).Msg("stale job scan failed")
		return
	}
	for _, j := range stale {
		if err := w.Queue.Requeue(ctx, j.ID); err != nil {
			log.Error().Err(err).Str("job_id", j.ID.String()).Msg("requeue stale job failed")
			continue
		}
		log.Warn().Str("job_id", j.ID.String()).Str("job_type", string(j.JobType)).Msg("reclaimed stale job")
	}
}

// runJob runs a single claimed job to completion: starts its heartbeat,
// dispatches to the registered handler, and records the terminal outcome.
func (w *Worker) runJob(ctx context.Context, job *store.BackgroundJob) {
	log := observability.LoggerWithTrace(ctx).With().
		Str("job_id", job.ID.String()).
		Str("job_type", string(job.JobType)).
		Logger()

	handler, ok := w.Handlers[job.JobType]
	if !ok {
		msg := "no handler registered for job_type " + string(job.JobType)
		log.Error().Msg(msg)
		w.fail(ctx, job, errors.New(msg))
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbDone := make(chan struct{})
	go w.heartbeat(jobCtx, job.ID, cancel, hbDone)
	defer func() { <-hbDone }()

	progress := func(pctx context.Context, percent int, stage, details string) error {
		return w.Queue.UpdateProgress(pctx, job.ID, store.Progress{Percent: percent, Stage: stage, Details: details})
	}

	log.Info().Msg("job started")
	output, err := handler(jobCtx, job, progress)
	if err != nil {
		if jobCtx.Err() != nil && ctx.Err() == nil {
			// cancelled by the heartbeat goroutine observing pause/cancel,
			// not by a real failure or process shutdown; leave the job row
			// exactly as Pause/Cancel already left it.
			log.Info().Msg("job stopped: paused or cancelled")
			return
		}
		log.Error().Err(err).Msg("job failed")
		w.fail(ctx, job, err)
		return
	}

	if err := w.Queue.Complete(ctx, job.ID, output); err != nil {
		log.Error().Err(err).Msg("complete failed")
		return
	}
	log.Info().Msg("job completed")
}

// heartbeat pings the job row on HeartbeatInterval for as long as jobCtx
// is alive, and cancels jobCtx the moment it observes the job is no
// longer processing (paused, cancelled, or vanished), so a running
// handler gets a cooperative signal to stop at its next IO boundary.
func (w *Worker) heartbeat(jobCtx context.Context, id uuid.UUID, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.Config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-jobCtx.Done():
			return
		case <-ticker.C:
			if err := w.Queue.Heartbeat(jobCtx, id); err != nil {
				return
			}
			job, err := w.Queue.Get(jobCtx, id)
			if err != nil {
				return
			}
			if job.Status == store.JobPaused || job.Status == store.JobCancelled {
				cancel()
				return
			}
		}
	}
}

// fail classifies the error and schedules a retry if the kind is
// retryable and the job has budget left, mirroring the exponential
// backoff schedule in the retry package.
func (w *Worker) fail(ctx context.Context, job *store.BackgroundJob, jobErr error) {
	kind := retry.Classify(jobErr.Error())
	var nextRetry *time.Time
	if retry.Retryable(kind) {
		nextRetry = retry.NextRetryAt(time.Now().UTC(), kind, job.RetryCount, job.MaxRetries)
	}
	if err := w.Queue.Fail(ctx, job.ID, jobErr.Error(), nextRetry); err != nil {
		observability.LoggerWithTrace(ctx).Error().Err(err).Str("job_id", job.ID.String()).Msg("mark failed failed")
	}
}
