package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/toph420/rhizome-worker/internal/config"
	"github.com/toph420/rhizome-worker/internal/jobqueue"
	"github.com/toph420/rhizome-worker/internal/store"
)

// fakeQueue is an in-memory JobQueue stand-in driven directly by tests,
// sufficient to exercise the poll/dispatch/heartbeat loop without Postgres.
type fakeQueue struct {
	mu        sync.Mutex
	pending   []*store.BackgroundJob
	byID      map[uuid.UUID]*store.BackgroundJob
	completed map[uuid.UUID]store.JobPayload
	failed    map[uuid.UUID]string
	stale     []store.BackgroundJob
	requeued  []uuid.UUID
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		byID:      map[uuid.UUID]*store.BackgroundJob{},
		completed: map[uuid.UUID]store.JobPayload{},
		failed:    map[uuid.UUID]string{},
	}
}

func (q *fakeQueue) enqueue(j *store.BackgroundJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j.Status = store.JobPending
	q.pending = append(q.pending, j)
	q.byID[j.ID] = j
}

func (q *fakeQueue) Claim(ctx context.Context) (*store.BackgroundJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, jobqueue.ErrNotClaimable
	}
	j := q.pending[0]
	q.pending = q.pending[1:]
	j.Status = store.JobProcessing
	return j, nil
}

func (q *fakeQueue) Heartbeat(ctx context.Context, id uuid.UUID) error { return nil }

func (q *fakeQueue) UpdateProgress(ctx context.Context, id uuid.UUID, p store.Progress) error {
	return nil
}

func (q *fakeQueue) RecordCheckpoint(ctx context.Context, id uuid.UUID, stage, path, hash string) error {
	return nil
}

func (q *fakeQueue) Complete(ctx context.Context, id uuid.UUID, output store.JobPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed[id] = output
	if j, ok := q.byID[id]; ok {
		j.Status = store.JobCompleted
	}
	return nil
}

func (q *fakeQueue) Fail(ctx context.Context, id uuid.UUID, errMsg string, nextRetry *time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = errMsg
	if j, ok := q.byID[id]; ok {
		j.Status = store.JobFailed
	}
	return nil
}

func (q *fakeQueue) Get(ctx context.Context, id uuid.UUID) (*store.BackgroundJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (q *fakeQueue) StaleJobs(ctx context.Context, threshold time.Duration) ([]store.BackgroundJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]store.BackgroundJob(nil), q.stale...), nil
}

func (q *fakeQueue) Requeue(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeued = append(q.requeued, id)
	return nil
}

func testConfig() config.WorkerConfig {
	return config.WorkerConfig{
		PollInterval:      10 * time.Millisecond,
		RetryScanInterval: 15 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		StaleAfter:        time.Minute,
		MaxRetries:        3,
		MaxBackoff:        30 * time.Minute,
		Concurrency:       2,
	}
}

func TestWorker_ClaimsAndCompletesJob(t *testing.T) {
	q := newFakeQueue()
	jobID := uuid.New()
	q.enqueue(&store.BackgroundJob{ID: jobID, JobType: "noop", MaxRetries: 3})

	ran := make(chan struct{}, 1)
	handlers := map[store.JobType]Handler{
		"noop": func(ctx context.Context, job *store.BackgroundJob, progress ProgressFunc) (store.JobPayload, error) {
			ran <- struct{}{}
			return store.JobPayload{DocumentID: "done"}, nil
		},
	}

	w := New(q, handlers, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() { _ = w.Run(ctx); close(done) }()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	<-done

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Equal(t, store.JobCompleted, q.byID[jobID].Status)
	require.Equal(t, "done", q.completed[jobID].DocumentID)
}

func TestWorker_FailedHandlerMarksJobFailed(t *testing.T) {
	q := newFakeQueue()
	jobID := uuid.New()
	q.enqueue(&store.BackgroundJob{ID: jobID, JobType: "boom", MaxRetries: 3})

	handlers := map[store.JobType]Handler{
		"boom": func(ctx context.Context, job *store.BackgroundJob, progress ProgressFunc) (store.JobPayload, error) {
			return store.JobPayload{}, errors.New("permanent: invalid document format")
		},
	}

	w := New(q, handlers, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Equal(t, store.JobFailed, q.byID[jobID].Status)
	require.Contains(t, q.failed[jobID], "invalid document format")
}

func TestWorker_UnknownJobTypeFailsImmediately(t *testing.T) {
	q := newFakeQueue()
	jobID := uuid.New()
	q.enqueue(&store.BackgroundJob{ID: jobID, JobType: "mystery", MaxRetries: 3})

	w := New(q, map[store.JobType]Handler{}, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Equal(t, store.JobFailed, q.byID[jobID].Status)
}

func TestWorker_ReclaimsStaleJobs(t *testing.T) {
	q := newFakeQueue()
	staleID := uuid.New()
	q.stale = []store.BackgroundJob{{ID: staleID, JobType: "noop"}}

	w := New(q, map[store.JobType]Handler{}, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Contains(t, q.requeued, staleID)
}

func TestWorker_RespectsConcurrencyLimit(t *testing.T) {
	q := newFakeQueue()
	for i := 0; i < 5; i++ {
		q.enqueue(&store.BackgroundJob{ID: uuid.New(), JobType: "slow", MaxRetries: 3})
	}

	var mu sync.Mutex
	concurrent, peak := 0, 0
	release := make(chan struct{})
	handlers := map[store.JobType]Handler{
		"slow": func(ctx context.Context, job *store.BackgroundJob, progress ProgressFunc) (store.JobPayload, error) {
			mu.Lock()
			concurrent++
			if concurrent > peak {
				peak = concurrent
			}
			mu.Unlock()
			<-release
			mu.Lock()
			concurrent--
			mu.Unlock()
			return store.JobPayload{}, nil
		},
	}

	cfg := testConfig()
	cfg.Concurrency = 2
	w := New(q, handlers, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()

	time.Sleep(150 * time.Millisecond)
	close(release)
	time.Sleep(100 * time.Millisecond)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, peak, 2)
}
