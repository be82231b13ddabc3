package workers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Coding-for-Machine/video-transcoder/models"
	"github.com/Coding-for-Machine/video-transcoder/services"
)

type requeued struct {
	job   models.EncodingJob
	delay time.Duration
}

type fakeEncodeQueue struct {
	jobs chan models.EncodingJob

	mu       sync.Mutex
	requeues []requeued
	states   map[uuid.UUID][]models.JobState
}

func newFakeEncodeQueue(jobs ...models.EncodingJob) *fakeEncodeQueue {
	q := &fakeEncodeQueue{
		jobs:   make(chan models.EncodingJob, len(jobs)+1),
		states: make(map[uuid.UUID][]models.JobState),
	}
	for _, j := range jobs {
		q.jobs <- j
	}
	return q
}

func (q *fakeEncodeQueue) DequeueEncode(ctx context.Context, timeout time.Duration) (*models.EncodingJob, error) {
	select {
	case j := <-q.jobs:
		return &j, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *fakeEncodeQueue) RequeueEncode(_ context.Context, job models.EncodingJob, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeues = append(q.requeues, requeued{job: job, delay: delay})
	return nil
}

func (q *fakeEncodeQueue) SetProgress(_ context.Context, videoID uuid.UUID, state models.JobState, _ int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.states[videoID] = append(q.states[videoID], state)
	return nil
}

func (q *fakeEncodeQueue) Reporter(context.Context, uuid.UUID) services.ProgressReporter {
	return services.NoProgress{}
}

func (q *fakeEncodeQueue) lastState(id uuid.UUID) models.JobState {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.states[id]
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

type processorFunc func(ctx context.Context, job models.EncodingJob) (models.JobOutcome, error)

func (f processorFunc) ProcessVideo(ctx context.Context, job models.EncodingJob, _ services.ProgressReporter) (models.JobOutcome, error) {
	return f(ctx, job)
}

func failing(err error) processorFunc {
	return func(_ context.Context, job models.EncodingJob) (models.JobOutcome, error) {
		return models.JobOutcome{Kind: models.OutcomeFailed, VideoID: job.VideoID, Reason: err.Error()}, err
	}
}

func testOptions() Options {
	return Options{
		Concurrency:  2,
		MaxAttempts:  3,
		RetryBackoff: time.Second,
		PollTimeout:  10 * time.Millisecond,
		ErrorBackoff: 10 * time.Millisecond,
	}
}

func TestVideoWorker_RequeuesRetryableFailure(t *testing.T) {
	q := newFakeEncodeQueue()
	job := models.EncodingJob{VideoID: uuid.New(), RawFilePath: "raw/a.mp4", Attempt: 2}
	storageErr := &models.StorageError{Op: "get", Bucket: "raw", Key: "raw/a.mp4", Err: errors.New("timeout")}
	w := NewVideoProcessingWorker(q, failing(storageErr), testOptions(), zerolog.Nop())

	w.handle(context.Background(), job, zerolog.Nop())

	require.Len(t, q.requeues, 1)
	assert.Equal(t, 3, q.requeues[0].job.Attempt)
	assert.Equal(t, 2*time.Second, q.requeues[0].delay)
	assert.Equal(t, models.JobFailed, q.lastState(job.VideoID))
}

func TestVideoWorker_DoesNotRequeue(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		err     error
	}{
		{"validation error", 1, &models.ValidationError{Field: "duration", Reason: "too long"}},
		{"cancelled", 1, &models.CancellationError{VideoID: uuid.New()}},
		{"not found", 1, &models.NotFoundError{VideoID: uuid.New()}},
		{"attempts exhausted", 3, errors.New("transient")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newFakeEncodeQueue()
			w := NewVideoProcessingWorker(q, failing(tt.err), testOptions(), zerolog.Nop())

			w.handle(context.Background(), models.EncodingJob{VideoID: uuid.New(), Attempt: tt.attempt}, zerolog.Nop())
			assert.Empty(t, q.requeues)
		})
	}
}

func TestVideoWorker_ShutdownRequeuesSameAttempt(t *testing.T) {
	q := newFakeEncodeQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := NewVideoProcessingWorker(q, failing(context.Canceled), testOptions(), zerolog.Nop())

	job := models.EncodingJob{VideoID: uuid.New(), Attempt: 3}
	w.handle(ctx, job, zerolog.Nop())

	require.Len(t, q.requeues, 1)
	assert.Equal(t, job, q.requeues[0].job)
	assert.Zero(t, q.requeues[0].delay)
}

func TestVideoWorker_RunProcessesQueueUntilCancelled(t *testing.T) {
	jobs := []models.EncodingJob{
		{VideoID: uuid.New(), Attempt: 1},
		{VideoID: uuid.New(), Attempt: 1},
		{VideoID: uuid.New()},
	}
	q := newFakeEncodeQueue(jobs...)

	var mu sync.Mutex
	seen := map[uuid.UUID]int{}
	done := make(chan struct{})
	proc := processorFunc(func(_ context.Context, job models.EncodingJob) (models.JobOutcome, error) {
		mu.Lock()
		defer mu.Unlock()
		seen[job.VideoID] = job.Attempt
		if len(seen) == len(jobs) {
			close(done)
		}
		return models.JobOutcome{Kind: models.OutcomeSucceeded, VideoID: job.VideoID}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	w := NewVideoProcessingWorker(q, proc, testOptions(), zerolog.Nop())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("jobs were not processed")
	}
	cancel()
	require.NoError(t, <-errCh)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen[jobs[2].VideoID], "missing attempt defaults to 1")
	for _, j := range jobs {
		assert.Equal(t, models.JobCompleted, q.lastState(j.VideoID))
	}
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 30*time.Second, backoff(30*time.Second, 1))
	assert.Equal(t, 60*time.Second, backoff(30*time.Second, 2))
	assert.Equal(t, 120*time.Second, backoff(30*time.Second, 3))
	assert.Equal(t, time.Hour, backoff(30*time.Minute, 5))
}

type fakeRetryQueue struct {
	mu       sync.Mutex
	enqueued []models.QualityRetryJob
}

func (q *fakeRetryQueue) DequeueRetry(ctx context.Context, timeout time.Duration) (*models.QualityRetryJob, error) {
	select {
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *fakeRetryQueue) EnqueueRetry(_ context.Context, job models.QualityRetryJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, job)
	return nil
}

type retryProcessorFunc func(ctx context.Context, job models.QualityRetryJob) (models.JobOutcome, error)

func (f retryProcessorFunc) ProcessRetry(ctx context.Context, job models.QualityRetryJob, _ services.ProgressReporter) (models.JobOutcome, error) {
	return f(ctx, job)
}

func TestRetryWorker_ShutdownPutsJobBack(t *testing.T) {
	q := &fakeRetryQueue{}
	proc := retryProcessorFunc(func(ctx context.Context, job models.QualityRetryJob) (models.JobOutcome, error) {
		return models.JobOutcome{Kind: models.OutcomeFailed}, ctx.Err()
	})
	w := NewQualityRetryWorker(q, proc, testOptions(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := models.QualityRetryJob{VideoID: uuid.New(), QualityName: "720p", RetryCount: 2, Priority: 3}
	w.handle(ctx, job, zerolog.Nop())

	require.Len(t, q.enqueued, 1)
	assert.Equal(t, job, q.enqueued[0])
}

// The retry service schedules RetryCount+1 itself; requeueing here as well
// would run the same attempt twice.
func TestRetryWorker_FailureLeavesReschedulingToService(t *testing.T) {
	q := &fakeRetryQueue{}
	proc := retryProcessorFunc(func(context.Context, models.QualityRetryJob) (models.JobOutcome, error) {
		return models.JobOutcome{Kind: models.OutcomeFailed}, errors.New("storage down")
	})
	w := NewQualityRetryWorker(q, proc, testOptions(), zerolog.Nop())

	w.handle(context.Background(), models.QualityRetryJob{VideoID: uuid.New(), QualityName: "480p", RetryCount: 1}, zerolog.Nop())
	assert.Empty(t, q.enqueued)
}

type fakeDelayedQueue struct {
	promoted int
	calls    int
}

func (q *fakeDelayedQueue) PromoteDue(context.Context) (int, error) {
	q.calls++
	return q.promoted, nil
}

func (q *fakeDelayedQueue) Depths(context.Context) (map[string]int64, error) {
	return map[string]int64{"encode": 4, "retry": 1}, nil
}

func TestIsJobDir(t *testing.T) {
	id := uuid.NewString()
	assert.True(t, isJobDir(id+"-123456"))
	assert.True(t, isJobDir(id+"-720p-987"))
	assert.False(t, isJobDir(id))
	assert.False(t, isJobDir("go-build123456"))
	assert.False(t, isJobDir("not-a-uuid-not-a-uuid-not-a-uuid-xxx-1"))
}

func TestMaintenanceWorker_SweepsOnlyOldJobDirs(t *testing.T) {
	root := t.TempDir()
	old := filepath.Join(root, uuid.NewString()+"-111")
	fresh := filepath.Join(root, uuid.NewString()+"-222")
	unrelated := filepath.Join(root, "something-else")
	for _, d := range []string{old, fresh, unrelated} {
		require.NoError(t, os.MkdirAll(filepath.Join(d, "hls"), 0o755))
	}
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(unrelated, past, past))

	q := &fakeDelayedQueue{promoted: 2}
	w := NewMaintenanceWorker(q, root, 6*time.Hour, time.Minute, zerolog.Nop())
	w.tick(context.Background())

	assert.Equal(t, 1, q.calls)
	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
	assert.DirExists(t, unrelated)
}

func TestMaintenanceWorker_RunStopsOnCancel(t *testing.T) {
	q := &fakeDelayedQueue{}
	w := NewMaintenanceWorker(q, "", 0, 5*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, w.Run(ctx))
	assert.Positive(t, q.calls)
}
