package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateError(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantLen int
	}{
		{name: "empty", input: "", wantLen: 0},
		{name: "short message unchanged", input: "clone failed", wantLen: 12},
		{name: "exactly 500 chars unchanged", input: strings.Repeat("a", 500), wantLen: 500},
		{name: "501 chars truncated", input: strings.Repeat("b", 501), wantLen: 500},
		{name: "long stack trace truncated", input: strings.Repeat("c", 5000), wantLen: 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateError(tt.input)
			assert.Len(t, got, tt.wantLen)
			if tt.wantLen > 0 {
				assert.Equal(t, tt.input[:tt.wantLen], got)
			}
		})
	}
}

func TestDefaultQueueConfig(t *testing.T) {
	cfg := DefaultQueueConfig("scan_queue", "scan_queue_jobs", "repo_id")

	assert.Equal(t, "scan_queue", cfg.Name)
	assert.Equal(t, "scan_queue_jobs", cfg.TableName)
	assert.Equal(t, "repo_id", cfg.EntityIDColumn)
	assert.Equal(t, 2, cfg.MaxAttempts)
	assert.Equal(t, 5, cfg.BaseRetryDelaySec)
	assert.Equal(t, 100, cfg.KeepFinished)
}

func TestNewQueue_BackfillsZeroValues(t *testing.T) {
	q := NewQueue(nil, QueueConfig{
		Name:           "improve_queue",
		TableName:      "improve_queue_jobs",
		EntityIDColumn: "job_id",
	}, testLogger())

	assert.Equal(t, "improve_queue", q.Name())
	assert.Equal(t, 2, q.config.MaxAttempts)
	assert.Equal(t, 5, q.config.BaseRetryDelaySec)
	assert.Equal(t, 100, q.config.KeepFinished)
}

func TestRetryDelaySeconds(t *testing.T) {
	tests := []struct {
		name    string
		baseSec int
		attempt int
		want    int
	}{
		{name: "first attempt is base delay", baseSec: 5, attempt: 1, want: 5},
		{name: "second attempt doubles", baseSec: 5, attempt: 2, want: 10},
		{name: "third attempt doubles again", baseSec: 5, attempt: 3, want: 20},
		{name: "large attempt capped at one hour", baseSec: 5, attempt: 11, want: 3600},
		{name: "large base capped at one hour", baseSec: 3000, attempt: 2, want: 3600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryDelaySeconds(tt.baseSec, tt.attempt))
		})
	}
}

func TestScanJobKey(t *testing.T) {
	repoID := uuid.New()
	ts := time.UnixMilli(1700000000123)

	key := ScanJobKey(repoID, ts)

	assert.Equal(t, fmt.Sprintf("scan-%s-1700000000123", repoID), key)

	// The timestamp suffix keeps keys from different sweeps distinct.
	later := ScanJobKey(repoID, ts.Add(time.Second))
	assert.NotEqual(t, key, later)
}

func TestJobStatusConstants(t *testing.T) {
	assert.Equal(t, JobStatus("pending"), StatusPending)
	assert.Equal(t, JobStatus("processing"), StatusProcessing)
	assert.Equal(t, JobStatus("completed"), StatusCompleted)
	assert.Equal(t, JobStatus("failed"), StatusFailed)
}

func TestDefaultWorkerConfig(t *testing.T) {
	cfg := DefaultWorkerConfig("improve-worker", 1)

	assert.Equal(t, "improve-worker", cfg.Name)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, 10, cfg.StaleThresholdMinutes)
	assert.True(t, cfg.RecoverStaleOnStart)
}

func TestNewWorker_BackfillsZeroValues(t *testing.T) {
	w := NewWorker(WorkerConfig{Name: "w"}, nil, testLogger(), nil)

	assert.Equal(t, 2*time.Second, w.config.PollInterval)
	assert.Equal(t, 1, w.config.Concurrency)
	assert.Equal(t, 10, w.config.StaleThresholdMinutes)
	assert.False(t, w.IsRunning())
}

// fakeWorkerQueue records the worker's queue interactions in memory.
type fakeWorkerQueue struct {
	mu        sync.Mutex
	jobs      []ClaimedJob
	dequeues  []int
	completed []uuid.UUID
	failed    map[uuid.UUID]failedCall
	recovered bool
}

type failedCall struct {
	attemptCount int
	errMsg       string
}

func newFakeWorkerQueue(jobs ...ClaimedJob) *fakeWorkerQueue {
	return &fakeWorkerQueue{jobs: jobs, failed: make(map[uuid.UUID]failedCall)}
}

func (f *fakeWorkerQueue) Name() string { return "fake_queue" }

func (f *fakeWorkerQueue) Dequeue(_ context.Context, limit int) ([]ClaimedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dequeues = append(f.dequeues, limit)
	n := limit
	if n > len(f.jobs) {
		n = len(f.jobs)
	}
	claimed := f.jobs[:n]
	f.jobs = f.jobs[n:]
	return claimed, nil
}

func (f *fakeWorkerQueue) MarkCompleted(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeWorkerQueue) MarkFailed(_ context.Context, id uuid.UUID, attemptCount int, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = failedCall{attemptCount: attemptCount, errMsg: errMsg}
	return nil
}

func (f *fakeWorkerQueue) RecoverStale(_ context.Context, _ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = true
	return 0, nil
}

func (f *fakeWorkerQueue) completedIDs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.completed...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testWorker(cfg WorkerConfig, q workerQueue, process ProcessFunc) *Worker {
	return &Worker{
		config:    cfg,
		queue:     q,
		log:       testLogger(),
		process:   process,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func TestWorker_PollRespectsConcurrencyBound(t *testing.T) {
	fake := newFakeWorkerQueue(
		ClaimedJob{ID: uuid.New(), EntityID: uuid.New()},
		ClaimedJob{ID: uuid.New(), EntityID: uuid.New()},
		ClaimedJob{ID: uuid.New(), EntityID: uuid.New()},
		ClaimedJob{ID: uuid.New(), EntityID: uuid.New()},
	)

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	process := func(ctx context.Context, job ClaimedJob) error {
		started <- struct{}{}
		<-release
		return nil
	}

	w := testWorker(WorkerConfig{Name: "w", Concurrency: 2}, fake, process)

	// First poll claims up to the concurrency bound.
	w.poll(context.Background())
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for job to start")
		}
	}
	require.Equal(t, []int{2}, fake.dequeues)
	assert.Equal(t, 0, w.freeSlots())

	// With both slots occupied the worker must not dequeue at all.
	w.poll(context.Background())
	require.Equal(t, []int{2}, fake.dequeues)

	close(release)
	w.wg.Wait()

	// Slots are released and the remaining jobs can be claimed.
	assert.Equal(t, 2, w.freeSlots())
	w.poll(context.Background())
	w.wg.Wait()

	assert.Len(t, fake.completedIDs(), 4)
	assert.Empty(t, fake.failed)
}

func TestWorker_HandleRoutesResults(t *testing.T) {
	okJob := ClaimedJob{ID: uuid.New(), EntityID: uuid.New()}
	badJob := ClaimedJob{ID: uuid.New(), EntityID: uuid.New(), AttemptCount: 1}

	fake := newFakeWorkerQueue()
	process := func(ctx context.Context, job ClaimedJob) error {
		if job.ID == badJob.ID {
			return errors.New("sandbox exited non-zero")
		}
		return nil
	}
	w := testWorker(WorkerConfig{Name: "w", Concurrency: 1}, fake, process)

	w.handle(context.Background(), okJob)
	w.handle(context.Background(), badJob)

	assert.Equal(t, []uuid.UUID{okJob.ID}, fake.completedIDs())
	require.Contains(t, fake.failed, badJob.ID)
	assert.Equal(t, 1, fake.failed[badJob.ID].attemptCount)
	assert.Equal(t, "sandbox exited non-zero", fake.failed[badJob.ID].errMsg)
}

func TestWorker_StartStopLifecycle(t *testing.T) {
	job := ClaimedJob{ID: uuid.New(), EntityID: uuid.New()}
	fake := newFakeWorkerQueue(job)

	done := make(chan uuid.UUID, 1)
	process := func(ctx context.Context, j ClaimedJob) error {
		done <- j.ID
		return nil
	}

	w := testWorker(WorkerConfig{
		Name:                  "w",
		PollInterval:          5 * time.Millisecond,
		Concurrency:           1,
		StaleThresholdMinutes: 10,
		RecoverStaleOnStart:   true,
	}, fake, process)

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())
	assert.True(t, fake.recovered)

	// Start is idempotent.
	require.NoError(t, w.Start(context.Background()))

	select {
	case got := <-done:
		assert.Equal(t, job.ID, got)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never processed the queued job")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
	assert.False(t, w.IsRunning())

	// Graceful stop waited for the in-flight job's ack.
	assert.Equal(t, []uuid.UUID{job.ID}, fake.completedIDs())
}
