package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "coverforge_queue_jobs_total",
	Help: "Queue jobs processed, partitioned by queue and result.",
}, []string{"queue", "result"})

// WorkerConfig contains configuration for a queue worker.
type WorkerConfig struct {
	// Name is a descriptive name for the worker (for logging).
	Name string
	// PollInterval is how often to poll for new jobs (default: 2s).
	PollInterval time.Duration
	// Concurrency bounds the number of jobs processed at once. The improve
	// queue runs at 1, which serializes clone-and-generate work; scans run
	// at 2 because they are read-only.
	Concurrency int
	// StaleThresholdMinutes is how long a job can be 'processing' before
	// being considered stale and recovered (default: 10).
	StaleThresholdMinutes int
	// RecoverStaleOnStart determines if stale jobs are recovered on startup.
	RecoverStaleOnStart bool
}

// DefaultWorkerConfig returns a WorkerConfig with the service defaults.
func DefaultWorkerConfig(name string, concurrency int) WorkerConfig {
	return WorkerConfig{
		Name:                  name,
		PollInterval:          2 * time.Second,
		Concurrency:           concurrency,
		StaleThresholdMinutes: 10,
		RecoverStaleOnStart:   true,
	}
}

// ProcessFunc handles one claimed job. A returned error sends the job
// through the queue's retry policy.
type ProcessFunc func(ctx context.Context, job ClaimedJob) error

// workerQueue is the slice of Queue the worker drives; narrowed for
// testability.
type workerQueue interface {
	Name() string
	Dequeue(ctx context.Context, limit int) ([]ClaimedJob, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, attemptCount int, errMsg string) error
	RecoverStale(ctx context.Context, staleThresholdMinutes int) (int, error)
}

// Worker drains a Queue with a bounded number of in-flight jobs.
// Polling-based; graceful shutdown waits for in-flight work.
type Worker struct {
	config  WorkerConfig
	queue   workerQueue
	log     *slog.Logger
	process ProcessFunc

	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
	mu        sync.Mutex

	inflight   int
	inflightMu sync.Mutex
	wg         sync.WaitGroup
}

// NewWorker creates a new queue worker.
func NewWorker(config WorkerConfig, queue *Queue, log *slog.Logger, process ProcessFunc) *Worker {
	if config.PollInterval == 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.StaleThresholdMinutes == 0 {
		config.StaleThresholdMinutes = 10
	}

	return &Worker{
		config:    config,
		queue:     queue,
		log:       log.With(slog.String("worker", config.Name)),
		process:   process,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start begins the worker's polling loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.stoppedCh = make(chan struct{})
	w.mu.Unlock()

	if w.config.RecoverStaleOnStart {
		if _, err := w.queue.RecoverStale(ctx, w.config.StaleThresholdMinutes); err != nil {
			w.log.Warn("stale job recovery failed", slog.String("error", err.Error()))
		}
	}

	w.log.Info("worker starting",
		slog.Duration("poll_interval", w.config.PollInterval),
		slog.Int("concurrency", w.config.Concurrency))

	go w.run()

	return nil
}

// Stop gracefully stops the worker, waiting for in-flight jobs to finish.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.log.Debug("waiting for worker to stop...")

	select {
	case <-w.stoppedCh:
		w.log.Info("worker stopped gracefully")
	case <-ctx.Done():
		w.log.Warn("worker stop timeout, forcing shutdown")
	}

	return nil
}

// IsRunning returns whether the worker is currently running.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// run is the main polling loop. Work is dispatched into per-job goroutines;
// the loop never claims more jobs than the concurrency bound allows.
func (w *Worker) run() {
	defer close(w.stoppedCh)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-w.stopCh:
			w.wg.Wait()
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll claims as many jobs as the free slots allow and dispatches them.
func (w *Worker) poll(ctx context.Context) {
	slots := w.freeSlots()
	if slots <= 0 {
		return
	}

	claimed, err := w.queue.Dequeue(ctx, slots)
	if err != nil {
		w.log.Warn("dequeue failed", slog.String("error", err.Error()))
		return
	}

	for _, job := range claimed {
		w.acquireSlot()
		w.wg.Add(1)
		go func(job ClaimedJob) {
			defer w.wg.Done()
			defer w.releaseSlot()
			w.handle(ctx, job)
		}(job)
	}
}

func (w *Worker) handle(ctx context.Context, job ClaimedJob) {
	if err := w.process(ctx, job); err != nil {
		jobsProcessed.WithLabelValues(w.queue.Name(), "failed").Inc()
		w.log.Warn("job failed",
			slog.String("job_id", job.ID.String()),
			slog.Int("attempt", job.AttemptCount+1),
			slog.String("error", err.Error()))
		if markErr := w.queue.MarkFailed(ctx, job.ID, job.AttemptCount, err.Error()); markErr != nil {
			w.log.Error("mark failed errored", slog.String("error", markErr.Error()))
		}
		return
	}

	jobsProcessed.WithLabelValues(w.queue.Name(), "succeeded").Inc()
	if err := w.queue.MarkCompleted(ctx, job.ID); err != nil {
		w.log.Error("mark completed errored", slog.String("error", err.Error()))
	}
}

func (w *Worker) freeSlots() int {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()
	return w.config.Concurrency - w.inflight
}

func (w *Worker) acquireSlot() {
	w.inflightMu.Lock()
	w.inflight++
	w.inflightMu.Unlock()
}

func (w *Worker) releaseSlot() {
	w.inflightMu.Lock()
	w.inflight--
	w.inflightMu.Unlock()
}
