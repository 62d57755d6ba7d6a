package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/coverforge/coverforge/domain/improvejobs"
	"github.com/coverforge/coverforge/domain/repos"
	"github.com/coverforge/coverforge/internal/jobs"
	"github.com/coverforge/coverforge/pkg/logger"
)

// abandonSweeper is the slice of the improvement job store the maintenance
// task consumes; narrowed for testability.
type abandonSweeper interface {
	FailAbandoned(ctx context.Context, olderThan time.Duration) (int, error)
}

// QueueMaintenanceTask reclaims jobs whose worker died mid-processing,
// prunes finished rows across both durable queues, and fails improvement
// jobs abandoned without a live queue delivery.
type QueueMaintenanceTask struct {
	queues         []*jobs.Queue
	jobStore       abandonSweeper
	staleThreshold int
	log            *slog.Logger
}

// NewQueueMaintenanceTask creates the maintenance task over the scan and
// improvement queues.
func NewQueueMaintenanceTask(scanQueue *repos.ScanQueue, improveQueue *improvejobs.ImproveQueue, jobStore *improvejobs.Repository, staleThresholdMinutes int, log *slog.Logger) *QueueMaintenanceTask {
	return &QueueMaintenanceTask{
		queues:         []*jobs.Queue{scanQueue.Queue, improveQueue.Queue},
		jobStore:       jobStore,
		staleThreshold: staleThresholdMinutes,
		log:            log.With(logger.Scope("scheduler.queue_maintenance")),
	}
}

// Run recovers stale jobs and prunes each queue in turn. A failure on one
// queue does not stop the others; the last error wins.
func (t *QueueMaintenanceTask) Run(ctx context.Context) error {
	var lastErr error
	for _, q := range t.queues {
		recovered, err := q.RecoverStale(ctx, t.staleThreshold)
		if err != nil {
			t.log.Error("stale recovery failed", slog.String("queue", q.Name()), logger.Error(err))
			lastErr = err
		} else if recovered > 0 {
			t.log.Info("recovered stale jobs",
				slog.String("queue", q.Name()),
				slog.Int("count", recovered))
		}

		pruned, err := q.Prune(ctx)
		if err != nil {
			t.log.Error("queue prune failed", slog.String("queue", q.Name()), logger.Error(err))
			lastErr = err
		} else if pruned > 0 {
			t.log.Debug("pruned finished jobs",
				slog.String("queue", q.Name()),
				slog.Int("count", pruned))
		}
	}

	// Queue recovery above may have requeued crashed deliveries; whatever
	// active job still has no live queue row is gone for good.
	failed, err := t.jobStore.FailAbandoned(ctx, time.Duration(t.staleThreshold)*time.Minute)
	if err != nil {
		t.log.Error("abandoned job sweep failed", logger.Error(err))
		lastErr = err
	} else if failed > 0 {
		t.log.Warn("failed abandoned improvement jobs", slog.Int("count", failed))
	}

	return lastErr
}

// RescanTask enqueues a coverage scan for every tracked repository. The job
// key carries the sweep timestamp, so one sweep dedupes against itself but
// never against the next.
type RescanTask struct {
	store     *repos.Repository
	scanQueue *repos.ScanQueue
	log       *slog.Logger
}

// NewRescanTask creates the periodic full-rescan task.
func NewRescanTask(store *repos.Repository, scanQueue *repos.ScanQueue, log *slog.Logger) *RescanTask {
	return &RescanTask{
		store:     store,
		scanQueue: scanQueue,
		log:       log.With(logger.Scope("scheduler.rescan")),
	}
}

// Run enqueues one scan per tracked repository. Individual enqueue failures
// are logged and skipped; the sweep continues.
func (t *RescanTask) Run(ctx context.Context) error {
	tracked, err := t.store.FindAll(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	enqueued := 0
	for _, repo := range tracked {
		inserted, err := t.scanQueue.Enqueue(ctx, jobs.ScanJobKey(repo.ID, now), repo.ID)
		if err != nil {
			t.log.Error("failed to enqueue rescan",
				slog.String("repo", repo.URL),
				logger.Error(err))
			continue
		}
		if inserted {
			enqueued++
		}
	}

	t.log.Info("rescan sweep complete",
		slog.Int("tracked", len(tracked)),
		slog.Int("enqueued", enqueued))
	return nil
}
