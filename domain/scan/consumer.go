package scan

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"go.uber.org/fx"

	"github.com/coverforge/coverforge/domain/repos"
	"github.com/coverforge/coverforge/internal/config"
	"github.com/coverforge/coverforge/internal/jobs"
	"github.com/coverforge/coverforge/pkg/apperror"
	"github.com/coverforge/coverforge/pkg/githost"
	"github.com/coverforge/coverforge/pkg/logger"
)

type repoStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*repos.TrackedRepository, error)
	UpdateCoverageReport(ctx context.Context, id uuid.UUID, report []repos.FileCoverage) error
}

type cloner interface {
	Clone(ctx context.Context, repoURL, branch string) (string, error)
	Cleanup(ctx context.Context, localPath string) error
}

type coverageScanner interface {
	Scan(ctx context.Context, localPath string) ([]repos.FileCoverage, error)
}

// Consumer drains the scan queue: clone, measure, store the report. Scan
// failures propagate to the queue's retry policy and leave repo state
// untouched.
type Consumer struct {
	worker  *jobs.Worker
	store   repoStore
	host    cloner
	scanner coverageScanner
	log     *slog.Logger
}

// NewConsumer creates the scan queue consumer.
func NewConsumer(queue *repos.ScanQueue, store *repos.Repository, host githost.Host, scanner *Scanner, cfg *config.Config, log *slog.Logger) *Consumer {
	c := &Consumer{
		store:   store,
		host:    host,
		scanner: scanner,
		log:     log.With(logger.Scope("scan.consumer")),
	}

	wc := jobs.DefaultWorkerConfig("scan_consumer", cfg.Queues.ScanConcurrency)
	wc.PollInterval = cfg.Queues.PollInterval
	c.worker = jobs.NewWorker(wc, queue.Queue, c.log, c.process)

	return c
}

// process handles one claimed scan: the entity is the tracked repo's ID.
func (c *Consumer) process(ctx context.Context, claimed jobs.ClaimedJob) error {
	repo, err := c.store.FindByID(ctx, claimed.EntityID)
	if err != nil {
		if errors.Is(err, apperror.ErrRepoNotFound) {
			c.log.Warn("claimed scan for unknown repository",
				slog.String("repo_id", claimed.EntityID.String()))
			return nil
		}
		return err
	}

	localPath, err := c.host.Clone(ctx, repo.URL, "")
	if err != nil {
		return &ScanError{Op: "clone", Err: err}
	}
	defer func() {
		if cleanupErr := c.host.Cleanup(context.WithoutCancel(ctx), localPath); cleanupErr != nil {
			c.log.Warn("scan cleanup failed", logger.Error(cleanupErr))
		}
	}()

	report, err := c.scanner.Scan(ctx, localPath)
	if err != nil {
		return err
	}

	// One statement: readers see the old report or the new one, never a mix.
	if err := c.store.UpdateCoverageReport(ctx, repo.ID, report); err != nil {
		return err
	}

	c.log.Info("coverage report stored",
		slog.String("repo_id", repo.ID.String()),
		slog.Int("files", len(report)))
	return nil
}

// Start begins draining the queue.
func (c *Consumer) Start(ctx context.Context) error {
	return c.worker.Start(ctx)
}

// Stop waits for in-flight scans to finish.
func (c *Consumer) Stop(ctx context.Context) error {
	return c.worker.Stop(ctx)
}

func registerConsumer(lc fx.Lifecycle, c *Consumer) {
	lc.Append(fx.Hook{
		OnStart: c.Start,
		OnStop:  c.Stop,
	})
}
