package repos

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/coverforge/coverforge/internal/config"
	"github.com/coverforge/coverforge/internal/jobs"
	"github.com/coverforge/coverforge/pkg/apperror"
	"github.com/coverforge/coverforge/pkg/githost"
	"github.com/coverforge/coverforge/pkg/logger"
)

// requiredPackages must be declared by a repository before it can be
// tracked; without them the coverage scan has nothing to run.
var requiredPackages = []string{"jest", "ts-jest"}

// ScanQueue is the durable queue feeding the coverage scan consumer. The
// distinct type keeps the two queues apart in the dependency graph.
type ScanQueue struct {
	*jobs.Queue
}

// NewScanQueue builds the scan queue on the shared store.
func NewScanQueue(db bun.IDB, cfg *config.Config, log *slog.Logger) *ScanQueue {
	qc := jobs.DefaultQueueConfig("scan_queue", "scan_queue_jobs", "repo_id")
	qc.MaxAttempts = cfg.Queues.MaxAttempts
	qc.BaseRetryDelaySec = cfg.Queues.BaseRetryDelaySec
	qc.KeepFinished = cfg.Queues.KeepFinished
	return &ScanQueue{jobs.NewQueue(db, qc, log.With(logger.Scope("scan_queue")))}
}

// repoStore is the slice of Repository the service consumes; narrowed for
// testability.
type repoStore interface {
	Create(ctx context.Context, repo *TrackedRepository) error
	FindByID(ctx context.Context, id uuid.UUID) (*TrackedRepository, error)
	FindByURL(ctx context.Context, url string) (*TrackedRepository, error)
	FindAll(ctx context.Context) ([]*TrackedRepository, error)
}

type scanEnqueuer interface {
	Enqueue(ctx context.Context, jobKey string, entityID uuid.UUID) (bool, error)
}

type dependencyChecker interface {
	HasRequiredDependencies(ctx context.Context, repoURL string, deps []string) (bool, error)
}

// Service implements tracked repository commands
type Service struct {
	repo      repoStore
	host      dependencyChecker
	scanQueue scanEnqueuer
	log       *slog.Logger
}

// NewService creates a new tracked repositories service
func NewService(repo *Repository, host githost.Host, scanQueue *ScanQueue, log *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		host:      host,
		scanQueue: scanQueue,
		log:       log.With(logger.Scope("repos.service")),
	}
}

// List returns all tracked repositories, newest first.
func (s *Service) List(ctx context.Context) ([]*TrackedRepository, error) {
	return s.repo.FindAll(ctx)
}

// Get returns one tracked repository.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*TrackedRepository, error) {
	return s.repo.FindByID(ctx, id)
}

// Register tracks a repository. Registering an already-tracked URL returns
// the existing row unchanged; a new URL must declare the required test
// packages before it is persisted and queued for its first scan.
func (s *Service) Register(ctx context.Context, url string) (*TrackedRepository, error) {
	if url == "" {
		return nil, apperror.ErrMissingField.WithMessage("repositoryUrl is required")
	}

	existing, err := s.repo.FindByURL(ctx, url)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	ok, err := s.host.HasRequiredDependencies(ctx, url, requiredPackages)
	if err != nil {
		var invalid *githost.InvalidRepoURLError
		if errors.As(err, &invalid) {
			return nil, apperror.ErrInvalidRepoURL.WithMessage(invalid.Error())
		}
		s.log.Error("dependency check failed", slog.String("url", url), logger.Error(err))
		return nil, apperror.ErrInternal.WithInternal(err)
	}
	if !ok {
		return nil, apperror.ErrMissingDependencies.WithMessage(
			"repository must declare jest and ts-jest to be tracked")
	}

	repo := &TrackedRepository{URL: url}
	if err := s.repo.Create(ctx, repo); err != nil {
		// Lost a registration race: the other writer's row is the answer.
		if errors.Is(err, apperror.ErrRepoExists) {
			if winner, findErr := s.repo.FindByURL(ctx, url); findErr == nil && winner != nil {
				return winner, nil
			}
		}
		return nil, err
	}

	// Registration survives an enqueue failure; the nightly rescan or a
	// manual trigger will pick the repo up.
	if _, err := s.scanQueue.Enqueue(ctx, jobs.ScanJobKey(repo.ID, time.Now()), repo.ID); err != nil {
		s.log.Warn("initial scan enqueue failed",
			slog.String("repo_id", repo.ID.String()), logger.Error(err))
	}

	s.log.Info("repository registered",
		slog.String("repo_id", repo.ID.String()),
		slog.String("url", url))

	return repo, nil
}

// TriggerScan enqueues a coverage scan for a tracked repository.
func (s *Service) TriggerScan(ctx context.Context, id uuid.UUID) error {
	if _, err := s.repo.FindByID(ctx, id); err != nil {
		return err
	}

	if _, err := s.scanQueue.Enqueue(ctx, jobs.ScanJobKey(id, time.Now()), id); err != nil {
		s.log.Error("scan enqueue failed", slog.String("repo_id", id.String()), logger.Error(err))
		return apperror.ErrInternal.WithInternal(err)
	}
	return nil
}
