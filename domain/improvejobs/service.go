package improvejobs

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/coverforge/coverforge/internal/config"
	"github.com/coverforge/coverforge/internal/jobs"
	"github.com/coverforge/coverforge/pkg/apperror"
	"github.com/coverforge/coverforge/pkg/logger"
)

// ImproveQueue is the durable queue feeding the improvement consumer. It
// runs at concurrency one, which serializes clone directories per worker.
type ImproveQueue struct {
	*jobs.Queue
}

// NewImproveQueue builds the improve queue on the shared store.
func NewImproveQueue(db bun.IDB, cfg *config.Config, log *slog.Logger) *ImproveQueue {
	qc := jobs.DefaultQueueConfig("improve_queue", "improve_queue_jobs", "job_id")
	qc.MaxAttempts = cfg.Queues.MaxAttempts
	qc.BaseRetryDelaySec = cfg.Queues.BaseRetryDelaySec
	qc.KeepFinished = cfg.Queues.KeepFinished
	return &ImproveQueue{jobs.NewQueue(db, qc, log.With(logger.Scope("improve_queue")))}
}

type jobStore interface {
	Create(ctx context.Context, job *ImprovementJob) error
	FindByID(ctx context.Context, id uuid.UUID) (*ImprovementJob, error)
	FindAll(ctx context.Context) ([]*ImprovementJob, error)
}

type improveEnqueuer interface {
	Enqueue(ctx context.Context, jobKey string, entityID uuid.UUID) (bool, error)
}

// Service implements improvement job commands
type Service struct {
	repo  jobStore
	queue improveEnqueuer
	log   *slog.Logger
}

// NewService creates a new improvement jobs service
func NewService(repo *Repository, queue *ImproveQueue, log *slog.Logger) *Service {
	return &Service{
		repo:  repo,
		queue: queue,
		log:   log.With(logger.Scope("improvejobs.service")),
	}
}

// Create persists a QUEUED job and enqueues it. The job's own ID is the
// idempotence key, so a requeue of the same job is absorbed while its row
// lives in the queue's retention window.
func (s *Service) Create(ctx context.Context, repositoryURL, filePath string) (*ImprovementJob, error) {
	if repositoryURL == "" {
		return nil, apperror.ErrMissingField.WithMessage("repositoryUrl is required")
	}
	if filePath == "" {
		return nil, apperror.ErrMissingField.WithMessage("filePath is required")
	}

	job := &ImprovementJob{
		RepositoryURL:  repositoryURL,
		FilePath:       filePath,
		TargetCoverage: DefaultTargetCoverage,
		Status:         StatusQueued,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, err
	}

	if _, err := s.queue.Enqueue(ctx, job.ID.String(), job.ID); err != nil {
		s.log.Error("improve enqueue failed",
			slog.String("job_id", job.ID.String()), logger.Error(err))
		return nil, apperror.ErrInternal.WithInternal(err)
	}

	s.log.Info("improvement job created",
		slog.String("job_id", job.ID.String()),
		slog.String("repo", repositoryURL),
		slog.String("file", filePath))

	return job, nil
}

// Get returns one improvement job.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*ImprovementJob, error) {
	return s.repo.FindByID(ctx, id)
}

// List returns all improvement jobs, newest first.
func (s *Service) List(ctx context.Context) ([]*ImprovementJob, error) {
	return s.repo.FindAll(ctx)
}
