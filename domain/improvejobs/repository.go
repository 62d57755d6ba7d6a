package improvejobs

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/coverforge/coverforge/pkg/apperror"
	"github.com/coverforge/coverforge/pkg/logger"
)

// Repository handles database operations for improvement jobs
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new improvement jobs repository
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("improvejobs.repo")),
	}
}

// Create persists a new improvement job
func (r *Repository) Create(ctx context.Context, job *ImprovementJob) error {
	_, err := r.db.NewInsert().Model(job).Returning("*").Exec(ctx)
	if err != nil {
		r.log.Error("failed to create improvement job", logger.Error(err))
		return apperror.ErrInternal.WithInternal(err)
	}
	return nil
}

// FindByID retrieves an improvement job by ID
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*ImprovementJob, error) {
	job := &ImprovementJob{}
	err := r.db.NewSelect().
		Model(job).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.ErrJobNotFound
		}
		r.log.Error("failed to get improvement job", logger.Error(err))
		return nil, apperror.ErrInternal.WithInternal(err)
	}
	return job, nil
}

// FindAll retrieves all improvement jobs, newest first
func (r *Repository) FindAll(ctx context.Context) ([]*ImprovementJob, error) {
	jobs := make([]*ImprovementJob, 0)
	err := r.db.NewSelect().
		Model(&jobs).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		r.log.Error("failed to list improvement jobs", logger.Error(err))
		return nil, apperror.ErrInternal.WithInternal(err)
	}
	return jobs, nil
}

// FindByRepo retrieves jobs for one repository URL, newest first
func (r *Repository) FindByRepo(ctx context.Context, url string) ([]*ImprovementJob, error) {
	jobs := make([]*ImprovementJob, 0)
	err := r.db.NewSelect().
		Model(&jobs).
		Where("repository_url = ?", url).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		r.log.Error("failed to list improvement jobs by repo", logger.Error(err))
		return nil, apperror.ErrInternal.WithInternal(err)
	}
	return jobs, nil
}

// FindActiveByRepo returns the oldest job for url currently holding a clone
// (status in the active set), excluding excludeID, or nil when none exists.
// A consumer running above concurrency one can use this to detect an
// in-flight peer and defer.
func (r *Repository) FindActiveByRepo(ctx context.Context, url string, excludeID uuid.UUID) (*ImprovementJob, error) {
	job := &ImprovementJob{}
	err := r.db.NewSelect().
		Model(job).
		Where("repository_url = ?", url).
		Where("id != ?", excludeID).
		Where("status IN (?)", bun.In(ActiveStatuses())).
		Order("created_at ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.log.Error("failed to find active job", logger.Error(err))
		return nil, apperror.ErrInternal.WithInternal(err)
	}
	return job, nil
}

// FailAbandoned fails non-terminal jobs whose queue delivery is gone: a
// worker crash that exhausted the queue's retries, or a QUEUED job whose
// deliveries were all deferred by the busy-repo guard. Jobs whose queue row
// is still pending or processing are left alone; the consumer will redeliver
// them.
func (r *Repository) FailAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := r.db.NewUpdate().
		Model((*ImprovementJob)(nil)).
		Set("status = ?", StatusFailed).
		Set("error_message = ?", "job abandoned: queue delivery exhausted before completion").
		Set("updated_at = clock_timestamp()").
		Where("status IN (?)", bun.In(AbandonSweepStatuses())).
		Where("updated_at < ?", cutoff).
		Where("id NOT IN (SELECT job_id FROM improve_queue_jobs WHERE status IN ('pending', 'processing'))").
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to sweep abandoned jobs", logger.Error(err))
		return 0, apperror.ErrInternal.WithInternal(err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// SetStatus advances a job to a non-terminal status. Each transition
// persists before the next pipeline step begins, so observers see monotonic
// progress.
func (r *Repository) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := r.db.NewUpdate().
		Model((*ImprovementJob)(nil)).
		Set("status = ?", status).
		Set("updated_at = clock_timestamp()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to update job status", logger.Error(err))
		return apperror.ErrInternal.WithInternal(err)
	}
	return nil
}

// MarkPRCreated moves a job to PR_CREATED. The link is written in the same
// statement as the status so PR_CREATED is never observed without it.
func (r *Repository) MarkPRCreated(ctx context.Context, id uuid.UUID, prLink string) error {
	_, err := r.db.NewUpdate().
		Model((*ImprovementJob)(nil)).
		Set("status = ?", StatusPRCreated).
		Set("pr_link = ?", prLink).
		Set("updated_at = clock_timestamp()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to mark job pr created", logger.Error(err))
		return apperror.ErrInternal.WithInternal(err)
	}
	return nil
}

// MarkFailed moves a job to FAILED with its error message set atomically.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	_, err := r.db.NewUpdate().
		Model((*ImprovementJob)(nil)).
		Set("status = ?", StatusFailed).
		Set("error_message = ?", message).
		Set("updated_at = clock_timestamp()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to mark job failed", logger.Error(err))
		return apperror.ErrInternal.WithInternal(err)
	}
	return nil
}
