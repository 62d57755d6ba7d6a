package repos

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/coverforge/coverforge/pkg/apperror"
	"github.com/coverforge/coverforge/pkg/logger"
	"github.com/coverforge/coverforge/pkg/pgutils"
)

// Repository handles database operations for tracked repositories
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new tracked repositories repository
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("repos.repo")),
	}
}

// Create persists a new tracked repository
func (r *Repository) Create(ctx context.Context, repo *TrackedRepository) error {
	_, err := r.db.NewInsert().Model(repo).Returning("*").Exec(ctx)
	if err != nil {
		// Two concurrent registrations of the same URL race past the
		// existence check; the unique index settles it.
		if pgutils.IsUniqueViolation(err) {
			return apperror.ErrRepoExists
		}
		r.log.Error("failed to create tracked repository", logger.Error(err))
		return apperror.ErrInternal.WithInternal(err)
	}
	return nil
}

// FindByID retrieves a tracked repository by ID
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*TrackedRepository, error) {
	repo := &TrackedRepository{}
	err := r.db.NewSelect().
		Model(repo).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.ErrRepoNotFound
		}
		r.log.Error("failed to get tracked repository", logger.Error(err))
		return nil, apperror.ErrInternal.WithInternal(err)
	}
	return repo, nil
}

// FindByURL retrieves a tracked repository by URL, or nil when absent
func (r *Repository) FindByURL(ctx context.Context, url string) (*TrackedRepository, error) {
	repo := &TrackedRepository{}
	err := r.db.NewSelect().
		Model(repo).
		Where("url = ?", url).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.log.Error("failed to get tracked repository by url", logger.Error(err))
		return nil, apperror.ErrInternal.WithInternal(err)
	}
	return repo, nil
}

// FindAll retrieves all tracked repositories, newest first
func (r *Repository) FindAll(ctx context.Context) ([]*TrackedRepository, error) {
	repositories := make([]*TrackedRepository, 0)
	err := r.db.NewSelect().
		Model(&repositories).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		r.log.Error("failed to list tracked repositories", logger.Error(err))
		return nil, apperror.ErrInternal.WithInternal(err)
	}
	return repositories, nil
}

// UpdateCoverageReport replaces the stored coverage report in one statement,
// so readers only ever see the previous or the new complete snapshot.
func (r *Repository) UpdateCoverageReport(ctx context.Context, id uuid.UUID, report []FileCoverage) error {
	_, err := r.db.NewUpdate().
		Model((*TrackedRepository)(nil)).
		Set("last_coverage_report = ?", report).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to update coverage report", logger.Error(err))
		return apperror.ErrInternal.WithInternal(err)
	}
	return nil
}
