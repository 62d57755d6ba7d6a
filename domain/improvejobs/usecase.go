package improvejobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/coverforge/coverforge/domain/generation"
	"github.com/coverforge/coverforge/pkg/apperror"
	"github.com/coverforge/coverforge/pkg/githost"
	"github.com/coverforge/coverforge/pkg/logger"
)

type pipelineStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*ImprovementJob, error)
	FindActiveByRepo(ctx context.Context, url string, excludeID uuid.UUID) (*ImprovementJob, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
	MarkPRCreated(ctx context.Context, id uuid.UUID, prLink string) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
}

type testGenerator interface {
	GenerateTest(ctx context.Context, sourceRel, testRel, repoPath string, targetCoverage float64) error
}

// UseCase runs one improvement job end to end: permissions, clone, generate,
// push, pull request. Every status transition persists before the next step
// begins. Job-local failures move the job to FAILED and are not returned to
// the queue; only infrastructure errors (store unreachable) propagate into
// the queue's retry policy.
type UseCase struct {
	store pipelineStore
	host  githost.Host
	gen   testGenerator
	log   *slog.Logger
}

// NewUseCase creates the improvement pipeline.
func NewUseCase(repo *Repository, host githost.Host, gen *generation.Generator, log *slog.Logger) *UseCase {
	return &UseCase{
		store: repo,
		host:  host,
		gen:   gen,
		log:   log.With(logger.Scope("improvejobs.usecase")),
	}
}

// Execute processes the improvement job with the given ID.
func (u *UseCase) Execute(ctx context.Context, jobID uuid.UUID) error {
	job, err := u.store.FindByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, apperror.ErrJobNotFound) {
			u.log.Warn("claimed job no longer exists", slog.String("job_id", jobID.String()))
			return nil
		}
		return err
	}

	// A queue retry after a crash may redeliver a finished job.
	if job.IsTerminal() {
		u.log.Info("skipping terminal job",
			slog.String("job_id", jobID.String()),
			slog.String("status", job.Status))
		return nil
	}

	log := u.log.With(
		slog.String("job_id", job.ID.String()),
		slog.String("repo", job.RepositoryURL),
		slog.String("file", job.FilePath))

	// With queue concurrency above one, a second job on the same repository
	// would contend for branches and pushes. Defer into the retry window.
	active, err := u.store.FindActiveByRepo(ctx, job.RepositoryURL, job.ID)
	if err != nil {
		return err
	}
	if active != nil {
		log.Info("repository busy with another improvement job",
			slog.String("active_job_id", active.ID.String()))
		return fmt.Errorf("repository busy with improvement job %s", active.ID)
	}

	if err := u.store.SetStatus(ctx, job.ID, StatusCloning); err != nil {
		return err
	}

	ok, err := u.host.CheckPermissions(ctx, job.RepositoryURL)
	if err != nil || !ok {
		return u.fail(ctx, job, "Insufficient permissions to push to repository")
	}

	localPath, err := u.host.Clone(ctx, job.RepositoryURL, "")
	if err != nil {
		return u.fail(ctx, job, fmt.Sprintf("failed to clone repository: %v", err))
	}
	defer func() {
		if cleanupErr := u.host.Cleanup(context.WithoutCancel(ctx), localPath); cleanupErr != nil {
			log.Warn("clone cleanup failed", logger.Error(cleanupErr))
		}
	}()

	baseBranch, err := u.host.DefaultBranch(ctx, localPath)
	if err != nil {
		return u.fail(ctx, job, fmt.Sprintf("failed to resolve default branch: %v", err))
	}

	sourceAbs := filepath.Join(localPath, filepath.FromSlash(job.FilePath))
	if _, err := os.Stat(sourceAbs); err != nil {
		return u.fail(ctx, job, fmt.Sprintf("source file not found: %s", job.FilePath))
	}

	if err := u.store.SetStatus(ctx, job.ID, StatusAnalyzing); err != nil {
		return err
	}

	testRel := DeriveTestPath(job.FilePath)

	if err := u.store.SetStatus(ctx, job.ID, StatusGenerating); err != nil {
		return err
	}

	if err := u.gen.GenerateTest(ctx, job.FilePath, testRel, localPath, job.TargetCoverage); err != nil {
		return u.fail(ctx, job, err.Error())
	}

	if err := u.store.SetStatus(ctx, job.ID, StatusPushing); err != nil {
		return err
	}

	branchName := fmt.Sprintf("improve-coverage-%s", job.ID)
	commitMessage := fmt.Sprintf("test: improve coverage for %s", job.FilePath)

	// The generator already wrote the test into the clone; stage that one
	// path and nothing else.
	if err := u.host.CommitAndPush(ctx, localPath, branchName, nil, commitMessage, []string{testRel}); err != nil {
		return u.fail(ctx, job, fmt.Sprintf("failed to push branch: %v", err))
	}

	prTitle := fmt.Sprintf("Improve test coverage for %s", job.FilePath)
	prBody := fmt.Sprintf(
		"Automated test generation for `%s`.\n\nNew test file: `%s`\nTarget statement coverage: %.0f%%.",
		job.FilePath, testRel, job.TargetCoverage)

	prLink, err := u.host.CreatePullRequest(ctx, job.RepositoryURL, branchName, prTitle, prBody, baseBranch)
	if err != nil {
		return u.fail(ctx, job, fmt.Sprintf("failed to create pull request: %v", err))
	}

	if err := u.store.MarkPRCreated(ctx, job.ID, prLink); err != nil {
		return err
	}

	log.Info("pull request created", slog.String("pr", prLink))
	return nil
}

// fail moves the job to FAILED with its message. The returned nil tells the
// queue the delivery is handled; the job entity carries the failure.
func (u *UseCase) fail(ctx context.Context, job *ImprovementJob, message string) error {
	u.log.Warn("improvement job failed",
		slog.String("job_id", job.ID.String()),
		slog.String("reason", message))

	if err := u.store.MarkFailed(ctx, job.ID, message); err != nil {
		return err
	}
	return nil
}

// DeriveTestPath returns the sibling test file for a source path:
// src/a/calc.ts becomes src/a/calc.test.ts.
func DeriveTestPath(sourceRel string) string {
	return strings.TrimSuffix(sourceRel, ".ts") + ".test.ts"
}
