package improvejobs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePipelineStore struct {
	job         *ImprovementJob
	activeJob   *ImprovementJob
	transitions []string
	prLink      string
	failMessage string
}

func (f *fakePipelineStore) FindByID(_ context.Context, id uuid.UUID) (*ImprovementJob, error) {
	return f.job, nil
}

func (f *fakePipelineStore) FindActiveByRepo(_ context.Context, _ string, _ uuid.UUID) (*ImprovementJob, error) {
	return f.activeJob, nil
}

func (f *fakePipelineStore) SetStatus(_ context.Context, _ uuid.UUID, status string) error {
	f.transitions = append(f.transitions, status)
	f.job.Status = status
	return nil
}

func (f *fakePipelineStore) MarkPRCreated(_ context.Context, _ uuid.UUID, prLink string) error {
	f.transitions = append(f.transitions, StatusPRCreated)
	f.job.Status = StatusPRCreated
	f.prLink = prLink
	return nil
}

func (f *fakePipelineStore) MarkFailed(_ context.Context, _ uuid.UUID, message string) error {
	f.transitions = append(f.transitions, StatusFailed)
	f.job.Status = StatusFailed
	f.failMessage = message
	return nil
}

type fakePipelineHost struct {
	permissions   bool
	cloneDir      string
	cloneErr      error
	pushErr       error
	prURL         string
	prErr         error
	branchName    string
	commitMessage string
	stagedPaths   []string
	prHead        string
	prBase        string
	cleanedUp     []string
}

func (f *fakePipelineHost) HasRequiredDependencies(_ context.Context, _ string, _ []string) (bool, error) {
	return true, nil
}

func (f *fakePipelineHost) CheckPermissions(_ context.Context, _ string) (bool, error) {
	return f.permissions, nil
}

func (f *fakePipelineHost) Clone(_ context.Context, _ string, _ string) (string, error) {
	if f.cloneErr != nil {
		return "", f.cloneErr
	}
	return f.cloneDir, nil
}

func (f *fakePipelineHost) DefaultBranch(_ context.Context, _ string) (string, error) {
	return "main", nil
}

func (f *fakePipelineHost) CommitAndPush(_ context.Context, _ string, branchName string, _ map[string]string, commitMessage string, pathsToStage []string) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.branchName = branchName
	f.commitMessage = commitMessage
	f.stagedPaths = pathsToStage
	return nil
}

func (f *fakePipelineHost) CreatePullRequest(_ context.Context, _ string, headBranch, _, _, baseBranch string) (string, error) {
	if f.prErr != nil {
		return "", f.prErr
	}
	f.prHead = headBranch
	f.prBase = baseBranch
	return f.prURL, nil
}

func (f *fakePipelineHost) Cleanup(_ context.Context, localPath string) error {
	f.cleanedUp = append(f.cleanedUp, localPath)
	return nil
}

type fakeGenerator struct {
	err      error
	source   string
	test     string
	repoPath string
}

func (f *fakeGenerator) GenerateTest(_ context.Context, sourceRel, testRel, repoPath string, _ float64) error {
	f.source = sourceRel
	f.test = testRel
	f.repoPath = repoPath
	return f.err
}

func pipelineJob() *ImprovementJob {
	return &ImprovementJob{
		ID:             uuid.New(),
		RepositoryURL:  "https://github.com/acme/widgets",
		FilePath:       "src/calc.ts",
		TargetCoverage: 80,
		Status:         StatusQueued,
	}
}

func testUseCase(store *fakePipelineStore, host *fakePipelineHost, gen *fakeGenerator) *UseCase {
	return &UseCase{
		store: store,
		host:  host,
		gen:   gen,
		log:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

func cloneWithSource(t *testing.T, sourceRel string) string {
	t.Helper()
	dir := t.TempDir()
	abs := filepath.Join(dir, filepath.FromSlash(sourceRel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte("export const x = 1;"), 0o644))
	return dir
}

func TestExecute(t *testing.T) {
	t.Run("happy path runs every stage in order", func(t *testing.T) {
		job := pipelineJob()
		store := &fakePipelineStore{job: job}
		host := &fakePipelineHost{
			permissions: true,
			cloneDir:    cloneWithSource(t, job.FilePath),
			prURL:       "https://github.com/acme/widgets/pull/7",
		}
		gen := &fakeGenerator{}

		require.NoError(t, testUseCase(store, host, gen).Execute(context.Background(), job.ID))

		assert.Equal(t, []string{
			StatusCloning, StatusAnalyzing, StatusGenerating, StatusPushing, StatusPRCreated,
		}, store.transitions)
		assert.Equal(t, "https://github.com/acme/widgets/pull/7", store.prLink)

		assert.Equal(t, "src/calc.ts", gen.source)
		assert.Equal(t, "src/calc.test.ts", gen.test)
		assert.Equal(t, host.cloneDir, gen.repoPath)

		assert.Equal(t, "improve-coverage-"+job.ID.String(), host.branchName)
		assert.Equal(t, "test: improve coverage for src/calc.ts", host.commitMessage)
		assert.Equal(t, []string{"src/calc.test.ts"}, host.stagedPaths)
		assert.Equal(t, host.branchName, host.prHead)
		assert.Equal(t, "main", host.prBase)

		assert.Equal(t, []string{host.cloneDir}, host.cleanedUp)
	})

	t.Run("permission denial fails before cloning", func(t *testing.T) {
		job := pipelineJob()
		store := &fakePipelineStore{job: job}
		host := &fakePipelineHost{permissions: false}

		require.NoError(t, testUseCase(store, host, &fakeGenerator{}).Execute(context.Background(), job.ID))

		assert.Equal(t, []string{StatusCloning, StatusFailed}, store.transitions)
		assert.Contains(t, store.failMessage, "Insufficient permissions")
		assert.Empty(t, host.cleanedUp)
	})

	t.Run("clone failure fails the job", func(t *testing.T) {
		job := pipelineJob()
		store := &fakePipelineStore{job: job}
		host := &fakePipelineHost{permissions: true, cloneErr: errors.New("repository not found")}

		require.NoError(t, testUseCase(store, host, &fakeGenerator{}).Execute(context.Background(), job.ID))

		assert.Equal(t, StatusFailed, job.Status)
		assert.Contains(t, store.failMessage, "failed to clone repository")
		assert.Empty(t, host.cleanedUp)
	})

	t.Run("missing source file fails and still cleans up", func(t *testing.T) {
		job := pipelineJob()
		store := &fakePipelineStore{job: job}
		host := &fakePipelineHost{permissions: true, cloneDir: t.TempDir()}

		require.NoError(t, testUseCase(store, host, &fakeGenerator{}).Execute(context.Background(), job.ID))

		assert.Equal(t, StatusFailed, job.Status)
		assert.Contains(t, store.failMessage, "source file not found: src/calc.ts")
		assert.Equal(t, []string{host.cloneDir}, host.cleanedUp)
	})

	t.Run("generation failure carries the generator's message", func(t *testing.T) {
		job := pipelineJob()
		store := &fakePipelineStore{job: job}
		host := &fakePipelineHost{permissions: true, cloneDir: cloneWithSource(t, job.FilePath)}
		gen := &fakeGenerator{err: errors.New("failed to generate a passing test after 3 attempts")}

		require.NoError(t, testUseCase(store, host, gen).Execute(context.Background(), job.ID))

		assert.Equal(t, StatusFailed, job.Status)
		assert.Contains(t, store.failMessage, "after 3 attempts")
		assert.Equal(t, []string{host.cloneDir}, host.cleanedUp)
	})

	t.Run("push failure fails the job after cleanup", func(t *testing.T) {
		job := pipelineJob()
		store := &fakePipelineStore{job: job}
		host := &fakePipelineHost{
			permissions: true,
			cloneDir:    cloneWithSource(t, job.FilePath),
			pushErr:     errors.New("remote rejected"),
		}

		require.NoError(t, testUseCase(store, host, &fakeGenerator{}).Execute(context.Background(), job.ID))

		assert.Equal(t, StatusFailed, job.Status)
		assert.Contains(t, store.failMessage, "failed to push branch")
		assert.Len(t, host.cleanedUp, 1)
	})

	t.Run("busy repository defers into the retry window", func(t *testing.T) {
		job := pipelineJob()
		peer := pipelineJob()
		peer.Status = StatusGenerating
		store := &fakePipelineStore{job: job, activeJob: peer}
		host := &fakePipelineHost{permissions: true}

		err := testUseCase(store, host, &fakeGenerator{}).Execute(context.Background(), job.ID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "repository busy")
		assert.Empty(t, store.transitions)
		assert.Empty(t, host.cleanedUp)
	})

	t.Run("terminal job is skipped untouched", func(t *testing.T) {
		job := pipelineJob()
		job.Status = StatusPRCreated
		store := &fakePipelineStore{job: job}
		host := &fakePipelineHost{permissions: true}

		require.NoError(t, testUseCase(store, host, &fakeGenerator{}).Execute(context.Background(), job.ID))

		assert.Empty(t, store.transitions)
		assert.Empty(t, host.cleanedUp)
	})
}

func TestDeriveTestPath(t *testing.T) {
	assert.Equal(t, "src/calc.test.ts", DeriveTestPath("src/calc.ts"))
	assert.Equal(t, "deep/nested/svc.test.ts", DeriveTestPath("deep/nested/svc.ts"))
}
