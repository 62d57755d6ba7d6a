package scan

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverforge/coverforge/domain/repos"
	"github.com/coverforge/coverforge/internal/jobs"
	"github.com/coverforge/coverforge/pkg/apperror"
)

type fakeRepoStore struct {
	repo    *repos.TrackedRepository
	stored  []repos.FileCoverage
	updated bool
}

func (f *fakeRepoStore) FindByID(_ context.Context, id uuid.UUID) (*repos.TrackedRepository, error) {
	if f.repo == nil || f.repo.ID != id {
		return nil, apperror.ErrRepoNotFound
	}
	return f.repo, nil
}

func (f *fakeRepoStore) UpdateCoverageReport(_ context.Context, _ uuid.UUID, report []repos.FileCoverage) error {
	f.stored = report
	f.updated = true
	return nil
}

type fakeCloner struct {
	dir       string
	cloneErr  error
	cleanedUp []string
}

func (f *fakeCloner) Clone(_ context.Context, _, _ string) (string, error) {
	if f.cloneErr != nil {
		return "", f.cloneErr
	}
	return f.dir, nil
}

func (f *fakeCloner) Cleanup(_ context.Context, localPath string) error {
	f.cleanedUp = append(f.cleanedUp, localPath)
	return nil
}

type fakeScanner struct {
	report []repos.FileCoverage
	err    error
}

func (f *fakeScanner) Scan(_ context.Context, _ string) ([]repos.FileCoverage, error) {
	return f.report, f.err
}

func testConsumer(store *fakeRepoStore, host *fakeCloner, scanner *fakeScanner) *Consumer {
	return &Consumer{
		store:   store,
		host:    host,
		scanner: scanner,
		log:     slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

func TestProcess(t *testing.T) {
	repo := &repos.TrackedRepository{ID: uuid.New(), URL: "https://github.com/acme/widgets"}

	t.Run("stores the report and cleans up", func(t *testing.T) {
		store := &fakeRepoStore{repo: repo}
		host := &fakeCloner{dir: "/tmp/clones/x"}
		scanner := &fakeScanner{report: []repos.FileCoverage{{FilePath: "src/calc.ts", LinesCoverage: 40}}}
		c := testConsumer(store, host, scanner)

		require.NoError(t, c.process(context.Background(), jobs.ClaimedJob{EntityID: repo.ID}))

		assert.True(t, store.updated)
		assert.Equal(t, scanner.report, store.stored)
		assert.Equal(t, []string{"/tmp/clones/x"}, host.cleanedUp)
	})

	t.Run("unknown repository completes without work", func(t *testing.T) {
		store := &fakeRepoStore{}
		host := &fakeCloner{dir: "/tmp/clones/x"}
		c := testConsumer(store, host, &fakeScanner{})

		require.NoError(t, c.process(context.Background(), jobs.ClaimedJob{EntityID: uuid.New()}))
		assert.Empty(t, host.cleanedUp)
	})

	t.Run("scan failure leaves repo state untouched and retries", func(t *testing.T) {
		store := &fakeRepoStore{repo: repo}
		host := &fakeCloner{dir: "/tmp/clones/x"}
		scanner := &fakeScanner{err: &ScanError{Op: "install", Err: errors.New("registry unreachable")}}
		c := testConsumer(store, host, scanner)

		err := c.process(context.Background(), jobs.ClaimedJob{EntityID: repo.ID})
		var scanErr *ScanError
		require.ErrorAs(t, err, &scanErr)

		assert.False(t, store.updated)
		assert.Equal(t, []string{"/tmp/clones/x"}, host.cleanedUp)
	})

	t.Run("clone failure wraps as a scan error", func(t *testing.T) {
		store := &fakeRepoStore{repo: repo}
		host := &fakeCloner{cloneErr: errors.New("repository not found")}
		c := testConsumer(store, host, &fakeScanner{})

		err := c.process(context.Background(), jobs.ClaimedJob{EntityID: repo.ID})
		var scanErr *ScanError
		require.ErrorAs(t, err, &scanErr)
		assert.Equal(t, "clone", scanErr.Op)
	})
}
