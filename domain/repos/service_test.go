package repos

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverforge/coverforge/pkg/apperror"
	"github.com/coverforge/coverforge/pkg/githost"
)

type fakeStore struct {
	byURL     map[string]*TrackedRepository
	byID      map[uuid.UUID]*TrackedRepository
	created   []*TrackedRepository
	createErr error

	// hideURLOnce makes the first FindByURL miss, simulating a row that
	// lands between the existence check and the insert.
	hideURLOnce bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byURL: map[string]*TrackedRepository{},
		byID:  map[uuid.UUID]*TrackedRepository{},
	}
}

func (f *fakeStore) Create(_ context.Context, repo *TrackedRepository) error {
	if f.createErr != nil {
		return f.createErr
	}
	repo.ID = uuid.New()
	f.byURL[repo.URL] = repo
	f.byID[repo.ID] = repo
	f.created = append(f.created, repo)
	return nil
}

func (f *fakeStore) FindByID(_ context.Context, id uuid.UUID) (*TrackedRepository, error) {
	repo, ok := f.byID[id]
	if !ok {
		return nil, apperror.ErrRepoNotFound
	}
	return repo, nil
}

func (f *fakeStore) FindByURL(_ context.Context, url string) (*TrackedRepository, error) {
	if f.hideURLOnce {
		f.hideURLOnce = false
		return nil, nil
	}
	return f.byURL[url], nil
}

func (f *fakeStore) FindAll(_ context.Context) ([]*TrackedRepository, error) {
	all := make([]*TrackedRepository, 0, len(f.byID))
	for _, repo := range f.byID {
		all = append(all, repo)
	}
	return all, nil
}

type fakeEnqueuer struct {
	keys []string
	ids  []uuid.UUID
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, jobKey string, entityID uuid.UUID) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.keys = append(f.keys, jobKey)
	f.ids = append(f.ids, entityID)
	return true, nil
}

type fakeChecker struct {
	ok   bool
	err  error
	deps []string
}

func (f *fakeChecker) HasRequiredDependencies(_ context.Context, _ string, deps []string) (bool, error) {
	f.deps = deps
	return f.ok, f.err
}

func testService(store *fakeStore, checker *fakeChecker, queue *fakeEnqueuer) *Service {
	return &Service{
		repo:      store,
		host:      checker,
		scanQueue: queue,
		log:       slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

func TestRegister(t *testing.T) {
	t.Run("empty url is a missing field", func(t *testing.T) {
		svc := testService(newFakeStore(), &fakeChecker{}, &fakeEnqueuer{})

		_, err := svc.Register(context.Background(), "")
		var appErr *apperror.Error
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, apperror.ErrMissingField.Code, appErr.Code)
	})

	t.Run("new repository is created and scan enqueued", func(t *testing.T) {
		store := newFakeStore()
		queue := &fakeEnqueuer{}
		checker := &fakeChecker{ok: true}
		svc := testService(store, checker, queue)

		repo, err := svc.Register(context.Background(), "https://github.com/acme/widgets")
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, repo.ID)
		assert.Equal(t, []string{"jest", "ts-jest"}, checker.deps)

		require.Len(t, queue.ids, 1)
		assert.Equal(t, repo.ID, queue.ids[0])
		assert.True(t, strings.HasPrefix(queue.keys[0], "scan-"+repo.ID.String()))
	})

	t.Run("existing url returns the stored row without re-enqueue", func(t *testing.T) {
		store := newFakeStore()
		existing := &TrackedRepository{URL: "https://github.com/acme/widgets"}
		require.NoError(t, store.Create(context.Background(), existing))

		queue := &fakeEnqueuer{}
		svc := testService(store, &fakeChecker{ok: true}, queue)

		repo, err := svc.Register(context.Background(), existing.URL)
		require.NoError(t, err)
		assert.Equal(t, existing.ID, repo.ID)
		assert.Empty(t, queue.ids)
		assert.Len(t, store.created, 1)
	})

	t.Run("missing test packages reject registration", func(t *testing.T) {
		store := newFakeStore()
		svc := testService(store, &fakeChecker{ok: false}, &fakeEnqueuer{})

		_, err := svc.Register(context.Background(), "https://github.com/acme/widgets")
		var appErr *apperror.Error
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, apperror.ErrMissingDependencies.Code, appErr.Code)
		assert.Empty(t, store.created)
	})

	t.Run("invalid url surfaces as validation error", func(t *testing.T) {
		checker := &fakeChecker{err: &githost.InvalidRepoURLError{URL: "garbage"}}
		svc := testService(newFakeStore(), checker, &fakeEnqueuer{})

		_, err := svc.Register(context.Background(), "garbage")
		var appErr *apperror.Error
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, apperror.ErrInvalidRepoURL.Code, appErr.Code)
	})

	t.Run("lost registration race returns the winner's row", func(t *testing.T) {
		store := newFakeStore()
		winner := &TrackedRepository{ID: uuid.New(), URL: "https://github.com/acme/widgets"}
		store.byURL[winner.URL] = winner
		store.hideURLOnce = true
		store.createErr = apperror.ErrRepoExists

		svc := testService(store, &fakeChecker{ok: true}, &fakeEnqueuer{})

		repo, err := svc.Register(context.Background(), winner.URL)
		require.NoError(t, err)
		assert.Equal(t, winner.ID, repo.ID)
	})

	t.Run("enqueue failure does not undo registration", func(t *testing.T) {
		store := newFakeStore()
		queue := &fakeEnqueuer{err: errors.New("db down")}
		svc := testService(store, &fakeChecker{ok: true}, queue)

		repo, err := svc.Register(context.Background(), "https://github.com/acme/widgets")
		require.NoError(t, err)
		assert.NotNil(t, repo)
		assert.Len(t, store.created, 1)
	})
}

func TestTriggerScan(t *testing.T) {
	t.Run("unknown repository", func(t *testing.T) {
		svc := testService(newFakeStore(), &fakeChecker{}, &fakeEnqueuer{})

		err := svc.TriggerScan(context.Background(), uuid.New())
		var appErr *apperror.Error
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, apperror.ErrRepoNotFound.Code, appErr.Code)
	})

	t.Run("known repository is enqueued", func(t *testing.T) {
		store := newFakeStore()
		repo := &TrackedRepository{URL: "https://github.com/acme/widgets"}
		require.NoError(t, store.Create(context.Background(), repo))

		queue := &fakeEnqueuer{}
		svc := testService(store, &fakeChecker{}, queue)

		require.NoError(t, svc.TriggerScan(context.Background(), repo.ID))
		require.Len(t, queue.ids, 1)
		assert.Equal(t, repo.ID, queue.ids[0])
	})
}
