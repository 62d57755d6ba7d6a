package improvejobs

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverforge/coverforge/pkg/apperror"
)

type fakeJobStore struct {
	jobs map[uuid.UUID]*ImprovementJob
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[uuid.UUID]*ImprovementJob{}}
}

func (f *fakeJobStore) Create(_ context.Context, job *ImprovementJob) error {
	job.ID = uuid.New()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobStore) FindByID(_ context.Context, id uuid.UUID) (*ImprovementJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, apperror.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeJobStore) FindAll(_ context.Context) ([]*ImprovementJob, error) {
	all := make([]*ImprovementJob, 0, len(f.jobs))
	for _, job := range f.jobs {
		all = append(all, job)
	}
	return all, nil
}

type fakeImproveEnqueuer struct {
	keys []string
	ids  []uuid.UUID
}

func (f *fakeImproveEnqueuer) Enqueue(_ context.Context, jobKey string, entityID uuid.UUID) (bool, error) {
	f.keys = append(f.keys, jobKey)
	f.ids = append(f.ids, entityID)
	return true, nil
}

func testJobService(store *fakeJobStore, queue *fakeImproveEnqueuer) *Service {
	return &Service{
		repo:  store,
		queue: queue,
		log:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

func TestCreate(t *testing.T) {
	t.Run("missing url rejected", func(t *testing.T) {
		svc := testJobService(newFakeJobStore(), &fakeImproveEnqueuer{})
		_, err := svc.Create(context.Background(), "", "src/calc.ts")
		var appErr *apperror.Error
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, apperror.ErrMissingField.Code, appErr.Code)
	})

	t.Run("missing file path rejected", func(t *testing.T) {
		svc := testJobService(newFakeJobStore(), &fakeImproveEnqueuer{})
		_, err := svc.Create(context.Background(), "https://github.com/acme/widgets", "")
		var appErr *apperror.Error
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, apperror.ErrMissingField.Code, appErr.Code)
	})

	t.Run("job is persisted QUEUED and enqueued keyed by its id", func(t *testing.T) {
		store := newFakeJobStore()
		queue := &fakeImproveEnqueuer{}
		svc := testJobService(store, queue)

		job, err := svc.Create(context.Background(), "https://github.com/acme/widgets", "src/calc.ts")
		require.NoError(t, err)

		assert.Equal(t, StatusQueued, job.Status)
		assert.Equal(t, DefaultTargetCoverage, job.TargetCoverage)
		require.Len(t, queue.ids, 1)
		assert.Equal(t, job.ID, queue.ids[0])
		assert.Equal(t, job.ID.String(), queue.keys[0])
	})
}

func TestGet(t *testing.T) {
	store := newFakeJobStore()
	svc := testJobService(store, &fakeImproveEnqueuer{})

	_, err := svc.Get(context.Background(), uuid.New())
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.ErrJobNotFound.Code, appErr.Code)

	job, err := svc.Create(context.Background(), "https://github.com/acme/widgets", "src/calc.ts")
	require.NoError(t, err)

	got, err := svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}
