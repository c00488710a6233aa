package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"experiment-scheduler/internal/config"
	"experiment-scheduler/internal/dispatch"
	apperrors "experiment-scheduler/internal/errors"
	"experiment-scheduler/internal/lifecycle"
	"experiment-scheduler/internal/models"
)

type fakeStore struct {
	jobs     map[string]models.Job
	statuses []lifecycle.Status
	deleted  []string
}

func newFakeStore(jobs ...models.Job) *fakeStore {
	s := &fakeStore{jobs: map[string]models.Job{}}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, apperrors.Newf(apperrors.KindJobNotFound, "job %s not found", id)
	}
	return job, nil
}

func (s *fakeStore) SetStatus(_ context.Context, jobID string, status lifecycle.Status, message string, details map[string]any) (models.JobStatus, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return models.JobStatus{}, apperrors.Newf(apperrors.KindJobNotFound, "job %s not found", jobID)
	}
	if !lifecycle.CanTransition(job.Status, status) {
		return models.JobStatus{}, apperrors.Newf(apperrors.KindIllegalTransition, "%s -> %s", job.Status, status)
	}
	job.Status = status
	s.jobs[jobID] = job
	s.statuses = append(s.statuses, status)
	return models.JobStatus{JobID: jobID, Status: status}, nil
}

func (s *fakeStore) DeleteJob(_ context.Context, jobID string) error {
	if _, ok := s.jobs[jobID]; !ok {
		return apperrors.Newf(apperrors.KindJobNotFound, "job %s not found", jobID)
	}
	delete(s.jobs, jobID)
	s.deleted = append(s.deleted, jobID)
	return nil
}

func (s *fakeStore) ListByStatuses(_ context.Context, statuses []lifecycle.Status) ([]models.Job, error) {
	var out []models.Job
	for _, job := range s.jobs {
		for _, st := range statuses {
			if job.Status == st && !job.Archived {
				out = append(out, job)
			}
		}
	}
	return out, nil
}

type fakeBackend struct {
	starts   []string
	stops    []string
	cleanups []string
	startErr error
	stopErr  error
}

func (b *fakeBackend) Start(_ context.Context, job models.Job) error {
	if b.startErr != nil {
		return b.startErr
	}
	b.starts = append(b.starts, job.ID)
	return nil
}

func (b *fakeBackend) Stop(_ context.Context, job models.Job) error {
	if b.stopErr != nil {
		return b.stopErr
	}
	b.stops = append(b.stops, job.ID)
	return nil
}

func (b *fakeBackend) Cleanup(_ context.Context, job models.Job) error {
	b.cleanups = append(b.cleanups, job.ID)
	return nil
}

type fakeArchiver struct {
	archived []string
	err      error
}

func (a *fakeArchiver) Archive(_ context.Context, jobName string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.archived = append(a.archived, jobName)
	return "/archive/" + jobName + ".log", nil
}

func testSetup(t *testing.T, st *fakeStore, backend *fakeBackend, archiver *fakeArchiver) (*Consumer, *dispatch.Gateway, config.Config) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := config.Config{
		RedisAddr:           mr.Addr(),
		VisibilityTimeout:   30 * time.Second,
		WorkerPollInterval:  10 * time.Millisecond,
		MaxDeliveryAttempts: 3,
		BackoffInitial:      time.Second,
		BackoffMax:          time.Minute,
		ScheduledBatchSize:  100,
		DLQName:             "dispatch:dlq",
		StartCountdown:      time.Second,
		DeletionRetention:   time.Hour,
	}
	gw := dispatch.New(cfg, zap.NewNop())
	t.Cleanup(func() { _ = gw.Close() })

	consumer := NewConsumer(cfg, gw, st, backend, archiver, zap.NewNop())
	return consumer, gw, cfg
}

// promoteAll forces every scheduled message to become ready, regardless of
// how far out its run time is.
func promoteAll(t *testing.T, gw *dispatch.Gateway) {
	t.Helper()
	farFuture := time.Now().Add(365 * 24 * time.Hour)
	_, err := gw.PromoteScheduled(context.Background(), farFuture, 100)
	require.NoError(t, err)
}

func drain(t *testing.T, consumer *Consumer, gw *dispatch.Gateway) int {
	t.Helper()
	ctx := context.Background()
	handled := 0
	for i := 0; i < 20; i++ {
		msg, ok, err := gw.Dequeue(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		consumer.Handle(ctx, msg)
		handled++
	}
	return handled
}

func TestConsumer_Start(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore(models.Job{ID: "j-1", ProjectName: "team/mnist", Kind: models.KindExperiment, Sequence: 1, Status: lifecycle.StatusCreated})
	backend := &fakeBackend{}
	consumer, gw, _ := testSetup(t, st, backend, nil)

	require.NoError(t, gw.Start(ctx, st.jobs["j-1"]))

	// Start messages sit behind the countdown until promoted.
	require.Equal(t, 0, drain(t, consumer, gw))
	promoteAll(t, gw)
	require.Equal(t, 1, drain(t, consumer, gw))

	assert.Equal(t, []string{"j-1"}, backend.starts)
	assert.Equal(t, lifecycle.StatusScheduled, st.jobs["j-1"].Status)
}

func TestConsumer_StartRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore(models.Job{ID: "j-1", Status: lifecycle.StatusScheduled})
	backend := &fakeBackend{}
	consumer, gw, _ := testSetup(t, st, backend, nil)

	require.NoError(t, gw.Start(ctx, st.jobs["j-1"]))
	promoteAll(t, gw)
	require.Equal(t, 1, drain(t, consumer, gw))

	assert.Empty(t, backend.starts, "an already-scheduled job must not be started again")
}

func TestConsumer_StartMissingJobIsDropped(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	backend := &fakeBackend{}
	consumer, gw, _ := testSetup(t, st, backend, nil)

	require.NoError(t, gw.Start(ctx, models.Job{ID: "ghost", Status: lifecycle.StatusCreated}))
	promoteAll(t, gw)
	require.Equal(t, 1, drain(t, consumer, gw))

	// Dropped permanently: nothing ready, nothing retried.
	depth, err := gw.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	assert.Empty(t, backend.starts)
}

func TestConsumer_Stop(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore(models.Job{ID: "j-1", ProjectName: "team/mnist", Kind: models.KindExperiment, Sequence: 3, Status: lifecycle.StatusRunning})
	backend := &fakeBackend{}
	archiver := &fakeArchiver{}
	consumer, gw, _ := testSetup(t, st, backend, archiver)

	require.NoError(t, gw.Stop(ctx, st.jobs["j-1"], true, true))
	require.Equal(t, 1, drain(t, consumer, gw))

	assert.Equal(t, []string{"j-1"}, backend.stops)
	assert.Equal(t, []string{"team/mnist.experiments.3"}, archiver.archived)
	assert.Equal(t, lifecycle.StatusStopped, st.jobs["j-1"].Status)
}

func TestConsumer_DuplicateStopIsNoop(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore(models.Job{ID: "j-1", Status: lifecycle.StatusRunning})
	backend := &fakeBackend{}
	consumer, gw, _ := testSetup(t, st, backend, nil)

	require.NoError(t, gw.Stop(ctx, st.jobs["j-1"], false, true))
	require.NoError(t, gw.Stop(ctx, st.jobs["j-1"], false, true))
	require.Equal(t, 2, drain(t, consumer, gw))

	// Both deliveries consumed; only the first one acted.
	assert.Equal(t, []string{"j-1"}, backend.stops)
	assert.Equal(t, []lifecycle.Status{lifecycle.StatusStopped}, st.statuses)
}

func TestConsumer_StopWithoutStatusUpdate(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore(models.Job{ID: "j-1", Status: lifecycle.StatusRunning})
	backend := &fakeBackend{}
	consumer, gw, _ := testSetup(t, st, backend, nil)

	require.NoError(t, gw.Stop(ctx, st.jobs["j-1"], false, false))
	require.Equal(t, 1, drain(t, consumer, gw))

	assert.Equal(t, []string{"j-1"}, backend.stops)
	assert.Equal(t, lifecycle.StatusRunning, st.jobs["j-1"].Status, "status untouched when update_status is false")
}

func TestConsumer_ImmediateDeletion(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore(models.Job{ID: "j-1", Status: lifecycle.StatusRunning, Archived: true})
	backend := &fakeBackend{}
	consumer, gw, _ := testSetup(t, st, backend, nil)

	require.NoError(t, gw.ScheduleDeletion(ctx, st.jobs["j-1"], true))
	require.Equal(t, 1, drain(t, consumer, gw))

	assert.Equal(t, []string{"j-1"}, backend.stops, "running job is stopped before deletion")
	assert.Equal(t, []string{"j-1"}, backend.cleanups)
	assert.Equal(t, []string{"j-1"}, st.deleted)
}

func TestConsumer_DeferredDeletionSkipsUnarchived(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore(models.Job{ID: "j-1", Status: lifecycle.StatusSucceeded, Archived: true})
	consumer, gw, _ := testSetup(t, st, &fakeBackend{}, nil)

	require.NoError(t, gw.ScheduleDeletion(ctx, st.jobs["j-1"], false))

	// Deferred deletions wait out the retention window.
	require.Equal(t, 0, drain(t, consumer, gw))

	// Unarchive during the window, then let the message come due.
	job := st.jobs["j-1"]
	job.Archived = false
	st.jobs["j-1"] = job

	promoteAll(t, gw)
	require.Equal(t, 1, drain(t, consumer, gw))

	assert.Empty(t, st.deleted, "unarchive cancels the deferred deletion")
	_, err := st.GetJob(ctx, "j-1")
	assert.NoError(t, err)
}

func TestConsumer_FailedStartIsRetriedThenDeadLettered(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore(models.Job{ID: "j-1", Status: lifecycle.StatusCreated})
	backend := &fakeBackend{startErr: errors.New("backend unavailable")}
	consumer, gw, cfg := testSetup(t, st, backend, nil)

	require.NoError(t, gw.Start(ctx, st.jobs["j-1"]))

	for attempt := 0; attempt < cfg.MaxDeliveryAttempts; attempt++ {
		promoteAll(t, gw)
		require.Equal(t, 1, drain(t, consumer, gw), "attempt %d should redeliver", attempt)
	}

	entries, err := gw.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0], "backend unavailable")

	depth, err := gw.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := time.Minute

	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffWithJitter(base, max, attempt)
		assert.GreaterOrEqual(t, d, base/2)
		assert.LessOrEqual(t, d, max)
	}
	assert.Equal(t, base, backoffWithJitter(base, max, 0))
}

func TestBackoffWithJitter_ZeroBase(t *testing.T) {
	assert.NotPanics(t, func() {
		assert.Equal(t, time.Duration(0), backoffWithJitter(0, 0, 3))
		_ = backoffWithJitter(time.Nanosecond, time.Minute, 1)
	})
}
