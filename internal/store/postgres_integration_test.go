package store

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	apperrors "experiment-scheduler/internal/errors"
	"experiment-scheduler/internal/lifecycle"
	"experiment-scheduler/internal/models"
)

// These tests need a real Postgres; set TEST_POSTGRES_DSN to run them.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	ctx := context.Background()
	st, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	return st
}

func testParams(projectID, fingerprint string) CreateJobParams {
	return CreateJobParams{
		Kind:              models.KindExperiment,
		ProjectID:         projectID,
		ProjectName:       "team/" + projectID,
		UserID:            "u-1",
		Config:            map[string]any{"version": 1, "image": "busybox"},
		ConfigFingerprint: fingerprint,
	}
}

func TestCreateJob_SequencesAreConsecutive(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	projectID := uniqueID(t)

	const n = 8
	seen := make(chan int, n)
	var eg errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		eg.Go(func() error {
			job, reused, err := st.CreateJob(ctx, testParams(projectID, fmt.Sprintf("fp-%d", i)))
			if err != nil {
				return err
			}
			if reused {
				return fmt.Errorf("unexpected dedup for distinct fingerprint %d", i)
			}
			seen <- job.Sequence
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	close(seen)

	got := map[int]bool{}
	for seq := range seen {
		assert.False(t, got[seq], "duplicate sequence %d", seq)
		got[seq] = true
	}
	for seq := 1; seq <= n; seq++ {
		assert.True(t, got[seq], "missing sequence %d", seq)
	}
}

func TestCreateJob_Deduplicates(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	params := testParams(uniqueID(t), "fp-same")

	first, reused, err := st.CreateJob(ctx, params)
	require.NoError(t, err)
	assert.False(t, reused)

	second, reused, err := st.CreateJob(ctx, params)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Sequence, second.Sequence)
}

func TestSetStatus_AppendsHistoryAndUpdatesCurrent(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	job, _, err := st.CreateJob(ctx, testParams(uniqueID(t), "fp-1"))
	require.NoError(t, err)

	_, err = st.SetStatus(ctx, job.ID, lifecycle.StatusScheduled, "scheduled on pool gpu", nil)
	require.NoError(t, err)
	_, err = st.SetStatus(ctx, job.ID, lifecycle.StatusRunning, "", map[string]any{"node": "gpu-7"})
	require.NoError(t, err)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusRunning, got.Status)

	history, err := st.ListStatuses(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, lifecycle.StatusCreated, history[0].Status)
	assert.Equal(t, lifecycle.StatusRunning, history[2].Status)
	// Current status always matches the latest history record.
	assert.Equal(t, got.Status, history[len(history)-1].Status)
}

func TestSetStatus_RejectsIllegalTransition(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	job, _, err := st.CreateJob(ctx, testParams(uniqueID(t), "fp-1"))
	require.NoError(t, err)

	_, err = st.SetStatus(ctx, job.ID, lifecycle.StatusRunning, "", nil)
	require.NoError(t, err)
	_, err = st.SetStatus(ctx, job.ID, lifecycle.StatusSucceeded, "", nil)
	require.NoError(t, err)

	_, err = st.SetStatus(ctx, job.ID, lifecycle.StatusRunning, "", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsIllegalTransition(err))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusSucceeded, got.Status)

	history, err := st.ListStatuses(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3, "rejected transition must not append history")
}

func TestDeleteJob_CascadesHistory(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	job, _, err := st.CreateJob(ctx, testParams(uniqueID(t), "fp-1"))
	require.NoError(t, err)
	require.NoError(t, st.DeleteJob(ctx, job.ID))

	_, err = st.GetJob(ctx, job.ID)
	assert.True(t, apperrors.IsJobNotFound(err))

	history, err := st.ListStatuses(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSetArchived(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	job, _, err := st.CreateJob(ctx, testParams(uniqueID(t), "fp-1"))
	require.NoError(t, err)

	require.NoError(t, st.SetArchived(ctx, job.ID, true))
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Archived)

	require.NoError(t, st.SetArchived(ctx, job.ID, false))
	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.Archived)

	err = st.SetArchived(ctx, "00000000-0000-0000-0000-000000000000", true)
	assert.True(t, apperrors.IsJobNotFound(err))
}

// uniqueID keeps reruns against a persistent database independent.
func uniqueID(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("%s-%s", t.Name(), uuid.New().String())
}
