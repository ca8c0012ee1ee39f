package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore"
	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore/storetest"
	"github.com/G-Research/jobtracker/internal/jobtracker/model"
)

func newTestStore(t *testing.T, fakeClock *clock.FakeClock) jobstore.JobStore {
	store, err := NewJobStore(fakeClock)
	require.NoError(t, err)
	return store
}

func TestJobStore(t *testing.T) {
	storetest.Run(t, newTestStore)
}

func TestJobStore_ReturnedJobsAreCopies(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, clock.NewFakeClock(storetest.Header("x").ReceivedAt))
	require.NoError(t, store.RecordFileCollection(ctx, "job", storetest.Header("c1"), "series-1", storetest.Files("a.dcm"), nil))

	job, err := store.GetJob(ctx, "job")
	require.NoError(t, err)
	job.FileCollections[0].Files[0].OutputPath = "tampered.dcm"
	job.CollectionsReceived = 99

	job, err = store.GetJob(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, "a.dcm", job.FileCollections[0].Files[0].OutputPath)
	assert.Equal(t, 1, job.CollectionsReceived)
}

func TestJobStore_OutcomeTimestamps(t *testing.T) {
	ctx := context.Background()
	fakeClock := clock.NewFakeClock(storetest.Header("x").ReceivedAt)
	store := newTestStore(t, fakeClock)

	require.NoError(t, store.RecordFileOutcome(ctx, storetest.Outcome("job", "a.dcm", model.Success)))
	require.NoError(t, store.StreamFileOutcomes(ctx, "job", func(outcome *model.FileOutcome) error {
		assert.Equal(t, fakeClock.Now(), outcome.RecordedAt)
		return nil
	}))
}
