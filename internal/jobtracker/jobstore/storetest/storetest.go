// Package storetest holds the behaviour every jobstore.JobStore implementation must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/jobtracker/internal/common/trackererrors"
	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore"
	"github.com/G-Research/jobtracker/internal/jobtracker/model"
)

// NewStoreFunc returns an empty store that reads the current time from clock.
type NewStoreFunc func(t *testing.T, clock *clock.FakeClock) jobstore.JobStore

var baseTime = time.Date(2022, 11, 3, 9, 30, 0, 0, time.UTC)

func Submission(requestedKeys int) *model.JobSubmission {
	return &model.JobSubmission{
		ProjectNumber:     "P-0042",
		ExtractionDir:     "/extractions/P-0042",
		SubmittedAt:       baseTime.Add(-time.Hour),
		KeyTag:            "SeriesInstanceUID",
		RequestedKeyCount: requestedKeys,
		Modality:          "CT",
		UserName:          "analyst",
	}
}

func Header(messageId string) model.MessageHeader {
	return model.MessageHeader{
		MessageId:                messageId,
		ProducerExecutable:       "extractor",
		ProducerProcessId:        1234,
		OriginalPublishTimestamp: baseTime.Add(-time.Minute),
		ReceivedAt:               baseTime,
	}
}

func Files(paths ...string) []model.DispatchedFile {
	files := make([]model.DispatchedFile, len(paths))
	for i, path := range paths {
		files[i] = model.DispatchedFile{MessageId: "dispatch-" + path, OutputPath: path}
	}
	return files
}

func Outcome(jobId string, path string, status model.OutcomeStatus) *model.FileOutcome {
	return &model.FileOutcome{
		JobId:      jobId,
		OutputPath: path,
		Status:     status,
		Header:     Header("outcome-" + path),
	}
}

// Run runs every conformance test against the stores returned by newStore.
func Run(t *testing.T, newStore NewStoreFunc) {
	tests := map[string]func(t *testing.T, newStore NewStoreFunc){
		"creation order independence":      testCreationOrderIndependence,
		"concurrent collections":           testConcurrentCollections,
		"submission replay and duplicates": testSubmissionReplay,
		"collection replay and conflicts":  testCollectionReplay,
		"ready requires all collections":   testReadyRequiresAllCollections,
		"ready requires all outcomes":      testReadyRequiresAllOutcomes,
		"orphan outcomes block readiness":  testOrphanOutcomesBlockReadiness,
		"ready filtered by job id":         testReadyFilteredByJobId,
		"outcome replay and conflicts":     testOutcomeReplay,
		"outcome batch is atomic":          testOutcomeBatchAtomic,
		"archive":                          testArchive,
		"archive missing job":              testArchiveMissingJob,
		"quarantine":                       testQuarantine,
		"terminal jobs reject messages":    testTerminalJobsRejectMessages,
		"late outcomes racing archive":     testLateOutcomesRacingArchive,
		"stale jobs":                       testStaleJobs,
		"stream outcomes":                  testStreamOutcomes,
		"invalid arguments are rejected":   testInvalidArguments,
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			test(t, newStore)
		})
	}
}

func newFixture(t *testing.T, newStore NewStoreFunc) (jobstore.JobStore, *clock.FakeClock, context.Context) {
	fakeClock := clock.NewFakeClock(baseTime)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return newStore(t, fakeClock), fakeClock, ctx
}

// readyJob creates a job with two keys, three dispatched paths and outcomes for all of them.
func readyJob(t *testing.T, ctx context.Context, store jobstore.JobStore, jobId string) {
	require.NoError(t, store.UpsertJobSubmission(ctx, jobId, Header("submission"), Submission(2)))
	require.NoError(t, store.RecordFileCollection(ctx, jobId, Header("c1"), "series-1", Files("a.dcm", "b.dcm"), nil))
	require.NoError(t, store.RecordFileCollection(ctx, jobId, Header("c2"), "series-2", Files("c.dcm"), map[string]int{"burnt-in text": 2}))
	for _, path := range []string{"a.dcm", "b.dcm", "c.dcm"} {
		require.NoError(t, store.RecordFileOutcome(ctx, Outcome(jobId, path, model.Success)))
	}
}

func testCreationOrderIndependence(t *testing.T, newStore NewStoreFunc) {
	store, _, ctx := newFixture(t, newStore)

	require.NoError(t, store.UpsertJobSubmission(ctx, "submitted-first", Header("s"), Submission(2)))
	require.NoError(t, store.RecordFileCollection(ctx, "submitted-first", Header("c1"), "series-1", Files("a.dcm"), map[string]int{"no pixel data": 1}))
	require.NoError(t, store.RecordFileCollection(ctx, "submitted-first", Header("c2"), "series-2", Files("b.dcm", "c.dcm"), nil))

	require.NoError(t, store.RecordFileCollection(ctx, "collected-first", Header("c1"), "series-1", Files("a.dcm"), map[string]int{"no pixel data": 1}))
	job, err := store.GetJob(ctx, "collected-first")
	require.NoError(t, err)
	assert.Equal(t, model.AwaitingJobInfo, job.Status)
	require.NoError(t, store.RecordFileCollection(ctx, "collected-first", Header("c2"), "series-2", Files("b.dcm", "c.dcm"), nil))
	require.NoError(t, store.UpsertJobSubmission(ctx, "collected-first", Header("s"), Submission(2)))

	submittedFirst, err := store.GetJob(ctx, "submitted-first")
	require.NoError(t, err)
	collectedFirst, err := store.GetJob(ctx, "collected-first")
	require.NoError(t, err)

	collectedFirst.JobId = submittedFirst.JobId
	assert.Equal(t, submittedFirst, collectedFirst)
	assert.Equal(t, model.AwaitingOutcomes, submittedFirst.Status)
	assert.Equal(t, 2, submittedFirst.CollectionsReceived)
	assert.Equal(t, 3, submittedFirst.DispatchedFiles)
}

func testConcurrentCollections(t *testing.T, newStore NewStoreFunc) {
	store, _, ctx := newFixture(t, newStore)
	const numKeys = 20

	var wg sync.WaitGroup
	errs := make(chan error, numKeys+1)
	for i := 0; i < numKeys; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("series-%d", i)
			errs <- store.RecordFileCollection(ctx, "job", Header(key), key, Files(key+".dcm"), nil)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- store.UpsertJobSubmission(ctx, "job", Header("s"), Submission(numKeys))
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	job, err := store.GetJob(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, numKeys, job.CollectionsReceived)
	assert.Equal(t, numKeys, job.DispatchedFiles)
	assert.Len(t, job.FileCollections, numKeys)
	assert.Len(t, job.Rejections, numKeys)
	assert.Equal(t, model.AwaitingOutcomes, job.Status)
}

func testSubmissionReplay(t *testing.T, newStore NewStoreFunc) {
	store, _, ctx := newFixture(t, newStore)

	require.NoError(t, store.UpsertJobSubmission(ctx, "job", Header("s"), Submission(2)))
	before, err := store.GetJob(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, model.AwaitingCollectionInfo, before.Status)

	require.NoError(t, store.UpsertJobSubmission(ctx, "job", Header("s-redelivered"), Submission(2)))
	after, err := store.GetJob(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	err = store.UpsertJobSubmission(ctx, "job", Header("s2"), Submission(3))
	assert.True(t, errors.Is(err, jobstore.ErrDuplicateSubmission), "unexpected error %v", err)
}

func testCollectionReplay(t *testing.T, newStore NewStoreFunc) {
	store, _, ctx := newFixture(t, newStore)

	require.NoError(t, store.RecordFileCollection(ctx, "job", Header("c1"), "series-1", Files("a.dcm"), map[string]int{"secondary capture": 3}))
	require.NoError(t, store.RecordFileCollection(ctx, "job", Header("c1-again"), "series-1", Files("a.dcm"), map[string]int{"secondary capture": 3}))

	job, err := store.GetJob(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, 1, job.CollectionsReceived)
	assert.Equal(t, 1, job.DispatchedFiles)

	err = store.RecordFileCollection(ctx, "job", Header("c1-changed"), "series-1", Files("a.dcm", "b.dcm"), nil)
	assert.True(t, errors.Is(err, jobstore.ErrInconsistentCollection), "unexpected error %v", err)
}

func testReadyRequiresAllCollections(t *testing.T, newStore NewStoreFunc) {
	store, _, ctx := newFixture(t, newStore)

	require.NoError(t, store.UpsertJobSubmission(ctx, "job", Header("s"), Submission(2)))
	require.NoError(t, store.RecordFileCollection(ctx, "job", Header("c1"), "series-1", Files("a.dcm"), nil))
	require.NoError(t, store.RecordFileOutcome(ctx, Outcome("job", "a.dcm", model.Success)))

	ready, err := store.ListReadyJobs(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, ready)

	// A job without a submission has no requested key count yet
	require.NoError(t, store.RecordFileCollection(ctx, "unsubmitted", Header("c1"), "series-1", nil, nil))
	ready, err = store.ListReadyJobs(ctx, "unsubmitted")
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func testReadyRequiresAllOutcomes(t *testing.T, newStore NewStoreFunc) {
	store, _, ctx := newFixture(t, newStore)

	require.NoError(t, store.UpsertJobSubmission(ctx, "job", Header("s"), Submission(2)))
	require.NoError(t, store.RecordFileCollection(ctx, "job", Header("c1"), "series-1", Files("a.dcm", "b.dcm"), nil))
	require.NoError(t, store.RecordFileCollection(ctx, "job", Header("c2"), "series-2", Files("c.dcm"), nil))
	require.NoError(t, store.RecordFileOutcome(ctx, Outcome("job", "a.dcm", model.Success)))
	require.NoError(t, store.RecordFileOutcome(ctx, Outcome("job", "b.dcm", model.VerificationFailed)))

	ready, err := store.ListReadyJobs(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, ready)

	require.NoError(t, store.RecordFileOutcome(ctx, Outcome("job", "c.dcm", model.ErrorWontRetry)))
	ready, err = store.ListReadyJobs(ctx, "")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "job", ready[0].JobId)
	assert.Equal(t, model.Ready, ready[0].Status)
	assert.Len(t, ready[0].FileCollections, 2)
}

func testOrphanOutcomesBlockReadiness(t *testing.T, newStore NewStoreFunc) {
	store, _, ctx := newFixture(t, newStore)

	require.NoError(t, store.UpsertJobSubmission(ctx, "job", Header("s"), Submission(1)))
	require.NoError(t, store.RecordFileCollection(ctx, "job", Header("c1"), "series-1", Files("a.dcm", "b.dcm"), nil))
	require.NoError(t, store.RecordFileOutcome(ctx, Outcome("job", "a.dcm", model.Success)))
	require.NoError(t, store.RecordFileOutcome(ctx, Outcome("job", "unknown.dcm", model.Success)))

	// Counts match, but one outcome is for a path that was never dispatched
	ready, err := store.ListReadyJobs(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, ready)

	require.NoError(t, store.RecordFileOutcome(ctx, Outcome("job", "b.dcm", model.Success)))
	ready, err = store.ListReadyJobs(ctx, "job")
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func testReadyFilteredByJobId(t *testing.T, newStore NewStoreFunc) {
	store, _, ctx := newFixture(t, newStore)
	readyJob(t, ctx, store, "job-1")
	readyJob(t, ctx, store, "job-2")

	ready, err := store.ListReadyJobs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, ready, 2)

	ready, err = store.ListReadyJobs(ctx, "job-2")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "job-2", ready[0].JobId)

	ready, err = store.ListReadyJobs(ctx, "no-such-job")
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func testOutcomeReplay(t *testing.T, newStore NewStoreFunc) {
	store, _, ctx := newFixture(t, newStore)

	require.NoError(t, store.RecordFileOutcome(ctx, Outcome("job", "a.dcm", model.ErrorCanRetry)))
	// A retry replaces a retryable error
	require.NoError(t, store.RecordFileOutcome(ctx, Outcome("job", "a.dcm", model.Success)))
	// Redelivery is a no-op
	require.NoError(t, store.RecordFileOutcome(ctx, Outcome("job", "a.dcm", model.Success)))

	err := store.RecordFileOutcome(ctx, Outcome("job", "a.dcm", model.VerificationFailed))
	assert.True(t, errors.Is(err, jobstore.ErrConflictingOutcome), "unexpected error %v", err)

	var outcomes []*model.FileOutcome
	require.NoError(t, store.StreamFileOutcomes(ctx, "job", func(outcome *model.FileOutcome) error {
		outcomes = append(outcomes, outcome)
		return nil
	}))
	require.Len(t, outcomes, 1)
	assert.Equal(t, model.Success, outcomes[0].Status)
}

func testOutcomeBatchAtomic(t *testing.T, newStore NewStoreFunc) {
	store, _, ctx := newFixture(t, newStore)

	require.NoError(t, store.RecordFileOutcome(ctx, Outcome("job", "a.dcm", model.Success)))
	err := store.RecordFileOutcomes(ctx, []*model.FileOutcome{
		Outcome("job", "b.dcm", model.Success),
		Outcome("job", "a.dcm", model.VerificationFailed),
	})
	assert.True(t, errors.Is(err, jobstore.ErrConflictingOutcome), "unexpected error %v", err)

	count := 0
	require.NoError(t, store.StreamFileOutcomes(ctx, "job", func(*model.FileOutcome) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count)

	require.NoError(t, store.RecordFileOutcomes(ctx, []*model.FileOutcome{
		Outcome("job", "b.dcm", model.Success),
		Outcome("job", "c.dcm", model.Success),
	}))
}

func testArchive(t *testing.T, newStore NewStoreFunc) {
	store, fakeClock, ctx := newFixture(t, newStore)
	readyJob(t, ctx, store, "job")

	before, err := store.GetJob(ctx, "job")
	require.NoError(t, err)

	fakeClock.Step(time.Minute)
	require.NoError(t, store.Archive(ctx, "job"))

	_, err = store.GetJob(ctx, "job")
	assert.True(t, trackererrors.IsNotFound(err), "unexpected error %v", err)

	archived, err := store.GetArchivedJob(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, before, archived.Job)
	assert.Equal(t, baseTime.Add(time.Minute), archived.CompletedAt)

	err = store.Archive(ctx, "job")
	assert.True(t, errors.Is(err, jobstore.ErrAlreadyArchived), "unexpected error %v", err)

	ready, err := store.ListReadyJobs(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func testArchiveMissingJob(t *testing.T, newStore NewStoreFunc) {
	store, _, ctx := newFixture(t, newStore)

	err := store.Archive(ctx, "missing")
	assert.True(t, trackererrors.IsNotFound(err), "unexpected error %v", err)
	err = store.Quarantine(ctx, "missing", "cause")
	assert.True(t, trackererrors.IsNotFound(err), "unexpected error %v", err)
	assert.True(t, jobstore.IsApplicationError(err))
	_, err = store.GetArchivedJob(ctx, "missing")
	assert.True(t, trackererrors.IsNotFound(err), "unexpected error %v", err)
	assert.Contains(t, err.Error(), `"missing" of type "archived job"`)
}

func testQuarantine(t *testing.T, newStore NewStoreFunc) {
	store, _, ctx := newFixture(t, newStore)

	require.NoError(t, store.RecordFileCollection(ctx, "job", Header("c1"), "series-1", Files("a.dcm"), nil))
	require.NoError(t, store.Quarantine(ctx, "job", "timed out waiting for job submission"))

	quarantined, err := store.GetQuarantinedJob(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, "timed out waiting for job submission", quarantined.Cause)
	assert.Equal(t, baseTime, quarantined.QuarantinedAt)
	assert.Equal(t, model.AwaitingJobInfo, quarantined.Job.Status)

	all, err := store.ListQuarantinedJobs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "job", all[0].Job.JobId)

	err = store.Quarantine(ctx, "job", "again")
	assert.True(t, errors.Is(err, jobstore.ErrAlreadyQuarantined), "unexpected error %v", err)
	err = store.Archive(ctx, "job")
	assert.True(t, errors.Is(err, jobstore.ErrJobAlreadyTerminal), "unexpected error %v", err)
}

func testTerminalJobsRejectMessages(t *testing.T, newStore NewStoreFunc) {
	store, _, ctx := newFixture(t, newStore)
	readyJob(t, ctx, store, "archived")
	require.NoError(t, store.Archive(ctx, "archived"))
	require.NoError(t, store.UpsertJobSubmission(ctx, "quarantined", Header("s"), Submission(1)))
	require.NoError(t, store.Quarantine(ctx, "quarantined", "corrupt"))

	for _, jobId := range []string{"archived", "quarantined"} {
		err := store.UpsertJobSubmission(ctx, jobId, Header("s"), Submission(1))
		assert.True(t, errors.Is(err, jobstore.ErrJobAlreadyTerminal), "unexpected error %v", err)
		err = store.RecordFileCollection(ctx, jobId, Header("c9"), "series-9", Files("z.dcm"), nil)
		assert.True(t, errors.Is(err, jobstore.ErrJobAlreadyTerminal), "unexpected error %v", err)
		err = store.RecordFileOutcome(ctx, Outcome(jobId, "z.dcm", model.Success))
		assert.True(t, errors.Is(err, jobstore.ErrJobAlreadyTerminal), "unexpected error %v", err)
		assert.True(t, jobstore.IsApplicationError(err))
	}
	err := store.Quarantine(ctx, "archived", "late")
	assert.True(t, errors.Is(err, jobstore.ErrJobAlreadyTerminal), "unexpected error %v", err)
}

func testLateOutcomesRacingArchive(t *testing.T, newStore NewStoreFunc) {
	store, _, ctx := newFixture(t, newStore)
	readyJob(t, ctx, store, "job")
	const numLate = 50

	var wg sync.WaitGroup
	results := make([]error, numLate)
	for i := 0; i < numLate; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = store.RecordFileOutcome(ctx, Outcome("job", fmt.Sprintf("late-%d.dcm", i), model.Success))
		}(i)
	}
	require.NoError(t, store.Archive(ctx, "job"))
	wg.Wait()

	stored := make(map[string]bool)
	require.NoError(t, store.StreamFileOutcomes(ctx, "job", func(outcome *model.FileOutcome) error {
		stored[outcome.OutputPath] = true
		return nil
	}))
	for i, err := range results {
		path := fmt.Sprintf("late-%d.dcm", i)
		if err != nil {
			assert.True(t, errors.Is(err, jobstore.ErrJobAlreadyTerminal), "unexpected error %v", err)
			assert.False(t, stored[path], "rejected outcome %s was stored", path)
		} else {
			assert.True(t, stored[path], "accepted outcome %s was lost", path)
		}
	}
}

func testStaleJobs(t *testing.T, newStore NewStoreFunc) {
	store, fakeClock, ctx := newFixture(t, newStore)

	require.NoError(t, store.UpsertJobSubmission(ctx, "quiet", Header("s"), Submission(1)))
	require.NoError(t, store.UpsertJobSubmission(ctx, "busy", Header("s"), Submission(1)))
	require.NoError(t, store.RecordFileCollection(ctx, "busy", Header("c1"), "series-1", Files("a.dcm", "b.dcm"), nil))

	fakeClock.Step(10 * time.Minute)
	require.NoError(t, store.RecordFileOutcome(ctx, Outcome("busy", "a.dcm", model.Success)))
	fakeClock.Step(10 * time.Minute)

	stale, err := store.ListStaleJobs(ctx, fakeClock.Now().Add(-15*time.Minute), "")
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "quiet", stale[0].JobId)

	stale, err = store.ListStaleJobs(ctx, fakeClock.Now().Add(-5*time.Minute), "busy")
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "busy", stale[0].JobId)
}

func testStreamOutcomes(t *testing.T, newStore NewStoreFunc) {
	store, _, ctx := newFixture(t, newStore)
	readyJob(t, ctx, store, "job")
	require.NoError(t, store.RecordFileOutcome(ctx, Outcome("other", "a.dcm", model.Success)))

	paths := make(map[string]model.OutcomeStatus)
	require.NoError(t, store.StreamFileOutcomes(ctx, "job", func(outcome *model.FileOutcome) error {
		paths[outcome.OutputPath] = outcome.Status
		return nil
	}))
	assert.Equal(t, map[string]model.OutcomeStatus{"a.dcm": model.Success, "b.dcm": model.Success, "c.dcm": model.Success}, paths)

	stop := errors.New("stop")
	calls := 0
	err := store.StreamFileOutcomes(ctx, "job", func(*model.FileOutcome) error {
		calls++
		return stop
	})
	assert.True(t, errors.Is(err, stop))
	assert.Equal(t, 1, calls)
}

func testInvalidArguments(t *testing.T, newStore NewStoreFunc) {
	store, _, ctx := newFixture(t, newStore)

	assert.Error(t, store.UpsertJobSubmission(ctx, "", Header("s"), Submission(1)))
	assert.Error(t, store.UpsertJobSubmission(ctx, "job", Header("s"), Submission(-1)))
	assert.Error(t, store.RecordFileCollection(ctx, "job", Header("c"), "", Files("a.dcm"), nil))
	assert.Error(t, store.RecordFileCollection(ctx, "job", Header("c"), "series-1", Files(""), nil))
	assert.Error(t, store.RecordFileOutcome(ctx, Outcome("job", "a.dcm", "Mystery")))
	assert.Error(t, store.RecordFileOutcome(ctx, Outcome("job", "", model.Success)))

	err := store.RecordFileOutcome(ctx, Outcome("", "a.dcm", model.Success))
	assert.True(t, jobstore.IsApplicationError(err))
}
