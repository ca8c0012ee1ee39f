package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/jobtracker/internal/common/trackererrors"
	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore"
	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore/memory"
	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore/storetest"
	"github.com/G-Research/jobtracker/internal/jobtracker/metrics"
	"github.com/G-Research/jobtracker/internal/jobtracker/model"
	"github.com/G-Research/jobtracker/internal/jobtracker/report"
)

const (
	pollInterval     = time.Minute
	stalenessTimeout = time.Hour
)

type fakeGenerator struct {
	mu        sync.Mutex
	generated map[string]int
	err       error
	panics    map[string]bool
}

func (g *fakeGenerator) Generate(ctx context.Context, job *model.CompletedJob, outcomes report.OutcomeStream) error {
	if g.panics[job.JobId] {
		panic("nil map")
	}
	if g.err != nil {
		return g.err
	}
	count := 0
	if err := outcomes(ctx, func(*model.FileOutcome) error { count++; return nil }); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.generated == nil {
		g.generated = make(map[string]int)
	}
	g.generated[job.JobId] = count
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	notified []string
	err      error
}

func (n *fakeNotifier) Notify(_ context.Context, job *model.CompletedJob) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, job.JobId)
	return n.err
}

func (n *fakeNotifier) jobIds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notified...)
}

type fixture struct {
	clock     *clock.FakeClock
	store     jobstore.JobStore
	generator *fakeGenerator
	notifier  *fakeNotifier
	watcher   *Watcher
}

func newFixture(t *testing.T) *fixture {
	fakeClock := clock.NewFakeClock(time.Date(2022, 11, 3, 9, 0, 0, 0, time.UTC))
	store, err := memory.NewJobStore(fakeClock)
	require.NoError(t, err)
	f := &fixture{
		clock:     fakeClock,
		store:     store,
		generator: &fakeGenerator{},
		notifier:  &fakeNotifier{},
	}
	f.watcher = f.newWatcher(store)
	return f
}

func (f *fixture) newWatcher(store jobstore.JobStore) *Watcher {
	return New(store, f.generator, f.notifier, f.clock, pollInterval, stalenessTimeout, time.Second, metrics.NewMetrics(prometheus.NewRegistry()))
}

// seed submits jobId with one key per entry of keys, each dispatching the listed paths.
func (f *fixture) seed(t *testing.T, jobId string, keys map[string][]string) {
	ctx := context.Background()
	require.NoError(t, f.store.UpsertJobSubmission(ctx, jobId, storetest.Header("submit-"+jobId), storetest.Submission(len(keys))))
	for keyValue, paths := range keys {
		require.NoError(t, f.store.RecordFileCollection(ctx, jobId, storetest.Header("collect-"+keyValue), keyValue, storetest.Files(paths...), nil))
	}
}

func (f *fixture) outcomes(t *testing.T, jobId string, paths ...string) {
	for _, path := range paths {
		require.NoError(t, f.store.RecordFileOutcome(context.Background(), storetest.Outcome(jobId, path, model.Success)))
	}
}

func (f *fixture) quarantineCause(t *testing.T, jobId string) string {
	quarantined, err := f.store.GetQuarantinedJob(context.Background(), jobId)
	require.NoError(t, err)
	return quarantined.Cause
}

func (f *fixture) isArchived(jobId string) bool {
	_, err := f.store.GetArchivedJob(context.Background(), jobId)
	return err == nil
}

func TestProcessJobs_ArchivesCompleteJobs(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "job-1", map[string][]string{"series-1": {"a.dcm", "b.dcm"}, "series-2": {"c.dcm"}})
	f.outcomes(t, "job-1", "a.dcm", "b.dcm", "c.dcm")

	require.NoError(t, f.watcher.ProcessJobs(context.Background(), ""))

	assert.True(t, f.isArchived("job-1"))
	assert.Equal(t, map[string]int{"job-1": 3}, f.generator.generated)
	assert.Equal(t, []string{"job-1"}, f.notifier.jobIds())
	quarantined, err := f.store.ListQuarantinedJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, quarantined)

	// Nothing is left to do on the next pass.
	require.NoError(t, f.watcher.ProcessJobs(context.Background(), ""))
	assert.Len(t, f.notifier.jobIds(), 1)
}

func TestProcessJobs_ZeroKeyJobIsCompleteImmediately(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "empty", map[string][]string{})

	require.NoError(t, f.watcher.ProcessJobs(context.Background(), ""))
	assert.True(t, f.isArchived("empty"))
}

func TestProcessJobs_MissingOutcomeQuarantinedWhenStale(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "job-1", map[string][]string{"series-1": {"a.dcm", "b.dcm"}})
	f.outcomes(t, "job-1", "a.dcm")

	for i := 0; i < 3; i++ {
		f.clock.Step(stalenessTimeout / 4)
		require.NoError(t, f.watcher.ProcessJobs(context.Background(), ""))
		job, err := f.store.GetJob(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, model.AwaitingOutcomes, job.Status)
	}

	f.clock.Step(stalenessTimeout / 2)
	require.NoError(t, f.watcher.ProcessJobs(context.Background(), ""))
	assert.Equal(t, causeOutcomes, f.quarantineCause(t, "job-1"))
	assert.Empty(t, f.notifier.jobIds())
	assert.Empty(t, f.generator.generated)
}

func TestProcessJobs_RecentOutcomeDefersStaleness(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "job-1", map[string][]string{"series-1": {"a.dcm", "b.dcm"}})

	f.clock.Step(stalenessTimeout - time.Minute)
	f.outcomes(t, "job-1", "a.dcm")
	f.clock.Step(2 * time.Minute)
	require.NoError(t, f.watcher.ProcessJobs(context.Background(), ""))

	_, err := f.store.GetJob(context.Background(), "job-1")
	assert.NoError(t, err)
}

func TestProcessJobs_StaleCauses(t *testing.T) {
	tests := map[string]struct {
		seed          func(t *testing.T, f *fixture)
		expectedCause string
	}{
		"no submission": {
			seed: func(t *testing.T, f *fixture) {
				require.NoError(t, f.store.RecordFileCollection(context.Background(), "job", storetest.Header("c"), "series-1", storetest.Files("a.dcm"), nil))
			},
			expectedCause: causeSubmission,
		},
		"missing collections": {
			seed: func(t *testing.T, f *fixture) {
				require.NoError(t, f.store.UpsertJobSubmission(context.Background(), "job", storetest.Header("s"), storetest.Submission(3)))
				require.NoError(t, f.store.RecordFileCollection(context.Background(), "job", storetest.Header("c"), "series-1", storetest.Files("a.dcm"), nil))
			},
			expectedCause: causeCollections + ": received 1 of 3",
		},
		"too many collections": {
			seed: func(t *testing.T, f *fixture) {
				require.NoError(t, f.store.RecordFileCollection(context.Background(), "job", storetest.Header("c1"), "series-1", storetest.Files("a.dcm"), nil))
				require.NoError(t, f.store.RecordFileCollection(context.Background(), "job", storetest.Header("c2"), "series-2", storetest.Files("b.dcm"), nil))
				require.NoError(t, f.store.UpsertJobSubmission(context.Background(), "job", storetest.Header("s"), storetest.Submission(1)))
			},
			expectedCause: causeOverCount + ": received 2 for 1",
		},
		"path under two key values": {
			seed: func(t *testing.T, f *fixture) {
				f.seed(t, "job", map[string][]string{"series-1": {"a.dcm"}, "series-2": {"a.dcm"}})
				f.outcomes(t, "job", "a.dcm")
			},
			expectedCause: causeAmbiguous + ": a.dcm (series-1, series-2)",
		},
		"orphan outcome": {
			seed: func(t *testing.T, f *fixture) {
				f.seed(t, "job", map[string][]string{"series-1": {"a.dcm"}})
				f.outcomes(t, "job", "z.dcm")
			},
			expectedCause: causeOrphans + ": z.dcm",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			tc.seed(t, f)

			require.NoError(t, f.watcher.ProcessJobs(context.Background(), ""))
			_, err := f.store.GetJob(context.Background(), "job")
			require.NoError(t, err, "job must not be quarantined before the staleness timeout")

			f.clock.Step(stalenessTimeout + time.Second)
			require.NoError(t, f.watcher.ProcessJobs(context.Background(), ""))
			assert.Equal(t, tc.expectedCause, f.quarantineCause(t, "job"))
		})
	}
}

func TestProcessJobs_ReportFailureQuarantines(t *testing.T) {
	f := newFixture(t)
	f.generator.err = errors.New("disk full")
	f.seed(t, "job-1", map[string][]string{"series-1": {"a.dcm"}})
	f.outcomes(t, "job-1", "a.dcm")

	require.NoError(t, f.watcher.ProcessJobs(context.Background(), ""))
	assert.Equal(t, causeReport+": disk full", f.quarantineCause(t, "job-1"))
	assert.Empty(t, f.notifier.jobIds())
}

func TestProcessJobs_NotificationFailureKeepsArchive(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("broker unavailable")
	f.seed(t, "job-1", map[string][]string{"series-1": {"a.dcm"}})
	f.outcomes(t, "job-1", "a.dcm")

	require.NoError(t, f.watcher.ProcessJobs(context.Background(), ""))
	assert.True(t, f.isArchived("job-1"))
}

func TestProcessJobs_IsolatesJobFailures(t *testing.T) {
	f := newFixture(t)
	f.generator.panics = map[string]bool{"bad": true}
	for _, jobId := range []string{"bad", "good"} {
		f.seed(t, jobId, map[string][]string{"series-" + jobId: {jobId + ".dcm"}})
		f.outcomes(t, jobId, jobId+".dcm")
	}

	err := f.watcher.ProcessJobs(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic processing job bad")

	assert.True(t, f.isArchived("good"))
	_, err = f.store.GetJob(context.Background(), "bad")
	assert.NoError(t, err, "a job whose processing failed stays active")
}

func TestProcessJobs_SingleJob(t *testing.T) {
	f := newFixture(t)
	for _, jobId := range []string{"job-1", "job-2"} {
		f.seed(t, jobId, map[string][]string{"series-" + jobId: {jobId + ".dcm"}})
		f.outcomes(t, jobId, jobId+".dcm")
	}

	require.NoError(t, f.watcher.ProcessJobs(context.Background(), "job-2"))
	assert.True(t, f.isArchived("job-2"))
	assert.False(t, f.isArchived("job-1"))
}

// archivedElsewhereStore reports every job as archived already, as happens when a pass is retried.
type archivedElsewhereStore struct {
	jobstore.JobStore
}

func (s archivedElsewhereStore) Archive(context.Context, string) error {
	return errors.WithStack(jobstore.ErrAlreadyArchived)
}

func TestProcessJobs_AlreadyArchivedIsSuccess(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "job-1", map[string][]string{"series-1": {"a.dcm"}})
	f.outcomes(t, "job-1", "a.dcm")
	w := f.newWatcher(archivedElsewhereStore{JobStore: f.store})

	require.NoError(t, w.ProcessJobs(context.Background(), ""))
	assert.Empty(t, f.notifier.jobIds(), "the pass that archived the job has notified")
}

// readyListingStore replaces ListReadyJobs, leaving the rest of the store intact.
type readyListingStore struct {
	jobstore.JobStore
	err error
}

func (s readyListingStore) ListReadyJobs(context.Context, string) ([]*model.ExtractionJob, error) {
	return nil, s.err
}

func TestProcessJobs_CompleteJobsPastStalenessTimeout(t *testing.T) {
	tests := map[string]struct {
		listErr          error
		expectPassError  bool
		expectedArchived bool
	}{
		"ready listing fails": {
			listErr:          &trackererrors.ErrTransient{Err: errors.New("statement timeout")},
			expectPassError:  true,
			expectedArchived: false,
		},
		"ready listing misses the job": {
			expectedArchived: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, "job-1", map[string][]string{"series-1": {"a.dcm", "b.dcm"}, "series-2": {"c.dcm"}})
			f.outcomes(t, "job-1", "a.dcm", "b.dcm", "c.dcm")
			ready, err := f.store.ListReadyJobs(context.Background(), "")
			require.NoError(t, err)
			require.Len(t, ready, 1)

			f.clock.Step(stalenessTimeout + time.Second)
			w := f.newWatcher(readyListingStore{JobStore: f.store, err: tc.listErr})
			err = w.ProcessJobs(context.Background(), "")
			if tc.expectPassError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			_, err = f.store.GetQuarantinedJob(context.Background(), "job-1")
			assert.Error(t, err, "a complete job must never be quarantined")
			assert.Equal(t, tc.expectedArchived, f.isArchived("job-1"))
			if !tc.expectedArchived {
				_, err = f.store.GetJob(context.Background(), "job-1")
				assert.NoError(t, err)

				require.NoError(t, f.watcher.ProcessJobs(context.Background(), ""))
				assert.True(t, f.isArchived("job-1"))
			}
			assert.Equal(t, []string{"job-1"}, f.notifier.jobIds())
		})
	}
}

func TestRun_Trigger(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- f.watcher.Run(ctx)
	}()

	f.seed(t, "job-1", map[string][]string{"series-1": {"a.dcm"}})
	f.outcomes(t, "job-1", "a.dcm")
	f.watcher.Trigger("job-1")
	assert.Eventually(t, func() bool { return f.isArchived("job-1") }, 5*time.Second, time.Millisecond)

	f.seed(t, "job-2", map[string][]string{"series-2": {"b.dcm"}})
	f.outcomes(t, "job-2", "b.dcm")
	assert.Eventually(t, f.clock.HasWaiters, time.Second, time.Millisecond)
	f.clock.Step(pollInterval)
	assert.Eventually(t, func() bool { return f.isArchived("job-2") }, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
