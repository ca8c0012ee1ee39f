package consumers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/jobtracker/internal/common/dedup"
	"github.com/G-Research/jobtracker/internal/common/trackererrors"
	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore"
	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore/memory"
	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore/storetest"
	"github.com/G-Research/jobtracker/internal/jobtracker/metrics"
	"github.com/G-Research/jobtracker/internal/jobtracker/model"
	"github.com/G-Research/jobtracker/internal/jobtracker/verification"
)

type settlement string

const (
	pending  settlement = ""
	acked    settlement = "ack"
	requeued settlement = "requeue"
	rejected settlement = "reject"
)

type fakeDelivery struct {
	header  model.MessageHeader
	payload []byte

	mu     sync.Mutex
	result settlement
	calls  int
}

func newDelivery(messageId string, payload interface{}) *fakeDelivery {
	var data []byte
	switch p := payload.(type) {
	case string:
		data = []byte(p)
	default:
		var err error
		data, err = json.Marshal(p)
		if err != nil {
			panic(err)
		}
	}
	return &fakeDelivery{header: storetest.Header(messageId), payload: data}
}

func (d *fakeDelivery) Header() model.MessageHeader { return d.header }
func (d *fakeDelivery) Payload() []byte             { return d.payload }

func (d *fakeDelivery) Ack() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.result = acked
	d.calls++
}

func (d *fakeDelivery) Nack(requeue bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if requeue {
		d.result = requeued
	} else {
		d.result = rejected
	}
	d.calls++
}

func (d *fakeDelivery) settlement() settlement {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.result
}

// failingStore returns err from every write.
type failingStore struct {
	jobstore.JobStore
	err   error
	calls int
}

func (s *failingStore) UpsertJobSubmission(context.Context, string, model.MessageHeader, *model.JobSubmission) error {
	s.calls++
	return s.err
}

func (s *failingStore) RecordFileCollection(context.Context, string, model.MessageHeader, string, []model.DispatchedFile, map[string]int) error {
	s.calls++
	return s.err
}

func (s *failingStore) RecordFileOutcome(context.Context, *model.FileOutcome) error {
	s.calls++
	return s.err
}

func newStore(t *testing.T) jobstore.JobStore {
	store, err := memory.NewJobStore(clock.NewFakeClock(storetest.Header("").ReceivedAt))
	require.NoError(t, err)
	return store
}

func newMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

func submissionPayload(jobId string, requestedKeys int) JobSubmissionMessage {
	return JobSubmissionMessage{JobId: jobId, JobSubmission: *storetest.Submission(requestedKeys)}
}

func TestJobSubmissionConsumer(t *testing.T) {
	tests := map[string]struct {
		prepare  func(t *testing.T, store jobstore.JobStore)
		payload  interface{}
		expected settlement
	}{
		"new job": {
			payload:  submissionPayload("job", 2),
			expected: acked,
		},
		"identical replay": {
			prepare: func(t *testing.T, store jobstore.JobStore) {
				require.NoError(t, store.UpsertJobSubmission(context.Background(), "job", storetest.Header("s"), storetest.Submission(2)))
			},
			payload:  submissionPayload("job", 2),
			expected: acked,
		},
		"different submission": {
			prepare: func(t *testing.T, store jobstore.JobStore) {
				require.NoError(t, store.UpsertJobSubmission(context.Background(), "job", storetest.Header("s"), storetest.Submission(3)))
			},
			payload:  submissionPayload("job", 2),
			expected: rejected,
		},
		"quarantined job": {
			prepare: func(t *testing.T, store jobstore.JobStore) {
				require.NoError(t, store.UpsertJobSubmission(context.Background(), "job", storetest.Header("s"), storetest.Submission(2)))
				require.NoError(t, store.Quarantine(context.Background(), "job", "corrupt"))
			},
			payload:  submissionPayload("job", 2),
			expected: rejected,
		},
		"malformed json": {
			payload:  `{"jobId": `,
			expected: rejected,
		},
		"missing job id": {
			payload:  submissionPayload("", 2),
			expected: rejected,
		},
		"negative key count": {
			payload:  submissionPayload("job", -1),
			expected: rejected,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			if tc.prepare != nil {
				tc.prepare(t, store)
			}
			consumer := NewJobSubmissionConsumer(store, nil, time.Second, newMetrics())
			delivery := newDelivery("m-1", tc.payload)

			consumer.Handle(context.Background(), delivery)

			assert.Equal(t, tc.expected, delivery.settlement())
			assert.Equal(t, 1, delivery.calls)
		})
	}
}

func TestFileCollectionConsumer(t *testing.T) {
	tests := map[string]struct {
		payload  interface{}
		expected settlement
	}{
		"valid": {
			payload: FileCollectionMessage{
				JobId:      "job",
				KeyValue:   "series-1",
				Files:      storetest.Files("a.dcm", "b.dcm"),
				Rejections: map[string]int{"burnt-in text": 1},
			},
			expected: acked,
		},
		"no files": {
			payload:  FileCollectionMessage{JobId: "job", KeyValue: "series-1"},
			expected: acked,
		},
		"file without output path": {
			payload: FileCollectionMessage{
				JobId:    "job",
				KeyValue: "series-1",
				Files:    []model.DispatchedFile{{MessageId: "d-1"}},
			},
			expected: rejected,
		},
		"negative rejection count": {
			payload: FileCollectionMessage{
				JobId:      "job",
				KeyValue:   "series-1",
				Rejections: map[string]int{"burnt-in text": -1},
			},
			expected: rejected,
		},
		"missing key value": {
			payload:  FileCollectionMessage{JobId: "job"},
			expected: rejected,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			consumer := NewFileCollectionConsumer(store, nil, time.Second, newMetrics())
			delivery := newDelivery("m-1", tc.payload)

			consumer.Handle(context.Background(), delivery)

			assert.Equal(t, tc.expected, delivery.settlement())
			if tc.expected == acked {
				job, err := store.GetJob(context.Background(), "job")
				require.NoError(t, err)
				assert.Equal(t, 1, job.CollectionsReceived)
				assert.Equal(t, "m-1", job.FileCollections[0].Header.MessageId)
			}
		})
	}
}

func TestFileOutcomeConsumer(t *testing.T) {
	store := newStore(t)
	consumer := NewFileOutcomeConsumer(store, time.Second, newMetrics())

	delivery := newDelivery("m-1", FileOutcomeMessage{JobId: "job", OutputPath: "a.dcm", Status: model.ErrorWontRetry, Reason: "unsupported transfer syntax"})
	consumer.Handle(context.Background(), delivery)
	assert.Equal(t, acked, delivery.settlement())

	var outcomes []*model.FileOutcome
	require.NoError(t, store.StreamFileOutcomes(context.Background(), "job", func(outcome *model.FileOutcome) error {
		outcomes = append(outcomes, outcome)
		return nil
	}))
	require.Len(t, outcomes, 1)
	assert.Equal(t, model.ErrorWontRetry, outcomes[0].Status)
	assert.Equal(t, "unsupported transfer syntax", outcomes[0].Reason)
	assert.Equal(t, "m-1", outcomes[0].Header.MessageId)

	delivery = newDelivery("m-2", FileOutcomeMessage{JobId: "job", OutputPath: "a.dcm", Status: "Exploded"})
	consumer.Handle(context.Background(), delivery)
	assert.Equal(t, rejected, delivery.settlement())
}

func TestConsumers_TransientErrorsAreRequeued(t *testing.T) {
	store := &failingStore{err: errors.WithStack(&trackererrors.ErrTransient{Err: errors.New("connection reset")})}
	m := newMetrics()

	tests := map[string]struct {
		consumer Consumer
		payload  interface{}
	}{
		"submission": {
			consumer: NewJobSubmissionConsumer(store, nil, time.Second, m),
			payload:  submissionPayload("job", 1),
		},
		"collection": {
			consumer: NewFileCollectionConsumer(store, nil, time.Second, m),
			payload:  FileCollectionMessage{JobId: "job", KeyValue: "series-1"},
		},
		"outcome": {
			consumer: NewFileOutcomeConsumer(store, time.Second, m),
			payload:  FileOutcomeMessage{JobId: "job", OutputPath: "a.dcm", Status: model.Success},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			delivery := newDelivery("m-1", tc.payload)
			tc.consumer.Handle(context.Background(), delivery)
			assert.Equal(t, requeued, delivery.settlement())
		})
	}
}

func TestConsumers_ProcessedMessagesAreNotReapplied(t *testing.T) {
	store := &failingStore{}
	consumer := NewJobSubmissionConsumer(store, dedup.NewMemoryStore(time.Hour), time.Second, newMetrics())

	first := newDelivery("m-1", submissionPayload("job", 1))
	consumer.Handle(context.Background(), first)
	redelivered := newDelivery("m-1", submissionPayload("job", 1))
	consumer.Handle(context.Background(), redelivered)
	other := newDelivery("m-2", submissionPayload("job", 1))
	consumer.Handle(context.Background(), other)

	assert.Equal(t, acked, first.settlement())
	assert.Equal(t, acked, redelivered.settlement())
	assert.Equal(t, acked, other.settlement())
	assert.Equal(t, 2, store.calls)
}

func TestConsumers_FailedMessagesAreNotMarked(t *testing.T) {
	store := &failingStore{err: errors.WithStack(&trackererrors.ErrTransient{Err: errors.New("timeout")})}
	consumer := NewFileCollectionConsumer(store, dedup.NewMemoryStore(time.Hour), time.Second, newMetrics())
	payload := FileCollectionMessage{JobId: "job", KeyValue: "series-1"}

	consumer.Handle(context.Background(), newDelivery("m-1", payload))
	store.err = nil
	delivery := newDelivery("m-1", payload)
	consumer.Handle(context.Background(), delivery)

	assert.Equal(t, acked, delivery.settlement())
	assert.Equal(t, 2, store.calls)
}

func newVerificationConsumer(t *testing.T, store jobstore.JobStore, maxUnacknowledged int) (*VerificationConsumer, *verification.Buffer[Delivery]) {
	fakeClock := clock.NewFakeClock(time.Now())
	m := newMetrics()
	buffer := verification.NewBuffer[Delivery](store, fakeClock, verification.Options{
		MaxUnacknowledgedMessages:   maxUnacknowledged,
		FlushInterval:               time.Second,
		MaxConsecutiveFlushFailures: 3,
		OperationTimeout:            time.Second,
		OnFatal:                     func(err error) { t.Errorf("unexpected fatal error: %v", err) },
	}, m)
	return NewVerificationConsumer(buffer, fakeClock, time.Second, m), buffer
}

func verificationPayload(jobId string, path string, report string) string {
	return `{"jobId": "` + jobId + `", "outputPath": "` + path + `", "report": ` + report + `}`
}

func TestVerificationConsumer(t *testing.T) {
	store := newStore(t)
	consumer, _ := newVerificationConsumer(t, store, 3)
	ctx := context.Background()

	clean := newDelivery("v-1", verificationPayload("job", "a.dcm", `[]`))
	failed := newDelivery("v-2", verificationPayload("job", "b.dcm", `[{"tag": "PatientName", "classification": "name", "value": "DOE^JOHN"}]`))
	consumer.Handle(ctx, clean)
	consumer.Handle(ctx, failed)
	assert.Equal(t, pending, clean.settlement())
	assert.Equal(t, pending, failed.settlement())

	third := newDelivery("v-3", verificationPayload("job", "c.dcm", `[]`))
	consumer.Handle(ctx, third)
	for _, delivery := range []*fakeDelivery{clean, failed, third} {
		assert.Equal(t, acked, delivery.settlement())
	}

	outcomes := make(map[string]*model.FileOutcome)
	require.NoError(t, store.StreamFileOutcomes(ctx, "job", func(outcome *model.FileOutcome) error {
		outcomes[outcome.OutputPath] = outcome
		return nil
	}))
	require.Len(t, outcomes, 3)
	assert.Equal(t, model.Success, outcomes["a.dcm"].Status)
	assert.Equal(t, model.VerificationFailed, outcomes["b.dcm"].Status)
	assert.Equal(t, []model.Finding{{Tag: "PatientName", Classification: "name", Value: "DOE^JOHN"}}, outcomes["b.dcm"].Report)
	assert.Equal(t, "v-2", outcomes["b.dcm"].Header.MessageId)
}

func TestVerificationConsumer_UnparseableReports(t *testing.T) {
	tests := map[string]string{
		"not json":              verificationPayload("job", "a.dcm", `[{`),
		"report is an object":   verificationPayload("job", "a.dcm", `{"findings": []}`),
		"finding without tag":   verificationPayload("job", "a.dcm", `[{"classification": "name"}]`),
		"report missing":        `{"jobId": "job", "outputPath": "a.dcm"}`,
		"report is null":        verificationPayload("job", "a.dcm", `null`),
		"classification number": verificationPayload("job", "a.dcm", `[{"tag": "PatientName", "classification": 7}]`),
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			store := &failingStore{}
			consumer, buffer := newVerificationConsumer(t, store, 1)

			delivery := newDelivery("v-1", payload)
			consumer.Handle(context.Background(), delivery)

			assert.Equal(t, rejected, delivery.settlement())
			assert.Zero(t, store.calls)
			require.NoError(t, buffer.Flush(context.Background()))
			assert.Empty(t, buffer.TakeProcessed())
		})
	}
}

func TestVerificationConsumer_TerminalJobsAreRejected(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertJobSubmission(ctx, "done", storetest.Header("s"), storetest.Submission(0)))
	require.NoError(t, store.Archive(ctx, "done"))
	consumer, _ := newVerificationConsumer(t, store, 2)

	late := newDelivery("v-1", verificationPayload("done", "a.dcm", `[]`))
	onTime := newDelivery("v-2", verificationPayload("job", "a.dcm", `[]`))
	consumer.Handle(ctx, late)
	consumer.Handle(ctx, onTime)

	assert.Equal(t, rejected, late.settlement())
	assert.Equal(t, acked, onTime.settlement())
}

func TestVerificationConsumer_RunAcknowledgesTimerFlushes(t *testing.T) {
	store := newStore(t)
	consumer, buffer := newVerificationConsumer(t, store, 100)
	ctx, cancel := context.WithCancel(context.Background())

	delivery := newDelivery("v-1", verificationPayload("job", "a.dcm", `[]`))
	consumer.Handle(ctx, delivery)
	require.NoError(t, buffer.Flush(ctx))
	assert.Equal(t, pending, delivery.settlement())

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, consumer.Run(ctx))
	}()
	cancel()
	<-done
	assert.Equal(t, acked, delivery.settlement())
}
