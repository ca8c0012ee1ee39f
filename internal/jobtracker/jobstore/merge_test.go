package jobstore

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/jobtracker/internal/common/trackererrors"
	"github.com/G-Research/jobtracker/internal/jobtracker/model"
)

var now = time.Date(2022, 11, 3, 9, 30, 0, 0, time.UTC)

func submission(keys int) *model.JobSubmission {
	return &model.JobSubmission{
		ProjectNumber:     "P-1",
		ExtractionDir:     "/extract/P-1",
		SubmittedAt:       now,
		KeyTag:            "StudyInstanceUID",
		RequestedKeyCount: keys,
	}
}

func TestStatusTransitions(t *testing.T) {
	job := NewJob("job", now)
	assert.Equal(t, model.AwaitingJobInfo, job.Status)

	changed, err := ApplyFileCollection(job, model.MessageHeader{MessageId: "c1"}, "study-1", []model.DispatchedFile{{OutputPath: "a.dcm"}}, nil, now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.AwaitingJobInfo, job.Status)

	changed, err = ApplySubmission(job, model.MessageHeader{MessageId: "s"}, submission(2), now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.AwaitingCollectionInfo, job.Status)

	_, err = ApplyFileCollection(job, model.MessageHeader{MessageId: "c2"}, "study-2", nil, map[string]int{"no pixel data": 4}, now)
	require.NoError(t, err)
	assert.Equal(t, model.AwaitingOutcomes, job.Status)
	assert.Equal(t, 2, job.CollectionsReceived)
	assert.Equal(t, 1, job.DispatchedFiles)
	assert.Equal(t, map[string]int{"no pixel data": 4}, job.RejectionTotals())
}

func TestSubmissionWithAllCollectionsAlreadyReceived(t *testing.T) {
	job := NewJob("job", now)
	_, err := ApplyFileCollection(job, model.MessageHeader{}, "study-1", nil, nil, now)
	require.NoError(t, err)
	_, err = ApplySubmission(job, model.MessageHeader{}, submission(1), now)
	require.NoError(t, err)
	assert.Equal(t, model.AwaitingOutcomes, job.Status)
}

func TestZeroKeySubmissionIsImmediatelyComplete(t *testing.T) {
	job := NewJob("job", now)
	_, err := ApplySubmission(job, model.MessageHeader{}, submission(0), now)
	require.NoError(t, err)
	assert.Equal(t, model.AwaitingOutcomes, job.Status)
	assert.True(t, IsReady(job, nil))
}

func TestApplySubmission_Replay(t *testing.T) {
	job := NewJob("job", now)
	_, err := ApplySubmission(job, model.MessageHeader{}, submission(1), now)
	require.NoError(t, err)

	replayed := submission(1)
	replayed.SubmittedAt = now.In(time.FixedZone("BST", 3600))
	changed, err := ApplySubmission(job, model.MessageHeader{}, replayed, now)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = ApplySubmission(job, model.MessageHeader{}, submission(2), now)
	assert.True(t, errors.Is(err, ErrDuplicateSubmission))
}

func TestResolveOutcome(t *testing.T) {
	outcome := func(status model.OutcomeStatus, reason string) *model.FileOutcome {
		return &model.FileOutcome{JobId: "job", OutputPath: "a.dcm", Status: status, Reason: reason}
	}
	tests := map[string]struct {
		existing    *model.FileOutcome
		incoming    *model.FileOutcome
		write       bool
		conflicting bool
	}{
		"first outcome": {
			existing: nil,
			incoming: outcome(model.Success, ""),
			write:    true,
		},
		"redelivery": {
			existing: outcome(model.ErrorWontRetry, "corrupt header"),
			incoming: outcome(model.ErrorWontRetry, "corrupt header"),
			write:    false,
		},
		"retry succeeded": {
			existing: outcome(model.ErrorCanRetry, "timeout"),
			incoming: outcome(model.Success, ""),
			write:    true,
		},
		"retry failed again": {
			existing: outcome(model.ErrorCanRetry, "timeout"),
			incoming: outcome(model.ErrorCanRetry, "disk full"),
			write:    true,
		},
		"contradicting result": {
			existing:    outcome(model.Success, ""),
			incoming:    outcome(model.VerificationFailed, ""),
			conflicting: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			write, err := ResolveOutcome(tc.existing, tc.incoming)
			if tc.conflicting {
				assert.True(t, errors.Is(err, ErrConflictingOutcome))
				assert.True(t, IsApplicationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.write, write)
		})
	}
}

func TestIsReady(t *testing.T) {
	job := NewJob("job", now)
	_, err := ApplySubmission(job, model.MessageHeader{}, submission(1), now)
	require.NoError(t, err)
	_, err = ApplyFileCollection(job, model.MessageHeader{}, "study-1", []model.DispatchedFile{{OutputPath: "a.dcm"}, {OutputPath: "b.dcm"}}, nil, now)
	require.NoError(t, err)

	assert.False(t, IsReady(job, []string{"a.dcm"}))
	assert.False(t, IsReady(job, []string{"a.dcm", "orphan.dcm"}))
	assert.True(t, IsReady(job, []string{"b.dcm", "a.dcm"}))

	ready := AsReady(job)
	assert.Equal(t, model.Ready, ready.Status)
	assert.Equal(t, model.AwaitingOutcomes, job.Status)
}

func TestIsApplicationError(t *testing.T) {
	assert.True(t, IsApplicationError(errors.Wrap(ErrJobAlreadyTerminal, "job x")))
	assert.True(t, IsApplicationError(errors.WithStack(&trackererrors.ErrInvalidArgument{Name: "jobId"})))
	assert.False(t, IsApplicationError(errors.New("connection refused")))
}
