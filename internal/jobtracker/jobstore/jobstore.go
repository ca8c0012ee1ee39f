// Package jobstore defines the system of record for extraction jobs.
//
// A job id is present in at most one of the active, archived and quarantined collections. File outcomes are
// stored apart from the job aggregate, keyed by job id and output path, so that recording them never contends
// with submission and collection updates.
package jobstore

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/jobtracker/internal/common/trackererrors"
	"github.com/G-Research/jobtracker/internal/jobtracker/model"
)

var (
	// ErrDuplicateSubmission is returned when a job already holds a different submission.
	ErrDuplicateSubmission = errors.New("job already has a different submission")
	// ErrJobAlreadyTerminal is returned when a message refers to a job that has been archived or quarantined.
	ErrJobAlreadyTerminal = errors.New("job is already archived or quarantined")
	// ErrAlreadyArchived is returned by Archive when the job has been archived before.
	ErrAlreadyArchived = errors.New("job is already archived")
	// ErrAlreadyQuarantined is returned by Quarantine when the job has been quarantined before.
	ErrAlreadyQuarantined = errors.New("job is already quarantined")
	// ErrInconsistentCollection is returned when a key value reports a second, different file collection.
	ErrInconsistentCollection = errors.New("file collection conflicts with one already recorded")
	// ErrConflictingOutcome is returned when a file already has an outcome that the new one cannot replace.
	ErrConflictingOutcome = errors.New("file outcome conflicts with one already recorded")
)

type JobStore interface {
	// UpsertJobSubmission creates the job, or merges the submission into a job created by a file collection.
	// Replaying an identical submission is a no-op.
	UpsertJobSubmission(ctx context.Context, jobId string, header model.MessageHeader, submission *model.JobSubmission) error
	// RecordFileCollection adds the files dispatched and rejected for one key value, creating the job if
	// its submission has not arrived yet. Replaying an identical collection is a no-op.
	RecordFileCollection(ctx context.Context, jobId string, header model.MessageHeader, keyValue string, files []model.DispatchedFile, rejections map[string]int) error
	// RecordFileOutcome stores the outcome for one output file without touching the job aggregate.
	RecordFileOutcome(ctx context.Context, outcome *model.FileOutcome) error
	// RecordFileOutcomes stores a batch of outcomes. Either all of them are stored or none are.
	RecordFileOutcomes(ctx context.Context, outcomes []*model.FileOutcome) error
	// ListReadyJobs returns active jobs whose collections and outcomes are complete by count and which have
	// no outcome for a path that was never dispatched. If jobId is non-empty only that job is considered.
	ListReadyJobs(ctx context.Context, jobId string) ([]*model.ExtractionJob, error)
	// ListStaleJobs returns active jobs with no activity, aggregate update or outcome, since cutoff.
	ListStaleJobs(ctx context.Context, cutoff time.Time, jobId string) ([]*model.ExtractionJob, error)
	// StreamFileOutcomes calls fn for every outcome of jobId, stopping at the first error.
	StreamFileOutcomes(ctx context.Context, jobId string, fn func(*model.FileOutcome) error) error
	// Archive moves an active job to the archive.
	Archive(ctx context.Context, jobId string) error
	// Quarantine moves an active job to quarantine, recording cause.
	Quarantine(ctx context.Context, jobId string, cause string) error

	GetJob(ctx context.Context, jobId string) (*model.ExtractionJob, error)
	GetArchivedJob(ctx context.Context, jobId string) (*model.ArchivedJob, error)
	GetQuarantinedJob(ctx context.Context, jobId string) (*model.QuarantinedJob, error)
	ListQuarantinedJobs(ctx context.Context) ([]*model.QuarantinedJob, error)
}

// IsApplicationError reports whether err was caused by the content of a message rather than by the store
// being unavailable.
func IsApplicationError(err error) bool {
	for _, target := range []error{
		ErrDuplicateSubmission,
		ErrJobAlreadyTerminal,
		ErrAlreadyArchived,
		ErrAlreadyQuarantined,
		ErrInconsistentCollection,
		ErrConflictingOutcome,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	if trackererrors.IsNotFound(err) {
		return true
	}
	var invalidArgument *trackererrors.ErrInvalidArgument
	return errors.As(err, &invalidArgument)
}

// JobNotFound returns the error for a job that is absent from collection, one of "active", "archived" or
// "quarantined".
func JobNotFound(collection string, jobId string) error {
	return errors.WithStack(&trackererrors.ErrNotFound{Type: collection + " job", Value: jobId})
}
