package jobstore

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/jobtracker/internal/common/trackererrors"
	"github.com/G-Research/jobtracker/internal/jobtracker/model"
)

// The functions in this file hold the merge rules shared by all store implementations. They operate on a
// copy of the aggregate that the caller then writes back atomically.

func ValidateJobId(jobId string) error {
	if jobId == "" {
		return errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "jobId",
			Value:   jobId,
			Message: "job id must be non-empty",
		})
	}
	return nil
}

// NewJob returns an empty active job awaiting both its submission and its collections.
func NewJob(jobId string, now time.Time) *model.ExtractionJob {
	job := &model.ExtractionJob{
		JobId:           jobId,
		FileCollections: []*model.PerKeyFileCollection{},
		Rejections:      []*model.PerKeyRejection{},
		CreatedAt:       now,
		LastUpdated:     now,
	}
	job.UpdateStatus()
	return job
}

// ApplySubmission merges submission into job. It returns false if job already holds an identical submission.
func ApplySubmission(job *model.ExtractionJob, header model.MessageHeader, submission *model.JobSubmission, now time.Time) (bool, error) {
	if submission == nil {
		return false, errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "submission",
			Value:   submission,
			Message: "submission must be non-nil",
		})
	}
	if submission.RequestedKeyCount < 0 {
		return false, errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "requestedKeyCount",
			Value:   submission.RequestedKeyCount,
			Message: "requested key count must not be negative",
		})
	}
	if job.Submission != nil {
		if sameSubmission(job.Submission, submission) {
			return false, nil
		}
		return false, errors.Wrapf(ErrDuplicateSubmission, "job %s in state %s", job.JobId, job.Status)
	}
	copied := *submission
	job.Submission = &copied
	copiedHeader := header.DeepCopy()
	job.SubmissionHeader = &copiedHeader
	job.LastUpdated = now
	job.UpdateStatus()
	return true, nil
}

// ApplyFileCollection adds the collection and rejections of keyValue to job. It returns false if the same
// collection was recorded before.
func ApplyFileCollection(
	job *model.ExtractionJob,
	header model.MessageHeader,
	keyValue string,
	files []model.DispatchedFile,
	rejections map[string]int,
	now time.Time,
) (bool, error) {
	if keyValue == "" {
		return false, errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "keyValue",
			Value:   keyValue,
			Message: "key value must be non-empty",
		})
	}
	for _, file := range files {
		if file.OutputPath == "" {
			return false, errors.WithStack(&trackererrors.ErrInvalidArgument{
				Name:    "outputPath",
				Value:   file.OutputPath,
				Message: "dispatched files must have an output path",
			})
		}
	}
	for reason, count := range rejections {
		if count < 0 {
			return false, errors.WithStack(&trackererrors.ErrInvalidArgument{
				Name:    "rejections",
				Value:   reason,
				Message: "rejection counts must not be negative",
			})
		}
	}

	if existing := job.FileCollection(keyValue); existing != nil {
		existingRejection := job.Rejection(keyValue)
		if slices.Equal(existing.Files, files) && existingRejection != nil && maps.Equal(existingRejection.Rejections, rejections) {
			return false, nil
		}
		return false, errors.Wrapf(ErrInconsistentCollection, "job %s key value %s", job.JobId, keyValue)
	}

	collection := &model.PerKeyFileCollection{
		KeyValue: keyValue,
		Files:    append([]model.DispatchedFile{}, files...),
		Header:   header.DeepCopy(),
	}
	rejection := &model.PerKeyRejection{
		KeyValue:   keyValue,
		Rejections: make(map[string]int, len(rejections)),
	}
	maps.Copy(rejection.Rejections, rejections)

	job.FileCollections = append(job.FileCollections, collection)
	job.Rejections = append(job.Rejections, rejection)
	job.CollectionsReceived++
	job.DispatchedFiles += len(files)
	job.LastUpdated = now
	job.UpdateStatus()
	return true, nil
}

// ValidateOutcome checks the fields every stored outcome must have.
func ValidateOutcome(outcome *model.FileOutcome) error {
	if outcome == nil {
		return errors.WithStack(&trackererrors.ErrInvalidArgument{Name: "outcome", Value: outcome, Message: "outcome must be non-nil"})
	}
	if err := ValidateJobId(outcome.JobId); err != nil {
		return err
	}
	if outcome.OutputPath == "" {
		return errors.WithStack(&trackererrors.ErrInvalidArgument{Name: "outputPath", Value: outcome.OutputPath, Message: "output path must be non-empty"})
	}
	if !outcome.Status.IsValid() {
		return errors.WithStack(&trackererrors.ErrInvalidArgument{Name: "status", Value: outcome.Status, Message: "unknown outcome status"})
	}
	return nil
}

// ResolveOutcome decides what to do when outcome arrives for a file that may already have one. It returns
// true if outcome should be written.
func ResolveOutcome(existing *model.FileOutcome, outcome *model.FileOutcome) (bool, error) {
	switch {
	case existing == nil:
		return true, nil
	case existing.SameResult(outcome):
		return false, nil
	case outcome.Supersedes(existing):
		return true, nil
	default:
		return false, errors.Wrapf(
			ErrConflictingOutcome,
			"job %s path %s: recorded %s, received %s",
			outcome.JobId, outcome.OutputPath, existing.Status, outcome.Status)
	}
}

// sameSubmission compares submissions field by field, comparing timestamps as instants.
func sameSubmission(a *model.JobSubmission, b *model.JobSubmission) bool {
	return a.ProjectNumber == b.ProjectNumber &&
		a.ExtractionDir == b.ExtractionDir &&
		a.SubmittedAt.Equal(b.SubmittedAt) &&
		a.KeyTag == b.KeyTag &&
		a.RequestedKeyCount == b.RequestedKeyCount &&
		a.Modality == b.Modality &&
		a.Identifiable == b.Identifiable &&
		a.NoFilter == b.NoFilter &&
		a.UserName == b.UserName
}

// IsReady is the completeness predicate of ListReadyJobs, given the output paths of the job's outcomes.
func IsReady(job *model.ExtractionJob, outcomePaths []string) bool {
	if !job.IsStructurallyComplete() || len(outcomePaths) != job.DispatchedFiles {
		return false
	}
	dispatched := job.DispatchedPaths()
	for _, path := range outcomePaths {
		if _, ok := dispatched[path]; !ok {
			return false
		}
	}
	return true
}

// AsReady returns a copy of job reported with status Ready.
func AsReady(job *model.ExtractionJob) *model.ExtractionJob {
	ready := job.DeepCopy()
	ready.Status = model.Ready
	return ready
}
