// Package memory implements jobstore.JobStore on top of https://github.com/hashicorp/go-memdb.
//
// Aggregate updates run in memdb write transactions, of which only one may be open at a time, so the
// check that a job id is not archived or quarantined and the update of the active record form a single
// critical section. Outcomes live in a separate memdb and only take a per-job read lock, which Archive and
// Quarantine hold exclusively while they move the job.
package memory

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore"
	"github.com/G-Research/jobtracker/internal/jobtracker/model"
)

const numLockStripes = 64

type JobStore struct {
	clock    clock.Clock
	jobs     *memdb.MemDB
	outcomes *memdb.MemDB
	// Outcome writers hold the read lock of their job's stripe, Archive and Quarantine the write lock.
	stripes [numLockStripes]sync.RWMutex
}

func NewJobStore(clock clock.Clock) (*JobStore, error) {
	jobs, err := memdb.NewMemDB(jobsSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	outcomes, err := memdb.NewMemDB(outcomesSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &JobStore{
		clock:    clock,
		jobs:     jobs,
		outcomes: outcomes,
	}, nil
}

func (s *JobStore) UpsertJobSubmission(_ context.Context, jobId string, header model.MessageHeader, submission *model.JobSubmission) error {
	return s.updateJob(jobId, func(job *model.ExtractionJob, now time.Time) (bool, error) {
		return jobstore.ApplySubmission(job, header, submission, now)
	})
}

func (s *JobStore) RecordFileCollection(
	_ context.Context,
	jobId string,
	header model.MessageHeader,
	keyValue string,
	files []model.DispatchedFile,
	rejections map[string]int,
) error {
	return s.updateJob(jobId, func(job *model.ExtractionJob, now time.Time) (bool, error) {
		return jobstore.ApplyFileCollection(job, header, keyValue, files, rejections, now)
	})
}

// updateJob applies update to a copy of the active job, creating it if necessary, and stores the result.
func (s *JobStore) updateJob(jobId string, update func(job *model.ExtractionJob, now time.Time) (bool, error)) error {
	if err := jobstore.ValidateJobId(jobId); err != nil {
		return err
	}
	txn := s.jobs.Txn(true)
	defer txn.Abort()

	if err := checkNotTerminal(txn, jobId); err != nil {
		return err
	}
	existing, err := getActive(txn, jobId)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	var job *model.ExtractionJob
	if existing != nil {
		job = existing.DeepCopy()
	} else {
		job = jobstore.NewJob(jobId, now)
	}
	changed, err := update(job, now)
	if err != nil || !changed {
		return err
	}
	job.Version++
	if err := txn.Insert(activeTable, job); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *JobStore) RecordFileOutcome(ctx context.Context, outcome *model.FileOutcome) error {
	return s.RecordFileOutcomes(ctx, []*model.FileOutcome{outcome})
}

func (s *JobStore) RecordFileOutcomes(_ context.Context, outcomes []*model.FileOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	jobIds := make(map[string]bool)
	for _, outcome := range outcomes {
		if err := jobstore.ValidateOutcome(outcome); err != nil {
			return err
		}
		jobIds[outcome.JobId] = true
	}

	unlock := s.rlockJobs(jobIds)
	defer unlock()

	jobsTxn := s.jobs.Txn(false)
	for jobId := range jobIds {
		if err := checkNotTerminal(jobsTxn, jobId); err != nil {
			return err
		}
	}

	now := s.clock.Now()
	txn := s.outcomes.Txn(true)
	defer txn.Abort()
	for _, outcome := range outcomes {
		existing, err := getOutcome(txn, outcome.JobId, outcome.OutputPath)
		if err != nil {
			return err
		}
		write, err := jobstore.ResolveOutcome(existing, outcome)
		if err != nil {
			return err
		}
		if !write {
			continue
		}
		stored := outcome.DeepCopy()
		stored.RecordedAt = now
		if err := txn.Insert(outcomesTable, stored); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

func (s *JobStore) ListReadyJobs(_ context.Context, jobId string) ([]*model.ExtractionJob, error) {
	candidates, err := s.activeJobs(jobId)
	if err != nil {
		return nil, err
	}
	outcomesTxn := s.outcomes.Txn(false)
	var ready []*model.ExtractionJob
	for _, job := range candidates {
		if !job.IsStructurallyComplete() {
			continue
		}
		outcomes, err := getOutcomes(outcomesTxn, job.JobId)
		if err != nil {
			return nil, err
		}
		paths := make([]string, len(outcomes))
		for i, outcome := range outcomes {
			paths[i] = outcome.OutputPath
		}
		if jobstore.IsReady(job, paths) {
			ready = append(ready, jobstore.AsReady(job))
		}
	}
	return ready, nil
}

func (s *JobStore) ListStaleJobs(_ context.Context, cutoff time.Time, jobId string) ([]*model.ExtractionJob, error) {
	candidates, err := s.activeJobs(jobId)
	if err != nil {
		return nil, err
	}
	outcomesTxn := s.outcomes.Txn(false)
	var stale []*model.ExtractionJob
	for _, job := range candidates {
		lastActivity := job.LastUpdated
		outcomes, err := getOutcomes(outcomesTxn, job.JobId)
		if err != nil {
			return nil, err
		}
		for _, outcome := range outcomes {
			if outcome.RecordedAt.After(lastActivity) {
				lastActivity = outcome.RecordedAt
			}
		}
		if lastActivity.Before(cutoff) {
			stale = append(stale, job.DeepCopy())
		}
	}
	return stale, nil
}

func (s *JobStore) StreamFileOutcomes(_ context.Context, jobId string, fn func(*model.FileOutcome) error) error {
	txn := s.outcomes.Txn(false)
	iter, err := txn.Get(outcomesTable, jobIdIndex, jobId)
	if err != nil {
		return errors.WithStack(err)
	}
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		if err := fn(obj.(*model.FileOutcome).DeepCopy()); err != nil {
			return err
		}
	}
	return nil
}

func (s *JobStore) Archive(_ context.Context, jobId string) error {
	return s.closeJob(jobId, archivedTable, func(txn *memdb.Txn, job *model.ExtractionJob, now time.Time) error {
		return txn.Insert(archivedTable, &archivedRecord{
			JobId:    jobId,
			Archived: &model.ArchivedJob{Job: job, CompletedAt: now},
		})
	})
}

func (s *JobStore) Quarantine(_ context.Context, jobId string, cause string) error {
	return s.closeJob(jobId, quarantinedTable, func(txn *memdb.Txn, job *model.ExtractionJob, now time.Time) error {
		return txn.Insert(quarantinedTable, &quarantinedRecord{
			JobId:       jobId,
			Quarantined: &model.QuarantinedJob{Job: job, Cause: cause, QuarantinedAt: now},
		})
	})
}

// closeJob moves an active job into table, using insert to write the terminal record.
func (s *JobStore) closeJob(
	jobId string,
	table string,
	insert func(txn *memdb.Txn, job *model.ExtractionJob, now time.Time) error,
) error {
	stripe := s.stripe(jobId)
	stripe.Lock()
	defer stripe.Unlock()

	txn := s.jobs.Txn(true)
	defer txn.Abort()

	location, err := terminalLocation(txn, jobId)
	if err != nil {
		return err
	}
	switch {
	case location == archivedTable && table == archivedTable:
		return errors.Wrapf(jobstore.ErrAlreadyArchived, "job %s", jobId)
	case location == quarantinedTable && table == quarantinedTable:
		return errors.Wrapf(jobstore.ErrAlreadyQuarantined, "job %s", jobId)
	case location != "":
		return errors.Wrapf(jobstore.ErrJobAlreadyTerminal, "job %s is in %s", jobId, location)
	}

	job, err := getActive(txn, jobId)
	if err != nil {
		return err
	}
	if job == nil {
		return jobstore.JobNotFound("active", jobId)
	}
	if err := txn.Delete(activeTable, job); err != nil {
		return errors.WithStack(err)
	}
	if err := insert(txn, job.DeepCopy(), s.clock.Now()); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *JobStore) GetJob(_ context.Context, jobId string) (*model.ExtractionJob, error) {
	job, err := getActive(s.jobs.Txn(false), jobId)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, jobstore.JobNotFound("active", jobId)
	}
	return job.DeepCopy(), nil
}

func (s *JobStore) GetArchivedJob(_ context.Context, jobId string) (*model.ArchivedJob, error) {
	obj, err := s.jobs.Txn(false).First(archivedTable, idIndex, jobId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, jobstore.JobNotFound("archived", jobId)
	}
	archived := obj.(*archivedRecord).Archived
	return &model.ArchivedJob{Job: archived.Job.DeepCopy(), CompletedAt: archived.CompletedAt}, nil
}

func (s *JobStore) GetQuarantinedJob(_ context.Context, jobId string) (*model.QuarantinedJob, error) {
	obj, err := s.jobs.Txn(false).First(quarantinedTable, idIndex, jobId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, jobstore.JobNotFound("quarantined", jobId)
	}
	return copyQuarantined(obj.(*quarantinedRecord).Quarantined), nil
}

func (s *JobStore) ListQuarantinedJobs(_ context.Context) ([]*model.QuarantinedJob, error) {
	iter, err := s.jobs.Txn(false).Get(quarantinedTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var result []*model.QuarantinedJob
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		result = append(result, copyQuarantined(obj.(*quarantinedRecord).Quarantined))
	}
	return result, nil
}

func (s *JobStore) activeJobs(jobId string) ([]*model.ExtractionJob, error) {
	txn := s.jobs.Txn(false)
	if jobId != "" {
		job, err := getActive(txn, jobId)
		if err != nil || job == nil {
			return nil, err
		}
		return []*model.ExtractionJob{job}, nil
	}
	iter, err := txn.Get(activeTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var jobs []*model.ExtractionJob
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		jobs = append(jobs, obj.(*model.ExtractionJob))
	}
	return jobs, nil
}

func (s *JobStore) stripe(jobId string) *sync.RWMutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobId))
	return &s.stripes[h.Sum32()%numLockStripes]
}

// rlockJobs read-locks the stripes of jobIds, each once and in index order.
func (s *JobStore) rlockJobs(jobIds map[string]bool) func() {
	indices := make(map[int]bool)
	for jobId := range jobIds {
		h := fnv.New32a()
		_, _ = h.Write([]byte(jobId))
		indices[int(h.Sum32()%numLockStripes)] = true
	}
	sorted := make([]int, 0, len(indices))
	for i := range indices {
		sorted = append(sorted, i)
	}
	sort.Ints(sorted)
	for _, i := range sorted {
		s.stripes[i].RLock()
	}
	return func() {
		for _, i := range sorted {
			s.stripes[i].RUnlock()
		}
	}
}

func checkNotTerminal(txn *memdb.Txn, jobId string) error {
	location, err := terminalLocation(txn, jobId)
	if err != nil || location == "" {
		return err
	}
	return errors.Wrapf(jobstore.ErrJobAlreadyTerminal, "job %s is in %s", jobId, location)
}

// terminalLocation returns the terminal table holding jobId, or the empty string if there is none.
func terminalLocation(txn *memdb.Txn, jobId string) (string, error) {
	for _, table := range []string{archivedTable, quarantinedTable} {
		obj, err := txn.First(table, idIndex, jobId)
		if err != nil {
			return "", errors.WithStack(err)
		}
		if obj != nil {
			return table, nil
		}
	}
	return "", nil
}

// The returned job must not be modified.
func getActive(txn *memdb.Txn, jobId string) (*model.ExtractionJob, error) {
	obj, err := txn.First(activeTable, idIndex, jobId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*model.ExtractionJob), nil
}

func getOutcome(txn *memdb.Txn, jobId string, outputPath string) (*model.FileOutcome, error) {
	obj, err := txn.First(outcomesTable, idIndex, jobId, outputPath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*model.FileOutcome), nil
}

func getOutcomes(txn *memdb.Txn, jobId string) ([]*model.FileOutcome, error) {
	iter, err := txn.Get(outcomesTable, jobIdIndex, jobId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var outcomes []*model.FileOutcome
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		outcomes = append(outcomes, obj.(*model.FileOutcome))
	}
	return outcomes, nil
}

func copyQuarantined(quarantined *model.QuarantinedJob) *model.QuarantinedJob {
	return &model.QuarantinedJob{
		Job:           quarantined.Job.DeepCopy(),
		Cause:         quarantined.Cause,
		QuarantinedAt: quarantined.QuarantinedAt,
	}
}
