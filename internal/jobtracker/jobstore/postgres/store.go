// Package postgres implements jobstore.JobStore on Postgres.
//
// Job aggregates are written with optimistic concurrency: each write reads the job, applies the merge rules
// and updates the row only if its version is unchanged, retrying otherwise. Outcomes are written to their own
// table under a KEY SHARE lock on the job row, which Archive and Quarantine conflict with by locking the row
// FOR UPDATE. An outcome is therefore either committed before the job leaves the active set, or rejected.
package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avast/retry-go"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/G-Research/jobtracker/internal/common/trackererrors"
	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore"
	"github.com/G-Research/jobtracker/internal/jobtracker/model"
)

const (
	locationActive      = "active"
	locationArchived    = "archived"
	locationQuarantined = "quarantined"

	maxUpdateAttempts = 100
	terminalCacheSize = 10000
)

var errVersionConflict = errors.New("job was modified concurrently")

type JobStore struct {
	db    *pgxpool.Pool
	clock clock.Clock
	// Ids of jobs known to be archived or quarantined. Jobs never leave those states, so entries never go stale.
	terminal *lru.Cache
}

func NewJobStore(db *pgxpool.Pool, clock clock.Clock) (*JobStore, error) {
	terminal, err := lru.New(terminalCacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &JobStore{db: db, clock: clock, terminal: terminal}, nil
}

func (s *JobStore) checkNotKnownTerminal(jobIds ...string) error {
	for _, jobId := range jobIds {
		if s.terminal.Contains(jobId) {
			return errors.Wrapf(jobstore.ErrJobAlreadyTerminal, "job %s", jobId)
		}
	}
	return nil
}

func (s *JobStore) UpsertJobSubmission(ctx context.Context, jobId string, header model.MessageHeader, submission *model.JobSubmission) error {
	return s.updateJob(ctx, jobId, func(job *model.ExtractionJob, now time.Time) (bool, error) {
		return jobstore.ApplySubmission(job, header, submission, now)
	})
}

func (s *JobStore) RecordFileCollection(
	ctx context.Context,
	jobId string,
	header model.MessageHeader,
	keyValue string,
	files []model.DispatchedFile,
	rejections map[string]int,
) error {
	return s.updateJob(ctx, jobId, func(job *model.ExtractionJob, now time.Time) (bool, error) {
		return jobstore.ApplyFileCollection(job, header, keyValue, files, rejections, now)
	})
}

func (s *JobStore) updateJob(ctx context.Context, jobId string, update func(job *model.ExtractionJob, now time.Time) (bool, error)) error {
	if err := jobstore.ValidateJobId(jobId); err != nil {
		return err
	}
	if err := s.checkNotKnownTerminal(jobId); err != nil {
		return err
	}
	return retry.Do(
		func() error {
			return s.tryUpdateJob(ctx, jobId, update)
		},
		retry.Context(ctx),
		retry.Attempts(maxUpdateAttempts),
		retry.Delay(2*time.Millisecond),
		retry.MaxJitter(10*time.Millisecond),
		retry.DelayType(retry.CombineDelay(retry.FixedDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errVersionConflict)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Debugf("Retrying update of job %s after attempt %d: %v", jobId, n+1, err)
		}),
	)
}

func (s *JobStore) tryUpdateJob(ctx context.Context, jobId string, update func(job *model.ExtractionJob, now time.Time) (bool, error)) error {
	var existing *jobRow
	err := s.readTx(ctx, func(tx pgx.Tx) error {
		var err error
		existing, err = loadJob(ctx, tx, jobId)
		return err
	})
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if existing != nil && existing.location != locationActive {
		s.terminal.Add(jobId, nil)
		return errors.Wrapf(jobstore.ErrJobAlreadyTerminal, "job %s is %s", jobId, existing.location)
	}

	now := s.clock.Now()
	var job *model.ExtractionJob
	if existing != nil {
		job = existing.job
	} else {
		job = jobstore.NewJob(jobId, now)
	}
	numCollections := len(job.FileCollections)
	changed, err := update(job, now)
	if err != nil || !changed {
		return err
	}
	expectedVersion := job.Version
	job.Version++

	return s.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if existing == nil {
			if err := insertJob(ctx, tx, job); err != nil {
				return err
			}
		} else if err := updateJob(ctx, tx, job, expectedVersion); err != nil {
			return err
		}
		if len(job.FileCollections) > numCollections {
			seq := len(job.FileCollections) - 1
			return insertCollection(ctx, tx, jobId, seq, job.FileCollections[seq], job.Rejections[seq])
		}
		return nil
	})
}

func (s *JobStore) RecordFileOutcome(ctx context.Context, outcome *model.FileOutcome) error {
	return s.RecordFileOutcomes(ctx, []*model.FileOutcome{outcome})
}

func (s *JobStore) RecordFileOutcomes(ctx context.Context, outcomes []*model.FileOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	var jobIds []string
	for _, outcome := range outcomes {
		if err := jobstore.ValidateOutcome(outcome); err != nil {
			return err
		}
		if !slices.Contains(jobIds, outcome.JobId) {
			jobIds = append(jobIds, outcome.JobId)
		}
	}
	slices.Sort(jobIds)
	if err := s.checkNotKnownTerminal(jobIds...); err != nil {
		return err
	}

	now := s.clock.Now()
	return s.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := s.lockActiveJobs(ctx, tx, jobIds); err != nil {
			return err
		}
		for _, outcome := range outcomes {
			existing, err := loadOutcome(ctx, tx, outcome.JobId, outcome.OutputPath)
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
			if err := writeOutcome(ctx, tx, stored, existing == nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *JobStore) ListReadyJobs(ctx context.Context, jobId string) ([]*model.ExtractionJob, error) {
	sql, args, err := readyJobsQuery(jobId)
	if err != nil {
		return nil, err
	}
	var ready []*model.ExtractionJob
	err = s.readTx(ctx, func(tx pgx.Tx) error {
		rows, err := loadJobs(ctx, tx, sql, args...)
		for _, row := range rows {
			ready = append(ready, jobstore.AsReady(row.job))
		}
		return err
	})
	return ready, err
}

func (s *JobStore) ListStaleJobs(ctx context.Context, cutoff time.Time, jobId string) ([]*model.ExtractionJob, error) {
	sql, args, err := staleJobsQuery(cutoff, jobId)
	if err != nil {
		return nil, err
	}
	var stale []*model.ExtractionJob
	err = s.readTx(ctx, func(tx pgx.Tx) error {
		rows, err := loadJobs(ctx, tx, sql, args...)
		for _, row := range rows {
			stale = append(stale, row.job)
		}
		return err
	})
	return stale, err
}

func (s *JobStore) StreamFileOutcomes(ctx context.Context, jobId string, fn func(*model.FileOutcome) error) error {
	rows, err := s.db.Query(ctx, selectOutcomesSql+` WHERE job_id = $1 ORDER BY output_path`, jobId)
	if err != nil {
		return errors.WithStack(err)
	}
	defer rows.Close()
	for rows.Next() {
		outcome, err := scanOutcome(rows)
		if err != nil {
			return err
		}
		if err := fn(outcome); err != nil {
			return err
		}
	}
	return errors.WithStack(rows.Err())
}

func (s *JobStore) Archive(ctx context.Context, jobId string) error {
	return s.closeJob(ctx, jobId, locationArchived, nil)
}

func (s *JobStore) Quarantine(ctx context.Context, jobId string, cause string) error {
	return s.closeJob(ctx, jobId, locationQuarantined, &cause)
}

// closeJob moves an active job to location. The job row is locked for the duration, so outcome writers for
// the job either commit first or observe the new location.
func (s *JobStore) closeJob(ctx context.Context, jobId string, location string, cause *string) error {
	now := s.clock.Now()
	err := s.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT location FROM extraction_jobs WHERE job_id = $1 FOR UPDATE`, jobId).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return jobstore.JobNotFound(locationActive, jobId)
		}
		if err != nil {
			return errors.WithStack(err)
		}
		switch {
		case current == locationArchived && location == locationArchived:
			return errors.Wrapf(jobstore.ErrAlreadyArchived, "job %s", jobId)
		case current == locationQuarantined && location == locationQuarantined:
			return errors.Wrapf(jobstore.ErrAlreadyQuarantined, "job %s", jobId)
		case current != locationActive:
			return errors.Wrapf(jobstore.ErrJobAlreadyTerminal, "job %s is %s", jobId, current)
		}
		_, err = tx.Exec(ctx,
			`UPDATE extraction_jobs SET location = $2, closed_at = $3, quarantine_cause = $4 WHERE job_id = $1`,
			jobId, location, now, cause)
		return errors.WithStack(err)
	})
	if err == nil {
		s.terminal.Add(jobId, nil)
	}
	return err
}

func (s *JobStore) GetJob(ctx context.Context, jobId string) (*model.ExtractionJob, error) {
	row, err := s.getJob(ctx, jobId, locationActive)
	if err != nil {
		return nil, err
	}
	return row.job, nil
}

func (s *JobStore) GetArchivedJob(ctx context.Context, jobId string) (*model.ArchivedJob, error) {
	row, err := s.getJob(ctx, jobId, locationArchived)
	if err != nil {
		return nil, err
	}
	return &model.ArchivedJob{Job: row.job, CompletedAt: row.closedAt.UTC()}, nil
}

func (s *JobStore) GetQuarantinedJob(ctx context.Context, jobId string) (*model.QuarantinedJob, error) {
	row, err := s.getJob(ctx, jobId, locationQuarantined)
	if err != nil {
		return nil, err
	}
	return row.asQuarantined(), nil
}

func (s *JobStore) ListQuarantinedJobs(ctx context.Context) ([]*model.QuarantinedJob, error) {
	sql, args, err := quarantinedJobsQuery()
	if err != nil {
		return nil, err
	}
	var result []*model.QuarantinedJob
	err = s.readTx(ctx, func(tx pgx.Tx) error {
		rows, err := loadJobs(ctx, tx, sql, args...)
		for _, row := range rows {
			result = append(result, row.asQuarantined())
		}
		return err
	})
	return result, err
}

func (s *JobStore) getJob(ctx context.Context, jobId string, location string) (*jobRow, error) {
	var row *jobRow
	err := s.readTx(ctx, func(tx pgx.Tx) error {
		var err error
		row, err = loadJob(ctx, tx, jobId)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && row.location != location) {
		return nil, jobstore.JobNotFound(location, jobId)
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// readTx runs action in a read-only transaction that sees a single snapshot, so that a job row and its
// collections are read consistently.
func (s *JobStore) readTx(ctx context.Context, action func(tx pgx.Tx) error) error {
	return s.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, action)
}

type jobRow struct {
	job      *model.ExtractionJob
	location string
	closedAt *time.Time
	cause    *string
}

func (r *jobRow) asQuarantined() *model.QuarantinedJob {
	quarantined := &model.QuarantinedJob{Job: r.job}
	if r.closedAt != nil {
		quarantined.QuarantinedAt = r.closedAt.UTC()
	}
	if r.cause != nil {
		quarantined.Cause = *r.cause
	}
	return quarantined
}

func loadJob(ctx context.Context, tx pgx.Tx, jobId string) (*jobRow, error) {
	row, err := scanJob(tx.QueryRow(ctx, selectJobsSql+` WHERE job_id = $1`, jobId))
	if err != nil {
		return nil, err
	}
	if err := loadCollections(ctx, tx, []*jobRow{row}); err != nil {
		return nil, err
	}
	return row, nil
}

func loadJobs(ctx context.Context, tx pgx.Tx, sql string, args ...interface{}) ([]*jobRow, error) {
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var result []*jobRow
	for rows.Next() {
		row, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	rows.Close()
	if err := loadCollections(ctx, tx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// loadCollections fills in the file collections and rejections of jobs, in the order they were received.
func loadCollections(ctx context.Context, tx pgx.Tx, jobs []*jobRow) error {
	if len(jobs) == 0 {
		return nil
	}
	byId := make(map[string]*model.ExtractionJob, len(jobs))
	jobIds := make([]string, 0, len(jobs))
	for _, row := range jobs {
		byId[row.job.JobId] = row.job
		jobIds = append(jobIds, row.job.JobId)
	}
	rows, err := tx.Query(ctx,
		`SELECT job_id, key_value, files, rejections, header FROM file_collections WHERE job_id = ANY($1) ORDER BY job_id, seq`,
		jobIds)
	if err != nil {
		return errors.WithStack(err)
	}
	defer rows.Close()
	for rows.Next() {
		var jobId, keyValue string
		var files, rejections, header []byte
		if err := rows.Scan(&jobId, &keyValue, &files, &rejections, &header); err != nil {
			return errors.WithStack(err)
		}
		collection := &model.PerKeyFileCollection{KeyValue: keyValue}
		rejection := &model.PerKeyRejection{KeyValue: keyValue}
		if err := unmarshal(files, &collection.Files); err != nil {
			return err
		}
		if err := unmarshal(header, &collection.Header); err != nil {
			return err
		}
		if err := unmarshal(rejections, &rejection.Rejections); err != nil {
			return err
		}
		job := byId[jobId]
		job.FileCollections = append(job.FileCollections, collection)
		job.Rejections = append(job.Rejections, rejection)
	}
	return errors.WithStack(rows.Err())
}

const selectJobsSql = `SELECT job_id, location, status, submission, submission_header, collections_received,
       dispatched_files, version, created_at, last_updated, closed_at, quarantine_cause
  FROM extraction_jobs`

func scanJob(row pgx.Row) (*jobRow, error) {
	var status string
	var submission, submissionHeader []byte
	var createdAt, lastUpdated time.Time
	result := &jobRow{
		job: &model.ExtractionJob{
			FileCollections: []*model.PerKeyFileCollection{},
			Rejections:      []*model.PerKeyRejection{},
		},
	}
	err := row.Scan(
		&result.job.JobId,
		&result.location,
		&status,
		&submission,
		&submissionHeader,
		&result.job.CollectionsReceived,
		&result.job.DispatchedFiles,
		&result.job.Version,
		&createdAt,
		&lastUpdated,
		&result.closedAt,
		&result.cause)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result.job.Status = model.JobStatus(status)
	result.job.CreatedAt = createdAt.UTC()
	result.job.LastUpdated = lastUpdated.UTC()
	if len(submission) > 0 {
		result.job.Submission = &model.JobSubmission{}
		if err := unmarshal(submission, result.job.Submission); err != nil {
			return nil, err
		}
	}
	if len(submissionHeader) > 0 {
		result.job.SubmissionHeader = &model.MessageHeader{}
		if err := unmarshal(submissionHeader, result.job.SubmissionHeader); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func insertJob(ctx context.Context, tx pgx.Tx, job *model.ExtractionJob) error {
	submission, submissionHeader, err := marshalSubmission(job)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO extraction_jobs (job_id, status, submission, submission_header, requested_key_count,
		                              collections_received, dispatched_files, version, created_at, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (job_id) DO NOTHING`,
		job.JobId, string(job.Status), submission, submissionHeader, requestedKeyCount(job),
		job.CollectionsReceived, job.DispatchedFiles, job.Version, job.CreatedAt, job.LastUpdated)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(errVersionConflict, "job %s was created concurrently", job.JobId)
	}
	return nil
}

func updateJob(ctx context.Context, tx pgx.Tx, job *model.ExtractionJob, expectedVersion int64) error {
	submission, submissionHeader, err := marshalSubmission(job)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE extraction_jobs
		    SET status = $3, submission = $4, submission_header = $5, requested_key_count = $6,
		        collections_received = $7, dispatched_files = $8, version = $9, last_updated = $10
		  WHERE job_id = $1 AND version = $2 AND location = 'active'`,
		job.JobId, expectedVersion, string(job.Status), submission, submissionHeader, requestedKeyCount(job),
		job.CollectionsReceived, job.DispatchedFiles, job.Version, job.LastUpdated)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(errVersionConflict, "job %s at version %d", job.JobId, expectedVersion)
	}
	return nil
}

func insertCollection(
	ctx context.Context,
	tx pgx.Tx,
	jobId string,
	seq int,
	collection *model.PerKeyFileCollection,
	rejection *model.PerKeyRejection,
) error {
	files, err := json.Marshal(collection.Files)
	if err != nil {
		return errors.WithStack(err)
	}
	rejections, err := json.Marshal(rejection.Rejections)
	if err != nil {
		return errors.WithStack(err)
	}
	header, err := json.Marshal(collection.Header)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO file_collections (job_id, key_value, seq, files, rejections, header) VALUES ($1, $2, $3, $4, $5, $6)`,
		jobId, collection.KeyValue, seq, files, rejections, header)
	return errors.WithStack(err)
}

// lockActiveJobs takes a KEY SHARE lock on every existing row in jobIds and fails if any of them is no
// longer active. Jobs without a row are allowed: their outcomes may arrive first.
func (s *JobStore) lockActiveJobs(ctx context.Context, tx pgx.Tx, jobIds []string) error {
	rows, err := tx.Query(ctx,
		`SELECT job_id, location FROM extraction_jobs WHERE job_id = ANY($1) ORDER BY job_id FOR KEY SHARE`,
		jobIds)
	if err != nil {
		return errors.WithStack(err)
	}
	defer rows.Close()
	for rows.Next() {
		var jobId, location string
		if err := rows.Scan(&jobId, &location); err != nil {
			return errors.WithStack(err)
		}
		if location != locationActive {
			s.terminal.Add(jobId, nil)
			return errors.Wrapf(jobstore.ErrJobAlreadyTerminal, "job %s is %s", jobId, location)
		}
	}
	return errors.WithStack(rows.Err())
}

const selectOutcomesSql = `SELECT job_id, output_path, status, reason, report, header, recorded_at FROM file_outcomes`

func loadOutcome(ctx context.Context, tx pgx.Tx, jobId string, outputPath string) (*model.FileOutcome, error) {
	outcome, err := scanOutcome(tx.QueryRow(ctx,
		selectOutcomesSql+` WHERE job_id = $1 AND output_path = $2 FOR UPDATE`, jobId, outputPath))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return outcome, err
}

func scanOutcome(row pgx.Row) (*model.FileOutcome, error) {
	var status string
	var report, header []byte
	var recordedAt time.Time
	outcome := &model.FileOutcome{}
	err := row.Scan(&outcome.JobId, &outcome.OutputPath, &status, &outcome.Reason, &report, &header, &recordedAt)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	outcome.Status = model.OutcomeStatus(status)
	outcome.RecordedAt = recordedAt.UTC()
	if len(report) > 0 {
		if err := unmarshal(report, &outcome.Report); err != nil {
			return nil, err
		}
	}
	if err := unmarshal(header, &outcome.Header); err != nil {
		return nil, err
	}
	return outcome, nil
}

// writeOutcome inserts a first outcome for a file or replaces the one recorded before. An insert that loses a
// race with a concurrent insert for the same file is reported as transient, so the caller resolves the two
// outcomes on retry.
func writeOutcome(ctx context.Context, tx pgx.Tx, outcome *model.FileOutcome, isNew bool) error {
	var report []byte
	if len(outcome.Report) > 0 {
		var err error
		if report, err = json.Marshal(outcome.Report); err != nil {
			return errors.WithStack(err)
		}
	}
	header, err := json.Marshal(outcome.Header)
	if err != nil {
		return errors.WithStack(err)
	}
	if !isNew {
		_, err = tx.Exec(ctx,
			`UPDATE file_outcomes SET status = $3, reason = $4, report = $5, header = $6, recorded_at = $7
			  WHERE job_id = $1 AND output_path = $2`,
			outcome.JobId, outcome.OutputPath, string(outcome.Status), outcome.Reason, report, header, outcome.RecordedAt)
		return errors.WithStack(err)
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO file_outcomes (job_id, output_path, status, reason, report, header, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (job_id, output_path) DO NOTHING`,
		outcome.JobId, outcome.OutputPath, string(outcome.Status), outcome.Reason, report, header, outcome.RecordedAt)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.WithStack(&trackererrors.ErrTransient{
			Err: errors.Errorf("outcome for job %s path %s was recorded concurrently", outcome.JobId, outcome.OutputPath),
		})
	}
	return nil
}

func marshalSubmission(job *model.ExtractionJob) ([]byte, []byte, error) {
	if job.Submission == nil {
		return nil, nil, nil
	}
	submission, err := json.Marshal(job.Submission)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	header, err := json.Marshal(job.SubmissionHeader)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	return submission, header, nil
}

func requestedKeyCount(job *model.ExtractionJob) *int {
	if job.Submission == nil {
		return nil
	}
	count := job.Submission.RequestedKeyCount
	return &count
}

func unmarshal(data []byte, v interface{}) error {
	return errors.WithStack(json.Unmarshal(data, v))
}
