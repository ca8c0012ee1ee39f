package postgres

import (
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/pkg/errors"
)

var (
	dialect = goqu.Dialect("postgres")

	// Tables
	jobTable        = goqu.T("extraction_jobs")
	collectionTable = goqu.T("file_collections")
	outcomeTable    = goqu.T("file_outcomes")

	// Columns: extraction_jobs table
	job_jobId               = goqu.I("extraction_jobs.job_id")
	job_location            = goqu.I("extraction_jobs.location")
	job_status              = goqu.I("extraction_jobs.status")
	job_submission          = goqu.I("extraction_jobs.submission")
	job_submissionHeader    = goqu.I("extraction_jobs.submission_header")
	job_requestedKeyCount   = goqu.I("extraction_jobs.requested_key_count")
	job_collectionsReceived = goqu.I("extraction_jobs.collections_received")
	job_dispatchedFiles     = goqu.I("extraction_jobs.dispatched_files")
	job_version             = goqu.I("extraction_jobs.version")
	job_createdAt           = goqu.I("extraction_jobs.created_at")
	job_lastUpdated         = goqu.I("extraction_jobs.last_updated")
	job_closedAt            = goqu.I("extraction_jobs.closed_at")
	job_quarantineCause     = goqu.I("extraction_jobs.quarantine_cause")

	// Columns: file_collections table
	collection_jobId = goqu.I("file_collections.job_id")

	// Columns: file_outcomes table
	outcome_jobId      = goqu.I("file_outcomes.job_id")
	outcome_outputPath = goqu.I("file_outcomes.output_path")
	outcome_recordedAt = goqu.I("file_outcomes.recorded_at")

	// One row per file in file_collections.files, read through dispatched_file.output_path
	dispatchedFiles          = goqu.L(`jsonb_array_elements("file_collections"."files") AS dispatched(file)`)
	dispatchedFileOutputPath = goqu.L(`dispatched.file->>'outputPath'`)
)

// Same order as selectJobsSql, so that rows can be read with scanJob.
var jobColumns = []interface{}{
	job_jobId,
	job_location,
	job_status,
	job_submission,
	job_submissionHeader,
	job_collectionsReceived,
	job_dispatchedFiles,
	job_version,
	job_createdAt,
	job_lastUpdated,
	job_closedAt,
	job_quarantineCause,
}

// readyJobsQuery selects the active jobs whose collections and outcome counts are complete and which have no
// outcome for a path that was never dispatched.
func readyJobsQuery(jobId string) (string, []interface{}, error) {
	outcomeCount := dialect.
		From(outcomeTable).
		Select(goqu.COUNT(goqu.Star())).
		Where(outcome_jobId.Eq(job_jobId))

	dispatchedPath := dialect.
		From(collectionTable, dispatchedFiles).
		Select(goqu.L("1")).
		Where(
			collection_jobId.Eq(outcome_jobId),
			dispatchedFileOutputPath.Eq(outcome_outputPath))

	orphanOutcomes := dialect.
		From(outcomeTable).
		Select(goqu.L("1")).
		Where(
			outcome_jobId.Eq(job_jobId),
			goqu.L("NOT EXISTS ?", dispatchedPath))

	where := []exp.Expression{
		job_location.Eq(locationActive),
		job_submission.IsNotNull(),
		job_collectionsReceived.Eq(job_requestedKeyCount),
		job_dispatchedFiles.Eq(outcomeCount),
		goqu.L("NOT EXISTS ?", orphanOutcomes),
	}
	if jobId != "" {
		where = append(where, job_jobId.Eq(jobId))
	}
	return toSQL(dialect.
		From(jobTable).
		Select(jobColumns...).
		Where(where...).
		Order(job_createdAt.Asc(), job_jobId.Asc()))
}

// staleJobsQuery selects the active jobs that were last updated, and last received an outcome, before cutoff.
func staleJobsQuery(cutoff time.Time, jobId string) (string, []interface{}, error) {
	recentOutcomes := dialect.
		From(outcomeTable).
		Select(goqu.L("1")).
		Where(
			outcome_jobId.Eq(job_jobId),
			outcome_recordedAt.Gte(cutoff))

	where := []exp.Expression{
		job_location.Eq(locationActive),
		job_lastUpdated.Lt(cutoff),
		goqu.L("NOT EXISTS ?", recentOutcomes),
	}
	if jobId != "" {
		where = append(where, job_jobId.Eq(jobId))
	}
	return toSQL(dialect.
		From(jobTable).
		Select(jobColumns...).
		Where(where...).
		Order(job_lastUpdated.Asc(), job_jobId.Asc()))
}

func quarantinedJobsQuery() (string, []interface{}, error) {
	return toSQL(dialect.
		From(jobTable).
		Select(jobColumns...).
		Where(job_location.Eq(locationQuarantined)).
		Order(job_closedAt.Asc(), job_jobId.Asc()))
}

func toSQL(ds *goqu.SelectDataset) (string, []interface{}, error) {
	sql, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return "", nil, errors.WithStack(err)
	}
	return sql, args, nil
}
