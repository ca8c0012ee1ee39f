package watcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/jobtracker/internal/jobtracker/model"
)

const (
	causeOutcomes    = "timed out waiting for outcomes"
	causeSubmission  = "timed out waiting for job submission"
	causeCollections = "timed out waiting for file collections"
	causeOverCount   = "received more file collections than requested keys"
	causeAmbiguous   = "output paths dispatched under more than one key value"
	causeOrphans     = "outcomes recorded for paths that were never dispatched"
	causeReport      = "report generation failed"
)

// reconciliation compares the dispatched paths of a job with its recorded outcomes.
type reconciliation struct {
	// Dispatched paths with no outcome.
	missing []string
	// Outcome paths that were never dispatched.
	orphans []string
	// Dispatched paths listed under more than one key value, with those key values.
	ambiguous map[string][]string
	// Latest of the job's last update and its outcomes' recording times.
	lastActivity time.Time
}

func reconcile(ctx context.Context, job *model.ExtractionJob, stream func(ctx context.Context, jobId string, fn func(*model.FileOutcome) error) error) (*reconciliation, error) {
	dispatched := job.DispatchedPaths()
	r := &reconciliation{
		ambiguous:    make(map[string][]string),
		lastActivity: job.LastUpdated,
	}
	for path, keyValues := range dispatched {
		if len(keyValues) > 1 {
			r.ambiguous[path] = keyValues
		}
	}

	seen := make(map[string]bool, len(dispatched))
	err := stream(ctx, job.JobId, func(outcome *model.FileOutcome) error {
		seen[outcome.OutputPath] = true
		if _, ok := dispatched[outcome.OutputPath]; !ok {
			r.orphans = append(r.orphans, outcome.OutputPath)
		}
		if outcome.RecordedAt.After(r.lastActivity) {
			r.lastActivity = outcome.RecordedAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for path := range dispatched {
		if !seen[path] {
			r.missing = append(r.missing, path)
		}
	}
	slices.Sort(r.missing)
	slices.Sort(r.orphans)
	return r, nil
}

// corruption is non-empty if the job can never become complete.
func (r *reconciliation) corruption() string {
	if len(r.ambiguous) == 0 {
		return ""
	}
	paths := maps.Keys(r.ambiguous)
	slices.Sort(paths)
	details := make([]string, len(paths))
	for i, path := range paths {
		keyValues := slices.Clone(r.ambiguous[path])
		slices.Sort(keyValues)
		details[i] = fmt.Sprintf("%s (%s)", path, strings.Join(keyValues, ", "))
	}
	return fmt.Sprintf("%s: %s", causeAmbiguous, strings.Join(details, "; "))
}

func (r *reconciliation) complete() bool {
	return len(r.missing) == 0 && len(r.orphans) == 0 && len(r.ambiguous) == 0
}

// staleCause is the quarantine cause of an incomplete job that has timed out.
func (r *reconciliation) staleCause() (reason string, cause string) {
	if len(r.orphans) > 0 {
		return causeOrphans, fmt.Sprintf("%s: %s", causeOrphans, summarisePaths(r.orphans))
	}
	return causeOutcomes, causeOutcomes
}

func summarisePaths(paths []string) string {
	const maxListed = 10
	if len(paths) <= maxListed {
		return strings.Join(paths, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(paths[:maxListed], ", "), len(paths)-maxListed)
}
