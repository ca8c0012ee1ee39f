// Package watcher decides when extraction jobs are complete. It reports on and archives jobs whose outcomes
// have all been recorded, and quarantines jobs that are inconsistent or have stopped making progress.
package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/jobtracker/internal/common/logging"
	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore"
	"github.com/G-Research/jobtracker/internal/jobtracker/metrics"
	"github.com/G-Research/jobtracker/internal/jobtracker/model"
	"github.com/G-Research/jobtracker/internal/jobtracker/notify"
	"github.com/G-Research/jobtracker/internal/jobtracker/report"
)

const triggerBufferSize = 64

type Watcher struct {
	store            jobstore.JobStore
	reports          report.Generator
	notifier         notify.Notifier
	clock            clock.WithTicker
	pollInterval     time.Duration
	stalenessTimeout time.Duration
	operationTimeout time.Duration
	metrics          *metrics.Metrics
	triggers         chan string
	logger           *log.Entry
}

func New(
	store jobstore.JobStore,
	reports report.Generator,
	notifier notify.Notifier,
	clock clock.WithTicker,
	pollInterval time.Duration,
	stalenessTimeout time.Duration,
	operationTimeout time.Duration,
	m *metrics.Metrics,
) *Watcher {
	return &Watcher{
		store:            store,
		reports:          reports,
		notifier:         notifier,
		clock:            clock,
		pollInterval:     pollInterval,
		stalenessTimeout: stalenessTimeout,
		operationTimeout: operationTimeout,
		metrics:          m,
		triggers:         make(chan string, triggerBufferSize),
		logger:           logging.NewComponentLogger("job-watcher"),
	}
}

// Trigger requests an out-of-cycle pass over jobId, or over all jobs if jobId is empty. It never blocks; if
// too many passes are already queued the request is dropped and left to the next poll.
func (w *Watcher) Trigger(jobId string) {
	select {
	case w.triggers <- jobId:
	default:
		w.logger.WithField(logging.JobId, jobId).Warn("Too many queued passes, dropping trigger")
	}
}

// Run performs a pass every poll interval and whenever triggered, until ctx is cancelled. A pass that has
// started when ctx is cancelled runs to completion.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		var jobId string
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping job watcher")
			return nil
		case <-ticker.C():
		case jobId = <-w.triggers:
		}
		if ctx.Err() != nil {
			continue
		}
		if err := w.ProcessJobs(context.Background(), jobId); err != nil {
			logging.WithStacktrace(w.logger, err).Error("Job watcher pass failed")
		}
	}
}

// ProcessJobs performs one pass over jobId, or over all active jobs if jobId is empty. A failure processing
// one job does not stop the others; all failures are returned together.
func (w *Watcher) ProcessJobs(ctx context.Context, jobId string) (err error) {
	start := w.clock.Now()
	defer func() {
		w.metrics.RecordWatcherPass(err, w.clock.Since(start))
	}()

	var result *multierror.Error
	handled := make(map[string]bool)

	var ready []*model.ExtractionJob
	err = w.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		ready, err = w.store.ListReadyJobs(ctx, jobId)
		return err
	})
	if err != nil {
		// The stale phase relies on the ready set to exclude complete jobs.
		return errors.WithMessage(err, "listing ready jobs")
	}
	for _, job := range ready {
		job := job
		handled[job.JobId] = true
		result = appendJobError(result, job.JobId, w.safely(job.JobId, func() error {
			return w.processReadyJob(ctx, job)
		}))
	}

	var stale []*model.ExtractionJob
	err = w.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		stale, err = w.store.ListStaleJobs(ctx, start.Add(-w.stalenessTimeout), jobId)
		return err
	})
	if err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "listing stale jobs"))
	}
	for _, job := range stale {
		job := job
		if handled[job.JobId] {
			continue
		}
		result = appendJobError(result, job.JobId, w.safely(job.JobId, func() error {
			return w.processStaleJob(ctx, job)
		}))
	}

	if len(ready) > 0 || len(stale) > 0 {
		w.logger.Infof("Processed %d ready and %d stale jobs in %s", len(ready), len(stale), w.clock.Since(start))
	}
	return result.ErrorOrNil()
}

func (w *Watcher) processReadyJob(ctx context.Context, job *model.ExtractionJob) error {
	logger := w.logger.WithField(logging.JobId, job.JobId)
	r, err := w.reconcile(ctx, job)
	if err != nil {
		return err
	}
	if cause := r.corruption(); cause != "" {
		return w.quarantine(ctx, job.JobId, causeAmbiguous, cause)
	}
	if !r.complete() {
		if r.lastActivity.Before(w.clock.Now().Add(-w.stalenessTimeout)) {
			reason, cause := r.staleCause()
			return w.quarantine(ctx, job.JobId, reason, cause)
		}
		logger.Debugf("Waiting for %d outcomes, ignoring %d orphan outcomes", len(r.missing), len(r.orphans))
		return nil
	}
	return w.archive(ctx, job)
}

// archive reports on a reconciled job, archives it and notifies its completion.
func (w *Watcher) archive(ctx context.Context, job *model.ExtractionJob) error {
	logger := w.logger.WithField(logging.JobId, job.JobId)
	completed := model.NewCompletedJob(job)
	err := w.reports.Generate(ctx, completed, func(ctx context.Context, fn func(*model.FileOutcome) error) error {
		return w.withTimeout(ctx, func(ctx context.Context) error {
			return w.store.StreamFileOutcomes(ctx, job.JobId, fn)
		})
	})
	if err != nil {
		logging.WithStacktrace(logger, err).Warn("Report generation failed, quarantining job")
		return w.quarantine(ctx, job.JobId, causeReport, fmt.Sprintf("%s: %v", causeReport, err))
	}

	err = w.withTimeout(ctx, func(ctx context.Context) error {
		return w.store.Archive(ctx, job.JobId)
	})
	if errors.Is(err, jobstore.ErrAlreadyArchived) {
		logger.Info("Job was archived by an earlier pass")
		return nil
	}
	if err != nil {
		return errors.WithMessage(err, "archiving job")
	}
	w.metrics.RecordArchived()
	logger.WithField("dispatchedFiles", job.DispatchedFiles).Info("Job archived")

	if err := w.notifier.Notify(ctx, completed); err != nil {
		w.metrics.RecordNotificationError()
		logging.WithStacktrace(logger, err).Error("Failed to notify completion of archived job")
	}
	return nil
}

// processStaleJob quarantines a job that has not become ready within the staleness timeout, unless its
// outcomes turn out to be complete.
func (w *Watcher) processStaleJob(ctx context.Context, job *model.ExtractionJob) error {
	switch {
	case job.Submission == nil:
		return w.quarantine(ctx, job.JobId, causeSubmission, causeSubmission)
	case job.CollectionsReceived < job.Submission.RequestedKeyCount:
		return w.quarantine(ctx, job.JobId, causeCollections, fmt.Sprintf(
			"%s: received %d of %d", causeCollections, job.CollectionsReceived, job.Submission.RequestedKeyCount))
	case job.CollectionsReceived > job.Submission.RequestedKeyCount:
		return w.quarantine(ctx, job.JobId, causeOverCount, fmt.Sprintf(
			"%s: received %d for %d", causeOverCount, job.CollectionsReceived, job.Submission.RequestedKeyCount))
	}
	r, err := w.reconcile(ctx, job)
	if err != nil {
		return err
	}
	if cause := r.corruption(); cause != "" {
		return w.quarantine(ctx, job.JobId, causeAmbiguous, cause)
	}
	if r.complete() {
		w.logger.WithField(logging.JobId, job.JobId).Info("Stale job is complete, archiving")
		return w.archive(ctx, job)
	}
	reason, cause := r.staleCause()
	return w.quarantine(ctx, job.JobId, reason, cause)
}

func (w *Watcher) reconcile(ctx context.Context, job *model.ExtractionJob) (*reconciliation, error) {
	var r *reconciliation
	err := w.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		r, err = reconcile(ctx, job, w.store.StreamFileOutcomes)
		return err
	})
	return r, errors.WithMessage(err, "reconciling outcomes")
}

// quarantine moves the job to quarantine. reason labels the metric, cause is recorded with the job.
func (w *Watcher) quarantine(ctx context.Context, jobId string, reason string, cause string) error {
	err := w.withTimeout(ctx, func(ctx context.Context) error {
		return w.store.Quarantine(ctx, jobId, cause)
	})
	if errors.Is(err, jobstore.ErrAlreadyQuarantined) {
		return nil
	}
	if err != nil {
		return errors.WithMessage(err, "quarantining job")
	}
	w.metrics.RecordQuarantined(reason)
	w.logger.WithField(logging.JobId, jobId).WithField("cause", cause).Warn("Job quarantined")
	return nil
}

func (w *Watcher) safely(jobId string, action func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic processing job %s: %v", jobId, r)
		}
	}()
	return action()
}

func (w *Watcher) withTimeout(ctx context.Context, action func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, w.operationTimeout)
	defer cancel()
	return action(ctx)
}

func appendJobError(result *multierror.Error, jobId string, err error) *multierror.Error {
	if err == nil {
		return result
	}
	return multierror.Append(result, errors.WithMessagef(err, "job %s", jobId))
}
