// Package notify tells interested parties that a job has been archived.
package notify

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/jobtracker/internal/common/logging"
	"github.com/G-Research/jobtracker/internal/common/util"
	"github.com/G-Research/jobtracker/internal/jobtracker/model"
	"github.com/G-Research/jobtracker/internal/jobtracker/transport"
)

// Notifier is called once per archived job. Failures are logged by the caller and never undo the archive.
type Notifier interface {
	Notify(ctx context.Context, job *model.CompletedJob) error
}

// JobCompleted is the message published for an archived job.
type JobCompleted struct {
	JobId             string    `json:"jobId"`
	ProjectNumber     string    `json:"projectNumber"`
	ExtractionDir     string    `json:"extractionDir"`
	RequestedKeyCount int       `json:"requestedKeyCount"`
	DispatchedFiles   int       `json:"dispatchedFiles"`
	SubmittedAt       time.Time `json:"submittedAt"`
	CompletedAt       time.Time `json:"completedAt"`
}

func NewJobCompleted(job *model.CompletedJob, completedAt time.Time) *JobCompleted {
	return &JobCompleted{
		JobId:             job.JobId,
		ProjectNumber:     job.Submission.ProjectNumber,
		ExtractionDir:     job.Submission.ExtractionDir,
		RequestedKeyCount: job.Submission.RequestedKeyCount,
		DispatchedFiles:   job.DispatchedFiles,
		SubmittedAt:       job.Submission.SubmittedAt,
		CompletedAt:       completedAt,
	}
}

type LogNotifier struct {
	logger *log.Entry
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logging.NewComponentLogger("notifier")}
}

func (n *LogNotifier) Notify(_ context.Context, job *model.CompletedJob) error {
	n.logger.WithFields(log.Fields{
		logging.JobId:     job.JobId,
		"projectNumber":   job.Submission.ProjectNumber,
		"extractionDir":   job.Submission.ExtractionDir,
		"dispatchedFiles": job.DispatchedFiles,
	}).Info("Job completed")
	return nil
}

// PulsarNotifier publishes a JobCompleted message for every archived job.
type PulsarNotifier struct {
	producer    pulsar.Producer
	sendTimeout time.Duration
	clock       clock.PassiveClock
	executable  string
}

func NewPulsarNotifier(producer pulsar.Producer, sendTimeout time.Duration, clock clock.PassiveClock) *PulsarNotifier {
	return &PulsarNotifier{
		producer:    producer,
		sendTimeout: sendTimeout,
		clock:       clock,
		executable:  filepath.Base(os.Args[0]),
	}
}

func (n *PulsarNotifier) Notify(ctx context.Context, job *model.CompletedJob) error {
	now := n.clock.Now().UTC()
	payload, err := json.Marshal(NewJobCompleted(job, now))
	if err != nil {
		return errors.WithStack(err)
	}
	header := model.MessageHeader{
		MessageId:                util.NewUUID(),
		ProducerExecutable:       n.executable,
		ProducerProcessId:        os.Getpid(),
		OriginalPublishTimestamp: now,
	}
	if job.SubmissionHeader.MessageId != "" {
		header.Parents = []string{job.SubmissionHeader.MessageId}
	}
	if n.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.sendTimeout)
		defer cancel()
	}
	_, err = n.producer.Send(ctx, &pulsar.ProducerMessage{
		Payload:    payload,
		Properties: transport.HeaderProperties(header),
		Key:        job.JobId,
	})
	return errors.Wrapf(err, "publishing completion of job %s", job.JobId)
}
