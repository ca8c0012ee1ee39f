// Package controlplane carries operator commands to a running tracker.
package controlplane

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
	"github.com/G-Research/jobtracker/internal/jobtracker/consumers"
	"github.com/G-Research/jobtracker/internal/jobtracker/metrics"
	"github.com/G-Research/jobtracker/internal/jobtracker/model"
	"github.com/G-Research/jobtracker/internal/jobtracker/transport"
)

const KindControlPlane = "control-plane"

// ProcessJobsCommand asks for an immediate watcher pass over JobId, or over all jobs if JobId is empty.
type ProcessJobsCommand struct {
	JobId string `json:"jobId,omitempty"`
}

// Trigger is implemented by watcher.Watcher.
type Trigger interface {
	Trigger(jobId string)
}

// Consumer hands ProcessJobsCommands to the watcher.
type Consumer struct {
	trigger Trigger
	metrics *metrics.Metrics
	logger  *log.Entry
}

var _ consumers.Consumer = &Consumer{}

func NewConsumer(trigger Trigger, m *metrics.Metrics) *Consumer {
	return &Consumer{
		trigger: trigger,
		metrics: m,
		logger:  logging.NewComponentLogger(KindControlPlane + "-consumer"),
	}
}

func (c *Consumer) Kind() string {
	return KindControlPlane
}

func (c *Consumer) Handle(_ context.Context, delivery consumers.Delivery) {
	var command ProcessJobsCommand
	if err := json.Unmarshal(delivery.Payload(), &command); err != nil {
		logging.WithStacktrace(c.logger, err).
			WithField("messageId", delivery.Header().MessageId).
			Warn("Rejecting malformed control plane command")
		delivery.Nack(false)
		c.metrics.RecordMessage(KindControlPlane, metrics.MessageResultReject)
		return
	}
	c.logger.WithField(logging.JobId, command.JobId).Info("Received process jobs command")
	c.trigger.Trigger(command.JobId)
	delivery.Ack()
	c.metrics.RecordMessage(KindControlPlane, metrics.MessageResultAck)
}

// Publisher sends commands to the control plane topic.
type Publisher struct {
	producer    pulsar.Producer
	sendTimeout time.Duration
	clock       clock.PassiveClock
}

func NewPublisher(producer pulsar.Producer, sendTimeout time.Duration, clock clock.PassiveClock) *Publisher {
	return &Publisher{
		producer:    producer,
		sendTimeout: sendTimeout,
		clock:       clock,
	}
}

// PublishProcessJobs returns the id of the published message.
func (p *Publisher) PublishProcessJobs(ctx context.Context, jobId string) (string, error) {
	payload, err := json.Marshal(&ProcessJobsCommand{JobId: jobId})
	if err != nil {
		return "", errors.WithStack(err)
	}
	header := model.MessageHeader{
		MessageId:                util.NewULID(),
		ProducerExecutable:       filepath.Base(os.Args[0]),
		ProducerProcessId:        os.Getpid(),
		OriginalPublishTimestamp: p.clock.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()
	_, err = p.producer.Send(ctx, &pulsar.ProducerMessage{
		Payload:    payload,
		Properties: transport.HeaderProperties(header),
	})
	if err != nil {
		return "", errors.Wrap(err, "publishing process jobs command")
	}
	return header.MessageId, nil
}
