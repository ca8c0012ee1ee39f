package transport

import (
	"context"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/avast/retry-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/G-Research/jobtracker/internal/common/logging"
	"github.com/G-Research/jobtracker/internal/jobtracker/model"
)

const (
	PropertyDeadLetterSourceTopic = "dead-letter-source-topic"
	PropertyDeadLetterKind        = "dead-letter-kind"

	deadLetterAttempts = 3
)

// delivery adapts a pulsar message to consumers.Delivery.
type delivery struct {
	msg        pulsar.Message
	header     model.MessageHeader
	kind       string
	consumer   pulsar.Consumer
	deadLetter pulsar.Producer
	timeout    time.Duration
	logger     *logrus.Entry
}

func (d *delivery) Header() model.MessageHeader {
	return d.header
}

func (d *delivery) Payload() []byte {
	return d.msg.Payload()
}

func (d *delivery) Ack() {
	d.consumer.Ack(d.msg)
}

// Nack without requeue publishes the message to the dead letter topic and acknowledges it. If the dead
// letter cannot be published the message is requeued instead, so that it is not lost.
func (d *delivery) Nack(requeue bool) {
	if requeue {
		d.consumer.Nack(d.msg)
		return
	}
	if d.deadLetter == nil {
		d.consumer.Ack(d.msg)
		return
	}
	properties := maps.Clone(d.msg.Properties())
	if properties == nil {
		properties = make(map[string]string)
	}
	properties[PropertyDeadLetterSourceTopic] = d.msg.Topic()
	properties[PropertyDeadLetterKind] = d.kind
	err := retry.Do(
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			_, err := d.deadLetter.Send(ctx, &pulsar.ProducerMessage{
				Payload:    d.msg.Payload(),
				Properties: properties,
			})
			return err
		},
		retry.Attempts(deadLetterAttempts),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		logging.WithStacktrace(d.logger, err).
			WithField("messageId", d.header.MessageId).
			Error("Failed to dead-letter message, requeueing it")
		d.consumer.Nack(d.msg)
		return
	}
	d.consumer.Ack(d.msg)
}
