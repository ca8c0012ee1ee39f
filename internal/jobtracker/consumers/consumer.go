// Package consumers turns transport deliveries into job store calls. There is one consumer per message kind;
// each decodes and validates its payload, delegates, and settles the delivery according to the outcome:
// acknowledged on success, requeued on transient failure and rejected otherwise.
package consumers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/jobtracker/internal/common/dedup"
	"github.com/G-Research/jobtracker/internal/common/logging"
	"github.com/G-Research/jobtracker/internal/common/trackererrors"
	"github.com/G-Research/jobtracker/internal/jobtracker/metrics"
	"github.com/G-Research/jobtracker/internal/jobtracker/model"
)

const (
	KindJobSubmission  = "job-submission"
	KindFileCollection = "file-collection"
	KindFileOutcome    = "file-outcome"
	KindVerification   = "verification"
)

// Delivery is one message handed over by the transport. Exactly one of Ack and Nack is called per delivery.
type Delivery interface {
	Header() model.MessageHeader
	Payload() []byte
	Ack()
	// Nack negatively acknowledges the message. With requeue the broker redelivers it later, otherwise it is
	// dead-lettered.
	Nack(requeue bool)
}

type Consumer interface {
	Kind() string
	Handle(ctx context.Context, delivery Delivery)
}

var validate = validator.New()

// base holds what every consumer shares.
type base struct {
	kind             string
	operationTimeout time.Duration
	dedup            dedup.Store
	metrics          *metrics.Metrics
	logger           *log.Entry
}

func newBase(kind string, operationTimeout time.Duration, dedupStore dedup.Store, m *metrics.Metrics) base {
	if dedupStore == nil {
		dedupStore = dedup.NoopStore{}
	}
	return base{
		kind:             kind,
		operationTimeout: operationTimeout,
		dedup:            dedupStore,
		metrics:          m,
		logger:           logging.NewComponentLogger(kind + "-consumer"),
	}
}

func (b *base) Kind() string {
	return b.kind
}

// process runs action with a bounded context and settles the delivery with its result. If the consumer
// de-duplicates, a message id processed before is acknowledged without running action.
func (b *base) process(ctx context.Context, delivery Delivery, jobId string, action func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, b.operationTimeout)
	defer cancel()

	key := b.dedupKey(delivery)
	if key != "" {
		seen, err := b.dedup.Seen(ctx, key)
		if err != nil {
			b.settle(delivery, jobId, &trackererrors.ErrTransient{Err: errors.Wrap(err, "checking message id")})
			return
		}
		if seen {
			b.logger.WithField(logging.JobId, jobId).Debugf("Message %s already processed", delivery.Header().MessageId)
			delivery.Ack()
			b.metrics.RecordMessage(b.kind, metrics.MessageResultDuplicate)
			return
		}
	}

	err := action(ctx)
	if err == nil && key != "" {
		if markErr := b.dedup.Mark(ctx, key); markErr != nil {
			logging.WithStacktrace(b.logger, markErr).Warnf("Failed to record message %s as processed", key)
		}
	}
	b.settle(delivery, jobId, err)
}

func (b *base) dedupKey(delivery Delivery) string {
	if _, ok := b.dedup.(dedup.NoopStore); ok {
		return ""
	}
	messageId := delivery.Header().MessageId
	if messageId == "" {
		return ""
	}
	return b.kind + ":" + messageId
}

func (b *base) settle(delivery Delivery, jobId string, err error) {
	logger := b.logger.WithFields(log.Fields{
		logging.JobId: jobId,
		"messageId":   delivery.Header().MessageId,
	})
	switch {
	case err == nil:
		delivery.Ack()
		b.metrics.RecordMessage(b.kind, metrics.MessageResultAck)
	case trackererrors.IsTransient(err):
		logging.WithStacktrace(logger, err).Warn("Transient failure, requeueing message")
		delivery.Nack(true)
		b.metrics.RecordMessage(b.kind, metrics.MessageResultRequeue)
	default:
		logging.WithStacktrace(logger, err).Error("Rejecting message")
		delivery.Nack(false)
		b.metrics.RecordMessage(b.kind, metrics.MessageResultReject)
	}
}

// decode unmarshals payload into v and validates it. Failures are reported as invalid arguments, so that
// the message is rejected rather than retried.
func decode(payload []byte, v interface{}) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "payload",
			Value:   string(payload),
			Message: err.Error(),
		})
	}
	if err := validate.Struct(v); err != nil {
		return errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "payload",
			Value:   string(payload),
			Message: err.Error(),
		})
	}
	return nil
}
