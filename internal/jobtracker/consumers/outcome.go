package consumers

import (
	"context"
	"time"

	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore"
	"github.com/G-Research/jobtracker/internal/jobtracker/metrics"
	"github.com/G-Research/jobtracker/internal/jobtracker/model"
)

// FileOutcomeConsumer records the low-volume anonymisation outcomes directly, without batching. Outcomes are
// idempotent per file, so it does not de-duplicate by message id.
type FileOutcomeConsumer struct {
	base
	store jobstore.JobStore
}

func NewFileOutcomeConsumer(store jobstore.JobStore, operationTimeout time.Duration, m *metrics.Metrics) *FileOutcomeConsumer {
	return &FileOutcomeConsumer{
		base:  newBase(KindFileOutcome, operationTimeout, nil, m),
		store: store,
	}
}

func (c *FileOutcomeConsumer) Handle(ctx context.Context, delivery Delivery) {
	msg := &FileOutcomeMessage{}
	if err := decode(delivery.Payload(), msg); err != nil {
		c.settle(delivery, "", err)
		return
	}
	c.process(ctx, delivery, msg.JobId, func(ctx context.Context) error {
		return c.store.RecordFileOutcome(ctx, &model.FileOutcome{
			JobId:      msg.JobId,
			OutputPath: msg.OutputPath,
			Status:     msg.Status,
			Reason:     msg.Reason,
			Header:     delivery.Header(),
		})
	})
}
