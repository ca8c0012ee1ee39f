package consumers

import (
	"context"
	"time"

	"github.com/G-Research/jobtracker/internal/common/dedup"
	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore"
	"github.com/G-Research/jobtracker/internal/jobtracker/metrics"
)

type JobSubmissionConsumer struct {
	base
	store jobstore.JobStore
}

func NewJobSubmissionConsumer(store jobstore.JobStore, dedupStore dedup.Store, operationTimeout time.Duration, m *metrics.Metrics) *JobSubmissionConsumer {
	return &JobSubmissionConsumer{
		base:  newBase(KindJobSubmission, operationTimeout, dedupStore, m),
		store: store,
	}
}

func (c *JobSubmissionConsumer) Handle(ctx context.Context, delivery Delivery) {
	msg := &JobSubmissionMessage{}
	if err := decode(delivery.Payload(), msg); err != nil {
		c.settle(delivery, "", err)
		return
	}
	c.process(ctx, delivery, msg.JobId, func(ctx context.Context) error {
		return c.store.UpsertJobSubmission(ctx, msg.JobId, delivery.Header(), &msg.JobSubmission)
	})
}
