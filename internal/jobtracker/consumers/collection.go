package consumers

import (
	"context"
	"time"

	"github.com/G-Research/jobtracker/internal/common/dedup"
	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore"
	"github.com/G-Research/jobtracker/internal/jobtracker/metrics"
)

type FileCollectionConsumer struct {
	base
	store jobstore.JobStore
}

func NewFileCollectionConsumer(store jobstore.JobStore, dedupStore dedup.Store, operationTimeout time.Duration, m *metrics.Metrics) *FileCollectionConsumer {
	return &FileCollectionConsumer{
		base:  newBase(KindFileCollection, operationTimeout, dedupStore, m),
		store: store,
	}
}

func (c *FileCollectionConsumer) Handle(ctx context.Context, delivery Delivery) {
	msg := &FileCollectionMessage{}
	if err := decode(delivery.Payload(), msg); err != nil {
		c.settle(delivery, "", err)
		return
	}
	c.process(ctx, delivery, msg.JobId, func(ctx context.Context) error {
		return c.store.RecordFileCollection(ctx, msg.JobId, delivery.Header(), msg.KeyValue, msg.Files, msg.Rejections)
	})
}
