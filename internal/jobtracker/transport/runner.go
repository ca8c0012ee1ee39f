// Package transport connects the consumers to Pulsar.
package transport

import (
	"context"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	commonconfig "github.com/G-Research/jobtracker/internal/common/config"
	"github.com/G-Research/jobtracker/internal/common/logging"
	"github.com/G-Research/jobtracker/internal/common/pulsarutils"
	"github.com/G-Research/jobtracker/internal/jobtracker/consumers"
)

type Runner struct {
	consumer   pulsar.Consumer
	handler    consumers.Consumer
	deadLetter pulsar.Producer
	config     commonconfig.PulsarConfig
	clock      clock.PassiveClock
}

// NewRunner feeds the messages of consumer to handler. deadLetter may be nil, in which case rejected
// messages are acknowledged and dropped.
func NewRunner(
	consumer pulsar.Consumer,
	handler consumers.Consumer,
	deadLetter pulsar.Producer,
	config commonconfig.PulsarConfig,
	clock clock.PassiveClock,
) *Runner {
	return &Runner{
		consumer:   consumer,
		handler:    handler,
		deadLetter: deadLetter,
		config:     config,
		clock:      clock,
	}
}

// Run handles messages one at a time until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	logger := logging.NewComponentLogger(r.handler.Kind() + "-receiver")
	receiveTimeout := r.config.ReceiveTimeout
	if receiveTimeout <= 0 {
		receiveTimeout = 10 * time.Second
	}
	backoffTime := r.config.BackoffTime
	if backoffTime <= 0 {
		backoffTime = time.Second
	}
	sendTimeout := receiveTimeout

	for msg := range pulsarutils.Receive(ctx, r.consumer, receiveTimeout, backoffTime, logger) {
		r.handler.Handle(ctx, &delivery{
			msg:        msg,
			header:     HeaderFromMessage(msg, r.clock.Now()),
			kind:       r.handler.Kind(),
			consumer:   r.consumer,
			deadLetter: r.deadLetter,
			timeout:    sendTimeout,
			logger:     logger,
		})
	}
	return nil
}

// Subscribe creates the subscription of one consumer.
func Subscribe(client pulsar.Client, topic string, subscription string, subscriptionType pulsar.SubscriptionType) (pulsar.Consumer, error) {
	consumer, err := client.Subscribe(pulsar.ConsumerOptions{
		Topic:            topic,
		SubscriptionName: subscription,
		Type:             subscriptionType,
	})
	return consumer, errors.WithStack(err)
}
