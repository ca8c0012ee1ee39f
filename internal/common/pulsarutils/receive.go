package pulsarutils

import (
	"context"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/G-Research/jobtracker/internal/common/logging"
)

// Receive pulls messages from consumer and publishes them on the returned channel until ctx is cancelled,
// at which point the channel is closed. Failed receives are logged and retried after backoffTime.
func Receive(
	ctx context.Context,
	consumer pulsar.Consumer,
	receiveTimeout time.Duration,
	backoffTime time.Duration,
	logger *logrus.Entry,
) <-chan pulsar.Message {
	out := make(chan pulsar.Message)
	go func() {
		defer close(out)

		// Periodically log the number of received messages.
		logInterval := 60 * time.Second
		lastLogged := time.Now()
		numReceived := 0
		var lastMessageId pulsar.MessageID
		lastPublishTime := time.Now()

		for {
			if time.Since(lastLogged) > logInterval {
				logger.WithFields(logrus.Fields{
					"received":      numReceived,
					"interval":      logInterval,
					"lastMessageId": lastMessageId,
					"timeLag":       time.Since(lastPublishTime),
				}).Info("message statistics")
				numReceived = 0
				lastLogged = time.Now()
			}

			select {
			case <-ctx.Done():
				logger.Info("Shutting down pulsar receiver")
				return
			default:
			}

			ctxWithTimeout, cancel := context.WithTimeout(ctx, receiveTimeout)
			msg, err := consumer.Receive(ctxWithTimeout)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			if err != nil {
				logging.
					WithStacktrace(logger, err).
					WithField("lastMessageId", lastMessageId).
					Warnf("Pulsar receive failed; backing off for %s", backoffTime)
				select {
				case <-ctx.Done():
				case <-time.After(backoffTime):
				}
				continue
			}

			numReceived++
			lastPublishTime = msg.PublishTime()
			lastMessageId = msg.ID()
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
