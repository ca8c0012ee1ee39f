package transport

import (
	"context"
	"testing"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	commonconfig "github.com/G-Research/jobtracker/internal/common/config"
	"github.com/G-Research/jobtracker/internal/common/pulsarutils"
	"github.com/G-Research/jobtracker/internal/jobtracker/consumers"
	"github.com/G-Research/jobtracker/internal/jobtracker/model"
)

var (
	publishTime = time.Date(2022, 11, 3, 9, 0, 0, 0, time.UTC)
	receivedAt  = time.Date(2022, 11, 3, 9, 0, 5, 0, time.UTC)
)

func TestHeaderFromMessage(t *testing.T) {
	tests := map[string]struct {
		properties map[string]string
		expected   model.MessageHeader
	}{
		"all properties": {
			properties: map[string]string{
				PropertyMessageId:                "m-1",
				PropertyProducerExecutable:       "extractor",
				PropertyProducerPid:              "4242",
				PropertyOriginalPublishTimestamp: "2022-11-03T08:00:00.5Z",
				PropertyParents:                  "p-1,p-2",
			},
			expected: model.MessageHeader{
				MessageId:                "m-1",
				ProducerExecutable:       "extractor",
				ProducerProcessId:        4242,
				OriginalPublishTimestamp: time.Date(2022, 11, 3, 8, 0, 0, 500000000, time.UTC),
				Parents:                  []string{"p-1", "p-2"},
				ReceivedAt:               receivedAt,
			},
		},
		"missing properties fall back to the broker": {
			properties: nil,
			expected: model.MessageHeader{
				MessageId:                "mock:7",
				OriginalPublishTimestamp: publishTime,
				ReceivedAt:               receivedAt,
			},
		},
		"malformed values are ignored": {
			properties: map[string]string{
				PropertyMessageId:                "m-2",
				PropertyProducerPid:              "not-a-pid",
				PropertyOriginalPublishTimestamp: "yesterday",
			},
			expected: model.MessageHeader{
				MessageId:                "m-2",
				OriginalPublishTimestamp: publishTime,
				ReceivedAt:               receivedAt,
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			msg := pulsarutils.NewPulsarMessage(7, publishTime, nil, tc.properties)
			assert.Equal(t, tc.expected, HeaderFromMessage(msg, receivedAt))
		})
	}
}

func TestHeaderProperties_RoundTrip(t *testing.T) {
	header := model.MessageHeader{
		MessageId:                "m-1",
		ProducerExecutable:       "extractor",
		ProducerProcessId:        12,
		OriginalPublishTimestamp: time.Date(2022, 11, 3, 8, 0, 0, 123, time.UTC),
		Parents:                  []string{"a", "b"},
	}
	msg := pulsarutils.NewPulsarMessage(1, publishTime, nil, HeaderProperties(header))
	actual := HeaderFromMessage(msg, receivedAt)
	header.ReceivedAt = receivedAt
	assert.Equal(t, header, actual)
}

// settlingHandler settles each delivery according to its payload.
type settlingHandler struct {
	handled chan model.MessageHeader
}

func (h *settlingHandler) Kind() string {
	return consumers.KindFileOutcome
}

func (h *settlingHandler) Handle(_ context.Context, delivery consumers.Delivery) {
	switch string(delivery.Payload()) {
	case "ack":
		delivery.Ack()
	case "requeue":
		delivery.Nack(true)
	default:
		delivery.Nack(false)
	}
	h.handled <- delivery.Header()
}

func runMessages(t *testing.T, deadLetter pulsar.Producer, messages ...pulsar.Message) *pulsarutils.MockConsumer {
	consumer := pulsarutils.NewMockConsumer(messages...)
	handler := &settlingHandler{handled: make(chan model.MessageHeader, len(messages))}
	runner := NewRunner(consumer, handler, deadLetter, commonconfig.PulsarConfig{
		ReceiveTimeout: 10 * time.Millisecond,
		BackoffTime:    time.Millisecond,
	}, clock.NewFakeClock(receivedAt))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- runner.Run(ctx)
	}()
	for range messages {
		select {
		case header := <-handler.handled:
			assert.Equal(t, receivedAt, header.ReceivedAt)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for messages to be handled")
		}
	}
	cancel()
	require.NoError(t, <-done)
	return consumer
}

func TestRunner_SettlesDeliveries(t *testing.T) {
	deadLetter := pulsarutils.NewMockProducer("dead-letter")
	consumer := runMessages(t, deadLetter,
		pulsarutils.NewPulsarMessage(1, publishTime, []byte("ack"), nil),
		pulsarutils.NewPulsarMessage(2, publishTime, []byte("requeue"), nil),
		pulsarutils.NewPulsarMessage(3, publishTime, []byte("reject"), map[string]string{PropertyMessageId: "m-3"}).
			WithTopic("file-outcomes"),
	)

	assert.Equal(t, []pulsar.MessageID{pulsarutils.NewMessageId(1), pulsarutils.NewMessageId(3)}, consumer.Acked())
	assert.Equal(t, []pulsar.MessageID{pulsarutils.NewMessageId(2)}, consumer.Nacked())

	sent := deadLetter.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte("reject"), sent[0].Payload)
	assert.Equal(t, map[string]string{
		PropertyMessageId:             "m-3",
		PropertyDeadLetterSourceTopic: "file-outcomes",
		PropertyDeadLetterKind:        consumers.KindFileOutcome,
	}, sent[0].Properties)
}

func TestRunner_RejectWithoutDeadLetterTopicDrops(t *testing.T) {
	consumer := runMessages(t, nil, pulsarutils.NewPulsarMessage(1, publishTime, []byte("reject"), nil))
	assert.Equal(t, []pulsar.MessageID{pulsarutils.NewMessageId(1)}, consumer.Acked())
	assert.Empty(t, consumer.Nacked())
}

func TestRunner_FailedDeadLetterRequeues(t *testing.T) {
	deadLetter := pulsarutils.NewMockProducer("dead-letter")
	deadLetter.SendErr = errors.New("producer closed")
	consumer := runMessages(t, deadLetter, pulsarutils.NewPulsarMessage(1, publishTime, []byte("reject"), nil))
	assert.Empty(t, consumer.Acked())
	assert.Equal(t, []pulsar.MessageID{pulsarutils.NewMessageId(1)}, consumer.Nacked())
}
