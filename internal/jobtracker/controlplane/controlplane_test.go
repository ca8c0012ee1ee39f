package controlplane

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/oklog/ulid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/jobtracker/internal/common/pulsarutils"
	"github.com/G-Research/jobtracker/internal/jobtracker/metrics"
	"github.com/G-Research/jobtracker/internal/jobtracker/model"
	"github.com/G-Research/jobtracker/internal/jobtracker/transport"
)

type recordingTrigger struct {
	jobIds []string
}

func (r *recordingTrigger) Trigger(jobId string) {
	r.jobIds = append(r.jobIds, jobId)
}

type fakeDelivery struct {
	payload []byte
	acked   bool
	nacked  bool
}

func (d *fakeDelivery) Header() model.MessageHeader { return model.MessageHeader{MessageId: "m-1"} }
func (d *fakeDelivery) Payload() []byte             { return d.payload }
func (d *fakeDelivery) Ack()                        { d.acked = true }
func (d *fakeDelivery) Nack(bool)                   { d.nacked = true }

func TestConsumer_Handle(t *testing.T) {
	tests := map[string]struct {
		payload         string
		expectedTrigger []string
		expectAck       bool
	}{
		"single job": {
			payload:         `{"jobId": "job-1"}`,
			expectedTrigger: []string{"job-1"},
			expectAck:       true,
		},
		"all jobs": {
			payload:         `{}`,
			expectedTrigger: []string{""},
			expectAck:       true,
		},
		"malformed": {
			payload:   `{"jobId": `,
			expectAck: false,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			trigger := &recordingTrigger{}
			consumer := NewConsumer(trigger, metrics.NewMetrics(prometheus.NewRegistry()))
			delivery := &fakeDelivery{payload: []byte(tc.payload)}

			consumer.Handle(context.Background(), delivery)

			assert.Equal(t, tc.expectedTrigger, trigger.jobIds)
			assert.Equal(t, tc.expectAck, delivery.acked)
			assert.Equal(t, !tc.expectAck, delivery.nacked)
		})
	}
}

func TestPublisher_PublishProcessJobs(t *testing.T) {
	producer := pulsarutils.NewMockProducer("control-plane")
	now := time.Date(2022, 11, 3, 9, 0, 0, 0, time.UTC)
	publisher := NewPublisher(producer, time.Second, clock.NewFakeClock(now))

	messageId, err := publisher.PublishProcessJobs(context.Background(), "job-1")
	require.NoError(t, err)
	_, err = ulid.ParseStrict(messageId)
	assert.NoError(t, err)

	sent := producer.Sent()
	require.Len(t, sent, 1)
	var command ProcessJobsCommand
	require.NoError(t, json.Unmarshal(sent[0].Payload, &command))
	assert.Equal(t, ProcessJobsCommand{JobId: "job-1"}, command)

	header := transport.HeaderFromMessage(pulsarutils.NewPulsarMessage(1, now, sent[0].Payload, sent[0].Properties), now)
	assert.Equal(t, messageId, header.MessageId)
	assert.Equal(t, now, header.OriginalPublishTimestamp)
}

func TestPublisher_SendError(t *testing.T) {
	producer := pulsarutils.NewMockProducer("control-plane")
	producer.SendErr = errors.New("topic not found")
	publisher := NewPublisher(producer, time.Second, clock.NewFakeClock(time.Now()))

	_, err := publisher.PublishProcessJobs(context.Background(), "")
	assert.ErrorContains(t, err, "topic not found")
}
