package pulsarutils

import (
	"context"
	"testing"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestReceive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages := []pulsar.Message{
		NewPulsarMessage(1, time.Now(), []byte("a"), nil),
		NewPulsarMessage(2, time.Now(), []byte("b"), nil),
	}
	consumer := NewMockConsumer(messages...)

	received := Receive(ctx, consumer, 10*time.Millisecond, time.Millisecond, logrus.NewEntry(logrus.New()))
	var payloads []string
	for i := 0; i < len(messages); i++ {
		select {
		case msg := <-received:
			payloads = append(payloads, string(msg.Payload()))
		case <-ctx.Done():
			t.Fatal("timed out waiting for messages")
		}
	}
	assert.Equal(t, []string{"a", "b"}, payloads)

	cancel()
	for range received {
	}
}
