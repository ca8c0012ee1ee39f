package pulsarutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
)

type MockMessageId struct {
	pulsar.MessageID
	id int
}

type MockPulsarMessage struct {
	pulsar.Message
	messageId   pulsar.MessageID
	payload     []byte
	publishTime time.Time
	properties  map[string]string
	topic       string
}

func NewMessageId(id int) pulsar.MessageID {
	return MockMessageId{id: id}
}

func (m MockMessageId) String() string {
	return fmt.Sprintf("mock:%d", m.id)
}

func NewPulsarMessage(id int, publishTime time.Time, payload []byte, properties map[string]string) MockPulsarMessage {
	return MockPulsarMessage{
		messageId:   NewMessageId(id),
		publishTime: publishTime,
		payload:     payload,
		properties:  properties,
	}
}

// WithTopic returns a copy of m that reports topic as its source topic.
func (m MockPulsarMessage) WithTopic(topic string) MockPulsarMessage {
	m.topic = topic
	return m
}

func (m MockPulsarMessage) Topic() string {
	return m.topic
}

func (m MockPulsarMessage) ID() pulsar.MessageID {
	return m.messageId
}

func (m MockPulsarMessage) Payload() []byte {
	return m.payload
}

func (m MockPulsarMessage) PublishTime() time.Time {
	return m.publishTime
}

func (m MockPulsarMessage) Properties() map[string]string {
	return m.properties
}

func (m MockPulsarMessage) RedeliveryCount() uint32 {
	return 0
}

// MockConsumer hands out a fixed list of messages and records acks and nacks.
type MockConsumer struct {
	pulsar.Consumer
	mu         sync.Mutex
	messages   []pulsar.Message
	messageIdx int
	acked      []pulsar.MessageID
	nacked     []pulsar.MessageID
}

func NewMockConsumer(messages ...pulsar.Message) *MockConsumer {
	return &MockConsumer{messages: messages}
}

func (c *MockConsumer) Receive(ctx context.Context) (pulsar.Message, error) {
	c.mu.Lock()
	if c.messageIdx < len(c.messages) {
		msg := c.messages[c.messageIdx]
		c.messageIdx++
		c.mu.Unlock()
		return msg, nil
	}
	c.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *MockConsumer) Ack(msg pulsar.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, msg.ID())
}

func (c *MockConsumer) Nack(msg pulsar.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nacked = append(c.nacked, msg.ID())
}

func (c *MockConsumer) Close() {}

func (c *MockConsumer) Acked() []pulsar.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pulsar.MessageID(nil), c.acked...)
}

func (c *MockConsumer) Nacked() []pulsar.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pulsar.MessageID(nil), c.nacked...)
}

// MockProducer records every message sent through it. If SendErr is set, Send fails with it.
type MockProducer struct {
	pulsar.Producer
	mu      sync.Mutex
	topic   string
	sent    []*pulsar.ProducerMessage
	SendErr error
}

func NewMockProducer(topic string) *MockProducer {
	return &MockProducer{topic: topic}
}

func (p *MockProducer) Send(_ context.Context, msg *pulsar.ProducerMessage) (pulsar.MessageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SendErr != nil {
		return nil, p.SendErr
	}
	p.sent = append(p.sent, msg)
	return NewMessageId(len(p.sent)), nil
}

func (p *MockProducer) Topic() string {
	return p.topic
}

func (p *MockProducer) Close() {}

func (p *MockProducer) Sent() []*pulsar.ProducerMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*pulsar.ProducerMessage(nil), p.sent...)
}
