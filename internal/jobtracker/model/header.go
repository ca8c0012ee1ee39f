package model

import "time"

// MessageHeader identifies the producer of a message and when it was published and received.
type MessageHeader struct {
	MessageId                string    `json:"messageId" yaml:"messageId"`
	ProducerExecutable       string    `json:"producerExecutable,omitempty" yaml:"producerExecutable,omitempty"`
	ProducerProcessId        int       `json:"producerProcessId,omitempty" yaml:"producerProcessId,omitempty"`
	OriginalPublishTimestamp time.Time `json:"originalPublishTimestamp" yaml:"originalPublishTimestamp"`
	Parents                  []string  `json:"parents,omitempty" yaml:"parents,omitempty"`
	ReceivedAt               time.Time `json:"receivedAt" yaml:"receivedAt"`
}

func (h MessageHeader) DeepCopy() MessageHeader {
	copied := h
	if h.Parents != nil {
		copied.Parents = append([]string(nil), h.Parents...)
	}
	return copied
}
