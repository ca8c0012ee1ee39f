package transport

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"

	"github.com/G-Research/jobtracker/internal/jobtracker/model"
)

// Message properties carrying the message header.
const (
	PropertyMessageId                = "message-id"
	PropertyProducerExecutable       = "producer-executable"
	PropertyProducerPid              = "producer-pid"
	PropertyOriginalPublishTimestamp = "original-publish-timestamp"
	PropertyParents                  = "parents"
)

// HeaderFromMessage reads the header from the properties of msg. Missing properties fall back to what the
// broker knows about the message: its id and publish time.
func HeaderFromMessage(msg pulsar.Message, receivedAt time.Time) model.MessageHeader {
	properties := msg.Properties()
	header := model.MessageHeader{
		MessageId:          properties[PropertyMessageId],
		ProducerExecutable: properties[PropertyProducerExecutable],
		ReceivedAt:         receivedAt,
	}
	if header.MessageId == "" {
		header.MessageId = fmt.Sprint(msg.ID())
	}
	if pid, err := strconv.Atoi(properties[PropertyProducerPid]); err == nil {
		header.ProducerProcessId = pid
	}
	header.OriginalPublishTimestamp = msg.PublishTime()
	if published, err := time.Parse(time.RFC3339Nano, properties[PropertyOriginalPublishTimestamp]); err == nil {
		header.OriginalPublishTimestamp = published
	}
	if parents := properties[PropertyParents]; parents != "" {
		header.Parents = strings.Split(parents, ",")
	}
	return header
}

// HeaderProperties is the inverse of HeaderFromMessage.
func HeaderProperties(header model.MessageHeader) map[string]string {
	properties := map[string]string{
		PropertyMessageId: header.MessageId,
	}
	if header.ProducerExecutable != "" {
		properties[PropertyProducerExecutable] = header.ProducerExecutable
	}
	if header.ProducerProcessId != 0 {
		properties[PropertyProducerPid] = strconv.Itoa(header.ProducerProcessId)
	}
	if !header.OriginalPublishTimestamp.IsZero() {
		properties[PropertyOriginalPublishTimestamp] = header.OriginalPublishTimestamp.UTC().Format(time.RFC3339Nano)
	}
	if len(header.Parents) > 0 {
		properties[PropertyParents] = strings.Join(header.Parents, ",")
	}
	return properties
}
