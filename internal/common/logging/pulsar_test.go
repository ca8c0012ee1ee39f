package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewPulsarLogger(t *testing.T) {
	logger := logrus.StandardLogger()
	out, formatter := logger.Out, logger.Formatter
	defer func() {
		logger.SetOutput(out)
		logger.SetFormatter(formatter)
	}()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.TextFormatter{DisableColors: true})

	NewPulsarLogger().WithField("topic", "verifications").Warn("reconnecting to broker")

	assert.Contains(t, buf.String(), "level=warning")
	assert.Contains(t, buf.String(), `msg="reconnecting to broker"`)
	assert.Contains(t, buf.String(), "topic=verifications")
}
