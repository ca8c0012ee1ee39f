package logging

import (
	pulsarlog "github.com/apache/pulsar-client-go/pulsar/log"
	"github.com/sirupsen/logrus"
)

// NewPulsarLogger returns a logger that writes the pulsar client's logs through the standard logrus logger, so
// that they share its formatter, output and hooks.
func NewPulsarLogger() pulsarlog.Logger {
	return pulsarlog.NewLoggerWithLogrus(logrus.StandardLogger())
}
