package logging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	Stacktrace = "stacktrace"
	Component  = "component"
	JobId      = "jobId"
)

// Part of the stable interface of pkg/errors, although unexported there.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

type causer interface {
	Cause() error
}

// NewComponentLogger returns an entry of the standard logger tagged with the name of a tracker component.
func NewComponentLogger(component string) *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger()).WithField(Component, component)
}

// WithStacktrace adds err and, if one can be found in the chain, its stack trace to the provided entry.
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	if stack := ExtractStack(err); stack != nil {
		logger = logger.WithField(Stacktrace, stack)
	}
	return logger
}

// ExtractStack returns the first errors.StackTrace found walking down the cause chain of err, or nil.
func ExtractStack(err error) errors.StackTrace {
	for err != nil {
		if stackErr, ok := err.(stackTracer); ok {
			return stackErr.StackTrace()
		}
		causeErr, ok := err.(causer)
		if !ok {
			return nil
		}
		err = causeErr.Cause()
	}
	return nil
}
