// Package trackererrors contains generic errors returned by the job tracker's stores and consumers.
//
// Consumers use IsTransient to decide whether a failed message should be redelivered or dead-lettered.
// If multiple errors occur in some function (e.g., when processing several jobs in one pass), that
// function should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual errors.
package trackererrors

import (
	"context"
	"fmt"
	"net"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"
)

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string // Resource type, e.g., "archived job"
	Value   string // Resource name, e.g., a job id
	Message string // An optional message to include in the error message
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "requestedKeyCount"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf(`value "%v" is invalid for field %q`, err.Value, err.Name)
	}
	return fmt.Sprintf(`value "%v" is invalid for field %q; %s`, err.Value, err.Name, err.Message)
}

// ErrTransient marks an error that is expected to go away on retry.
type ErrTransient struct {
	Err error
}

func (err *ErrTransient) Error() string {
	return fmt.Sprintf("transient error: %s", err.Err)
}

func (err *ErrTransient) Unwrap() error {
	return err.Err
}

// IsTransient returns true if err is likely to succeed when the operation is retried, i.e., it was caused by
// a timeout, a broken connection, or a database that is temporarily unable to serve the request.
// Uses errors.As to look through the chain of errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	{
		var e *ErrTransient
		if errors.As(err, &e) {
			return true
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	{
		var e *pgconn.PgError
		if errors.As(err, &e) {
			return pgerrcode.IsConnectionException(e.Code) ||
				pgerrcode.IsInsufficientResources(e.Code) ||
				pgerrcode.IsOperatorIntervention(e.Code) ||
				e.Code == pgerrcode.SerializationFailure ||
				e.Code == pgerrcode.DeadlockDetected
		}
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	{
		var e net.Error
		if errors.As(err, &e) {
			return true
		}
	}
	return false
}

// IsNotFound returns true if the chain of errors contains an ErrNotFound.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}
