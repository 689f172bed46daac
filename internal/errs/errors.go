// Package errs classifies transport and queue failures into typed records
// and delivers them to an error sink.
package errs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	// ErrNotConnected is returned when a publish or subscribe is attempted
	// without a live transport session.
	ErrNotConnected = errors.New("transport not connected")

	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")
)

// RetryableError indicates the operation should be retried
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// PermanentError indicates the operation should not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a malformed or rejected frame from the transport.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsRetryable checks if error is retryable
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}

// IsPermanent checks if error is permanent
func IsPermanent(err error) bool {
	var permanentErr *PermanentError
	return errors.As(err, &permanentErr)
}

// Classify maps a raw failure onto the error taxonomy.
func Classify(err error) Kind {
	var protoErr *ProtocolError
	var netErr net.Error

	switch {
	case err == nil:
		return ""
	case errors.As(err, &protoErr):
		return KindProtocol
	case errors.Is(err, ErrNotConnected):
		return KindSend
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr):
		return KindConnection
	default:
		return KindSend
	}
}
