// Package apperr holds the error taxonomy shared by the registry, the device
// clients, the normalizer and the dispatch sink.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a device or mapping does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnmapped means a punch identity has no employee mapping. Callers drop
	// the punch silently.
	ErrUnmapped = errors.New("punch identity is not mapped to an employee")
)

// ConnectionError reports an unreachable device, a timeout or a dropped session.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection error: %s", e.Op)
	}
	return fmt.Sprintf("connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Connection wraps err as a ConnectionError unless it already is one.
func Connection(op string, err error) error {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectionError{Op: op, Err: err}
}

// AuthError reports rejected credentials, or a token that stayed expired
// after one refresh.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "authentication failed: " + e.Reason }

// DownstreamError reports a ledger write that failed for one event.
type DownstreamError struct {
	Err error
}

func (e *DownstreamError) Error() string { return "downstream ledger error: " + e.Err.Error() }

func (e *DownstreamError) Unwrap() error { return e.Err }

// ValidationError reports malformed administrator input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsConnection reports whether err is or wraps a ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsAuth reports whether err is or wraps an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsDownstream reports whether err is or wraps a DownstreamError.
func IsDownstream(err error) bool {
	var de *DownstreamError
	return errors.As(err, &de)
}
