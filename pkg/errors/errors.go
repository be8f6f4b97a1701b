// Package errors carries the error taxonomy used at the federation
// boundaries: each kind maps to a well-defined surface (HTTP status,
// fallback path, or rejection reason).
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrConfigMissing is returned when required configuration is absent
	ErrConfigMissing = "config_missing"

	// ErrUpstreamUnavailable is returned when the DSS, a peer USS, or a
	// required key server cannot be reached
	ErrUpstreamUnavailable = "upstream_unavailable"

	// ErrUpstreamRejected is returned when an upstream replied with a
	// non-success status
	ErrUpstreamRejected = "upstream_rejected"

	// ErrAuthFailure is returned for signature, claim, or scope failures
	ErrAuthFailure = "auth_failure"

	// ErrInputInvalid is returned for malformed caller input (view strings,
	// URLs, token types)
	ErrInputInvalid = "input_invalid"

	// ErrBlocked is returned when a URL fails safety validation; distinct
	// from generic errors so operators can tell misconfiguration from outages
	ErrBlocked = "blocked"

	// ErrTransient is returned for timeouts and connection resets
	ErrTransient = "transient"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigMissingError creates a new config missing error
func NewConfigMissingError(message string, cause error) *Error {
	return NewError(ErrConfigMissing, message, cause)
}

// NewUpstreamUnavailableError creates a new upstream unavailable error
func NewUpstreamUnavailableError(message string, cause error) *Error {
	return NewError(ErrUpstreamUnavailable, message, cause)
}

// NewUpstreamRejectedError creates a new upstream rejected error
func NewUpstreamRejectedError(message string, cause error) *Error {
	return NewError(ErrUpstreamRejected, message, cause)
}

// NewAuthFailureError creates a new auth failure error
func NewAuthFailureError(message string, cause error) *Error {
	return NewError(ErrAuthFailure, message, cause)
}

// NewInputInvalidError creates a new input invalid error
func NewInputInvalidError(message string, cause error) *Error {
	return NewError(ErrInputInvalid, message, cause)
}

// NewBlockedError creates a new blocked error
func NewBlockedError(message string, cause error) *Error {
	return NewError(ErrBlocked, message, cause)
}

// NewTransientError creates a new transient error
func NewTransientError(message string, cause error) *Error {
	return NewError(ErrTransient, message, cause)
}

func is(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsConfigMissing checks if the error is a config missing error
func IsConfigMissing(err error) bool { return is(err, ErrConfigMissing) }

// IsUpstreamUnavailable checks if the error is an upstream unavailable error
func IsUpstreamUnavailable(err error) bool { return is(err, ErrUpstreamUnavailable) }

// IsUpstreamRejected checks if the error is an upstream rejected error
func IsUpstreamRejected(err error) bool { return is(err, ErrUpstreamRejected) }

// IsAuthFailure checks if the error is an auth failure error
func IsAuthFailure(err error) bool { return is(err, ErrAuthFailure) }

// IsInputInvalid checks if the error is an input invalid error
func IsInputInvalid(err error) bool { return is(err, ErrInputInvalid) }

// IsBlocked checks if the error is a blocked error
func IsBlocked(err error) bool { return is(err, ErrBlocked) }

// IsTransient checks if the error is a transient error
func IsTransient(err error) bool { return is(err, ErrTransient) }
