package errorutil

import (
	"errors"
	"fmt"
)

// Error carries a code and a retryable marker alongside the message.
type Error struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	DevDetails string `json:"dev_details,omitempty"`
	cause      error
}

// Error implements error.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Retriable builds a retryable error (network, throttling, temporary outage).
func Retriable(message string) *Error {
	return &Error{
		Code:      500,
		Message:   message,
		Retryable: true,
	}
}

// RetriableWithCause builds a retryable error wrapping err.
func RetriableWithCause(message string, err error) *Error {
	return &Error{
		Code:       500,
		Message:    fmt.Sprintf("%s: %v", message, err),
		Retryable:  true,
		DevDetails: fmt.Sprintf("%+v", err),
		cause:      err,
	}
}

// NonRetriable builds an error that redelivery will not fix (bad payload, unknown action).
func NonRetriable(message string) *Error {
	return &Error{
		Code:      400,
		Message:   message,
		Retryable: false,
	}
}

// NonRetriableWithCause builds a non-retryable error wrapping err.
func NonRetriableWithCause(message string, err error) *Error {
	return &Error{
		Code:       400,
		Message:    fmt.Sprintf("%s: %v", message, err),
		Retryable:  false,
		DevDetails: fmt.Sprintf("%+v", err),
		cause:      err,
	}
}

// Wrap classifies err. An *Error anywhere in the chain is returned as is; anything else
// is treated as retryable, since handler failures are redelivered by default.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	return &Error{
		Code:       500,
		Message:    err.Error(),
		Retryable:  true,
		DevDetails: fmt.Sprintf("%+v", err),
		cause:      err,
	}
}

// IsRetryable reports whether err should be left for redelivery.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Wrap(err).Retryable
}
