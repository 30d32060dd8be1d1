// Package errors provides the error codes shared by the station, the
// check-in store and the CLI.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure. Codes are stable strings so they
// can be surfaced in logs and API responses.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrConfig     ErrorCode = "CONFIG_INVALID"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Check-in errors
	ErrDuplicateCheckIn  ErrorCode = "DUPLICATE_CHECKIN"
	ErrTicketUnknown     ErrorCode = "TICKET_UNKNOWN"
	ErrRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE"
	ErrMalformedResponse ErrorCode = "MALFORMED_RESPONSE"
	ErrQueueOperation    ErrorCode = "QUEUE_OPERATION_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsNetworkFailure reports whether err is one of the failures the recorder
// and reconciler absorb by queueing or retry-marking.
func IsNetworkFailure(err error) bool {
	return Is(err, ErrRemoteUnavailable) || Is(err, ErrMalformedResponse)
}
