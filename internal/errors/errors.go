package errors

import (
	"fmt"
)

// ScopeError is the structured error type for codescope.
// It provides context for error handling, logging, and upward tool surfaces.
type ScopeError struct {
	// Code is the unique error code (e.g., "ERR_402_SESSION_UNAVAILABLE").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (IO, Session, Embedding, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs
	// (unit ID, session key, file path).
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *ScopeError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *ScopeError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with ScopeError.
func (e *ScopeError) Is(target error) bool {
	if t, ok := target.(*ScopeError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *ScopeError) WithDetail(key, value string) *ScopeError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new ScopeError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *ScopeError {
	return &ScopeError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a ScopeError from an existing error.
// The error's message becomes the ScopeError message.
func Wrap(code string, err error) *ScopeError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Newf creates a new ScopeError with a formatted message.
func Newf(code string, format string, args ...any) *ScopeError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Code extracts the error code from a ScopeError anywhere in the chain.
// Returns empty string if no ScopeError is present.
func CodeOf(err error) string {
	for err != nil {
		if se, ok := err.(*ScopeError); ok {
			return se.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// IsCode reports whether err (or any error it wraps) carries the given code.
func IsCode(err error, code string) bool {
	for err != nil {
		if se, ok := err.(*ScopeError); ok && se.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is a ScopeError with the Retryable flag set.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(*ScopeError); ok {
		return se.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(*ScopeError); ok {
		return se.Severity == SeverityFatal
	}
	return false
}
