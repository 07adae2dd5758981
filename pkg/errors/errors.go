package errors

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"regexp"
)

// ErrorType represents different types of errors in the system
type ErrorType string

const (
	// ErrorTypeNotFound indicates a resource was not found
	ErrorTypeNotFound ErrorType = "NOT_FOUND"

	// ErrorTypeValidation indicates a validation error
	ErrorTypeValidation ErrorType = "VALIDATION"

	// ErrorTypeConflict indicates a conflict with existing data
	ErrorTypeConflict ErrorType = "CONFLICT"

	// ErrorTypeInternal indicates a storage or wiring failure inside the pipeline
	ErrorTypeInternal ErrorType = "INTERNAL"

	// ErrorTypeExternal indicates an error from a catalog or embedding service
	ErrorTypeExternal ErrorType = "EXTERNAL"

	// ErrorTypeRateLimited indicates the upstream asked us to back off
	ErrorTypeRateLimited ErrorType = "RATE_LIMITED"
)

// AppError represents an application error
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *AppError {
	return &AppError{Type: ErrorTypeNotFound, Message: message}
}

// NewValidationError creates a new validation error
func NewValidationError(message string) *AppError {
	return &AppError{Type: ErrorTypeValidation, Message: message}
}

// NewConflictError creates a new conflict error
func NewConflictError(message string) *AppError {
	return &AppError{Type: ErrorTypeConflict, Message: message}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, err error) *AppError {
	return &AppError{Type: ErrorTypeInternal, Message: message, Err: err}
}

// NewExternalError creates a new external service error
func NewExternalError(message string, err error) *AppError {
	return &AppError{Type: ErrorTypeExternal, Message: message, Err: err}
}

// NewRateLimitedError creates an error for an upstream 429 response
func NewRateLimitedError(message string, err error) *AppError {
	return &AppError{Type: ErrorTypeRateLimited, Message: message, Err: err}
}

// HasType reports whether any AppError in the chain carries the given type.
func HasType(err error, errType ErrorType) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Type == errType {
			return true
		}
		err = appErr.Err
	}
	return false
}

// IsNotFound reports whether err is a NOT_FOUND AppError.
func IsNotFound(err error) bool {
	return HasType(err, ErrorTypeNotFound)
}

// rateLimitPattern matches throttling reported only as text by client
// libraries: a standalone 429, "rate limit" spelled any common way, or the
// HTTP reason phrase.
var rateLimitPattern = regexp.MustCompile(`(?i)\b429\b|\brate[ _-]?limit|too many requests`)

// IsRateLimited classifies upstream back-pressure from the typed error or
// from the message text.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if HasType(err, ErrorTypeRateLimited) {
		return true
	}
	return rateLimitPattern.MatchString(err.Error())
}

// TypeName returns the name recorded in audit logs for a failure: the
// AppError type when one is present, otherwise the Go type of the innermost
// wrapped error.
func TypeName(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return string(appErr.Type)
	}
	for {
		next := stderrors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}
