// Package errors provides the error taxonomy shared by the Xenohash services.
// Every rejection that reaches a client carries a wire code derived from the
// error type so clients can tell "next round" apart from "out of energy".
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeValidation represents malformed input
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeStaleRound represents a submission for a round that is not open
	ErrorTypeStaleRound ErrorType = "stale_round"
	// ErrorTypeDepleted represents a client without energy left
	ErrorTypeDepleted ErrorType = "depleted"
	// ErrorTypeUnauthenticated represents a rejected credential
	ErrorTypeUnauthenticated ErrorType = "unauthenticated"
	// ErrorTypeCollaborator represents a failing backend (ledger, identity, store)
	ErrorTypeCollaborator ErrorType = "collaborator"
	// ErrorTypeNetwork represents network-related errors
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeDatabase represents database-related errors
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeKafka represents Kafka messaging errors
	ErrorTypeKafka ErrorType = "kafka"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents internal/unknown errors
	ErrorTypeInternal ErrorType = "internal"
)

// Wire codes sent to clients in rejection messages.
const (
	CodeInvalid         = "invalid"
	CodeStale           = "stale"
	CodeDepleted        = "depleted"
	CodeUnauthenticated = "unauthenticated"
	CodeServerError     = "server_error"
)

// ServiceError represents a structured error with context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds additional context to the error
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a new ServiceError
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// Validation is shorthand for a validation error.
func Validation(operation, message string) *ServiceError {
	return New(ErrorTypeValidation, operation, message)
}

// Wrap wraps an existing error with context
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := isRetryableByDefault(err)
	var se *ServiceError
	if errors.As(err, &se) {
		// the innermost classification wins for retry decisions
		retryable = se.Retryable
	} else if isRetryableByType(errorType) && !isContextError(err) {
		retryable = true
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka, ErrorTypeCollaborator:
		return true
	default:
		return false
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// isRetryableByDefault checks if an error is retryable based on common patterns
func isRetryableByDefault(err error) bool {
	if err == nil || isContextError(err) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transient := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"network unreachable",
		"timeout",
		"temporary failure",
		"too many connections",
	}

	for _, pattern := range transient {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsType checks if an error, or anything it wraps, is of a specific type
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		var se *ServiceError
		if !errors.As(err, &se) {
			return false
		}
		if se.Type == errorType {
			return true
		}
		err = se.Cause
	}
	return false
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// GetContext retrieves context from a ServiceError
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}

// CodeOf maps an error to the wire code reported to clients.
func CodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case IsType(err, ErrorTypeValidation):
		return CodeInvalid
	case IsType(err, ErrorTypeStaleRound):
		return CodeStale
	case IsType(err, ErrorTypeDepleted):
		return CodeDepleted
	case IsType(err, ErrorTypeUnauthenticated):
		return CodeUnauthenticated
	default:
		return CodeServerError
	}
}

// GetMessage returns the message of the outermost ServiceError, or the
// error text for any other error.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}
