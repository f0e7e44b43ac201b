// Package errors provides the typed error taxonomy shared by the qpow services.
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
	// ErrorTypeStale marks a candidate whose parent is no longer the best tip
	ErrorTypeStale ErrorType = "stale"
	// ErrorTypeInvalid marks a candidate that failed verification
	ErrorTypeInvalid ErrorType = "invalid"
	// ErrorTypeUnreachable marks a remote miner that could not be reached
	ErrorTypeUnreachable ErrorType = "unreachable"
	// ErrorTypeDuplicateJob marks a submission already covered by a live job
	ErrorTypeDuplicateJob ErrorType = "duplicate_job"
	// ErrorTypeUnknownJob marks a lookup of an id the registry does not hold
	ErrorTypeUnknownJob ErrorType = "unknown_job"
	// ErrorTypeInvalidTransition marks a rejected job state change
	ErrorTypeInvalidTransition ErrorType = "invalid_transition"
	// ErrorTypeNetwork represents network-related errors
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeValidation represents malformed input
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeDatabase represents database-related errors
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeChain represents chain collaborator (RPC/ZMQ) errors
	ErrorTypeChain ErrorType = "chain"
	// ErrorTypeKafka represents Kafka messaging errors
	ErrorTypeKafka ErrorType = "kafka"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents internal/unknown errors
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError represents a structured error with context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
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
func (e *ServiceError) WithContext(key string, value interface{}) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
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

// Newf creates a new ServiceError with a formatted message
func Newf(errorType ErrorType, operation, format string, args ...any) *ServiceError {
	return New(errorType, operation, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with context. A wrapped ServiceError keeps its
// retryability; anything else is classified by its message.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := isRetryableByDefault(err)
	var se *ServiceError
	if errors.As(err, &se) {
		retryable = se.Retryable
	} else if isRetryableByType(errorType) && !isContextErr(err) {
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
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka, ErrorTypeUnreachable:
		return true
	default:
		return false
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// isRetryableByDefault checks if an error is retryable based on common patterns
func isRetryableByDefault(err error) bool {
	if err == nil || isContextErr(err) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	networkErrors := []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"no such host",
		"timeout",
		"temporary failure",
		"too many connections",
		"eof",
	}

	for _, netErr := range networkErrors {
		if strings.Contains(errStr, netErr) {
			return true
		}
	}

	return false
}

// TypeOf returns the outermost ServiceError type of err, or internal.
func TypeOf(err error) ErrorType {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type
	}
	return ErrorTypeInternal
}

// IsType checks whether any ServiceError in the chain has the given type
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

// Alarming reports whether err deserves operator attention. Stale results,
// duplicates, unknown ids and rejected transitions are routine.
func Alarming(err error) bool {
	return IsType(err, ErrorTypeInvalid) || IsType(err, ErrorTypeUnreachable)
}

// GetContext retrieves context from a ServiceError
func GetContext(err error) map[string]interface{} {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}

// UnknownJob builds the error returned for ids the registry does not hold.
func UnknownJob(operation, jobID string) *ServiceError {
	return New(ErrorTypeUnknownJob, operation, "job not found").
		WithContext("job_id", jobID)
}

// InvalidTransition builds the error returned for a rejected status change.
func InvalidTransition(jobID, from, to string) *ServiceError {
	return Newf(ErrorTypeInvalidTransition, "transition", "cannot move job from %s to %s", from, to).
		WithContext("job_id", jobID).
		WithContext("from", from).
		WithContext("to", to)
}

// Invalid builds a verification failure.
func Invalid(operation, message string) *ServiceError {
	return New(ErrorTypeInvalid, operation, message)
}
