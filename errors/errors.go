// Package errors provides standardized error handling for FieldLink components.
// Errors are classified as transient (retried by the connection manager),
// invalid (rejected at a boundary, never retried), or fatal (component stops).
// Helper wrappers keep error text in the "component.method: action failed"
// shape used across the codebase.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class represents the classification of an error for handling purposes.
type Class int

const (
	// ClassTransient marks temporary errors that may be retried.
	ClassTransient Class = iota
	// ClassInvalid marks errors caused by bad input or configuration.
	ClassInvalid
	// ClassFatal marks unrecoverable errors that stop the component.
	ClassFatal
)

// String returns the string representation of a Class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassInvalid:
		return "invalid"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions.
var (
	// Protocol and connection errors.
	ErrNoConnection       = errors.New("no connection available")
	ErrConnectionLost     = errors.New("connection lost")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrSubscriptionFailed = errors.New("subscription failed")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Domain lookup errors.
	ErrEquipmentNotFound = errors.New("equipment not found")
	ErrSensorNotFound    = errors.New("sensor not found")
	ErrAlertNotFound     = errors.New("alert not found")
	ErrJobNotFound       = errors.New("export job not found")
	ErrDuplicateID       = errors.New("identifier already registered")

	// Ingestion errors.
	ErrValidationFailed = errors.New("reading validation failed")
	ErrQueueFull        = errors.New("ingest queue full")

	// Configuration errors.
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Admission control errors.
	ErrRateLimited = errors.New("rate limit exceeded")

	// Persistence errors.
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrResultTooLarge     = errors.New("result set exceeds export size cap")

	// Lifecycle errors.
	ErrAlreadyStarted    = errors.New("component already started")
	ErrNotStarted        = errors.New("component not started")
	ErrJobNotCancellable = errors.New("export job is no longer cancellable")
	ErrAlreadyResolved   = errors.New("alert already resolved")
)

// ClassifiedError wraps an error with its classification and origin.
type ClassifiedError struct {
	Class     Class
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassTransient
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Unclassified protocol library errors frequently surface as plain
	// strings; match the common transient vocabulary.
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "network", "temporary", "unavailable", "broken pipe"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsInvalid reports whether an error is caused by bad input or configuration.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassInvalid
	}

	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrValidationFailed) ||
		errors.Is(err, ErrDuplicateID)
}

// IsFatal reports whether an error should stop the component.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassFatal
	}

	return false
}

// IsNotFound reports whether an error is any of the domain not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEquipmentNotFound) ||
		errors.Is(err, ErrSensorNotFound) ||
		errors.Is(err, ErrAlertNotFound) ||
		errors.Is(err, ErrJobNotFound)
}

// Classify returns the error class for an error. Unknown errors default to
// transient so the connection manager gets a chance to retry them.
func Classify(err error) Class {
	switch {
	case IsInvalid(err):
		return ClassInvalid
	case IsFatal(err):
		return ClassFatal
	default:
		return ClassTransient
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func newClassified(class Class, err error, component, method, action string) error {
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ClassTransient, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context.
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ClassInvalid, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ClassFatal, err, component, method, action)
}
