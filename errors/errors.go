// Package errors classifies failures of the orchestration layer so callers can decide
// between aborting startup, skipping one process, or dropping one connection.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient covers I/O and connection failures; the operation is logged and skipped or retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid covers malformed payloads and bad arguments; the offending reader or request ends
	ErrorInvalid
	// ErrorFatal covers configuration failures that must be fixed before startup
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Lifecycle errors
var (
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrAlreadyStopped = errors.New("component already stopped")
	ErrDisposed       = errors.New("pipeline disposed")
)

// Connection errors
var (
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrImporterTimeout   = errors.New("remote importer connection timeout")
	ErrNoCommandEmitter  = errors.New("no command emitter")
)

// Data errors
var (
	ErrInvalidData     = errors.New("invalid data format")
	ErrParsingFailed   = errors.New("parsing failed")
	ErrFrameTooLarge   = errors.New("frame exceeds maximum size")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrUnknownEndpoint = errors.New("unknown endpoint kind")
)

// Storage errors
var (
	ErrReadOnlyStore      = errors.New("store is read-only")
	ErrStoreNotFound      = errors.New("store not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrStreamNotFound     = errors.New("stream not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrDuplicateConnector = errors.New("connector already registered")
)

// Configuration errors
var (
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrMissingConfig      = errors.New("missing required configuration")
	ErrMissingSerializer  = errors.New("missing serializer for topic type")
	ErrUnknownTopicType   = errors.New("unknown topic type")
	ErrUnknownTransformer = errors.New("unknown transformer")
	ErrClockPortRequired  = errors.New("automatic pipeline run requires a clock port")
)

var (
	transientSentinels = []error{
		ErrNoConnection, ErrConnectionLost, ErrConnectionTimeout, ErrImporterTimeout,
		ErrStorageUnavailable, context.DeadlineExceeded, context.Canceled,
	}
	fatalSentinels = []error{
		ErrInvalidConfig, ErrMissingConfig, ErrMissingSerializer, ErrUnknownTopicType,
		ErrUnknownTransformer, ErrClockPortRequired,
	}
	invalidSentinels = []error{
		ErrInvalidData, ErrParsingFailed, ErrFrameTooLarge, ErrUnknownCommand,
		ErrUnknownEndpoint, ErrReadOnlyStore, ErrDuplicateConnector,
	}
	transientPatterns = []string{"timeout", "connection", "network", "temporary", "unavailable", "broken pipe", "reset by peer"}
	fatalPatterns     = []string{"fatal", "invalid config", "missing config", "missing serializer"}
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

func matchesAny(err error, sentinels []error) bool {
	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func containsAny(err error, patterns []string) bool {
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err is a temporary I/O or connection failure
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorTransient
	}
	return matchesAny(err, transientSentinels) || containsAny(err, transientPatterns)
}

// IsFatal reports whether err is a configuration failure
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorFatal
	}
	return matchesAny(err, fatalSentinels) || containsAny(err, fatalPatterns)
}

// IsInvalid reports whether err is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorInvalid
	}
	return matchesAny(err, invalidSentinels)
}

// Classify returns the error class for an error. Unknown errors are transient.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorTransient
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorTransient
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

func wrapClassified(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	return wrapClassified(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	return wrapClassified(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	return wrapClassified(ErrorInvalid, err, component, method, action)
}
