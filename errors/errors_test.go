package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if result := test.class.String(); result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"importer timeout", ErrImporterTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"context canceled", context.Canceled, true},
		{"wrapped deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), true},
		{"socket reset", fmt.Errorf("read tcp: connection reset by peer"), true},
		{"duplicate connector", ErrDuplicateConnector, false},
		{"missing serializer", ErrMissingSerializer, false},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("timeout")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsTransient(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"missing serializer", ErrMissingSerializer, true},
		{"unknown topic type", fmt.Errorf("topic Left: %w", ErrUnknownTopicType), true},
		{"clock port required", ErrClockPortRequired, true},
		{"connection timeout", ErrConnectionTimeout, false},
		{"read-only store", ErrReadOnlyStore, false},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsFatal(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid data", ErrInvalidData, true},
		{"frame too large", ErrFrameTooLarge, true},
		{"duplicate connector", ErrDuplicateConnector, true},
		{"read-only store", ErrReadOnlyStore, true},
		{"connection lost", ErrConnectionLost, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("x")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsInvalid(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil error", nil, ErrorTransient},
		{"connection timeout", ErrConnectionTimeout, ErrorTransient},
		{"missing serializer", ErrMissingSerializer, ErrorFatal},
		{"parsing failed", ErrParsingFailed, ErrorInvalid},
		{"unknown error", fmt.Errorf("something odd"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := Classify(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "c", "m", "a") != nil {
		t.Fatal("wrapping nil must return nil")
	}

	err := Wrap(fmt.Errorf("dial refused"), "TCPSource", "connect", "dial 10.0.0.2:11411")
	expected := "TCPSource.connect: dial 10.0.0.2:11411 failed: dial refused"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
}

func TestWrapClassified(t *testing.T) {
	base := fmt.Errorf("original error")

	tests := []struct {
		name     string
		wrapFunc func(error, string, string, string) error
		class    ErrorClass
	}{
		{"WrapTransient", WrapTransient, ErrorTransient},
		{"WrapFatal", WrapFatal, ErrorFatal},
		{"WrapInvalid", WrapInvalid, ErrorInvalid},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := test.wrapFunc(base, "RendezvousPipeline", "Start", "resolve topics")

			var ce *ClassifiedError
			if !errors.As(result, &ce) {
				t.Fatal("result should be a ClassifiedError")
			}
			if ce.Class != test.class {
				t.Errorf("expected %v, got %v", test.class, ce.Class)
			}
			if ce.Component != "RendezvousPipeline" || ce.Operation != "Start" {
				t.Errorf("unexpected context %s.%s", ce.Component, ce.Operation)
			}
			if !strings.Contains(ce.Error(), "RendezvousPipeline.Start: resolve topics failed") {
				t.Errorf("error should contain standard format, got: %s", ce.Error())
			}
			if !errors.Is(result, base) {
				t.Error("classified error should unwrap to base error")
			}
		})
	}

	if WrapFatal(nil, "c", "m", "a") != nil {
		t.Error("wrapping nil must return nil")
	}
}
