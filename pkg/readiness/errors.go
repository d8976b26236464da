package readiness

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass classifies why a feature could not become ready.
type ErrorClass string

const (
	// ErrorClassFailed wraps a collaborator failure. It is never retried.
	ErrorClassFailed ErrorClass = "failed"

	// ErrorClassInapplicable indicates a required interface is missing.
	// It is not a fault.
	ErrorClassInapplicable ErrorClass = "inapplicable"

	// ErrorClassUnknownFeature indicates a request named a feature the graph
	// does not contain.
	ErrorClassUnknownFeature ErrorClass = "unknown_feature"

	// ErrorClassInvalidated indicates the proxy was removed or torn down.
	ErrorClassInvalidated ErrorClass = "invalidated"

	// ErrorClassGraph indicates an invalid feature graph.
	ErrorClassGraph ErrorClass = "graph"
)

// Error codes.
const (
	ErrCodeDependencyFailed    = "DEPENDENCY_FAILED"
	ErrCodeMissingInterface    = "MISSING_INTERFACE"
	ErrCodeIntrospectionFailed = "INTROSPECTION_FAILED"
	ErrCodeUnknownFeature      = "UNKNOWN_FEATURE"
	ErrCodeInvalidated         = "INVALIDATED"
	ErrCodeCycle               = "CYCLE"
	ErrCodeValidation          = "VALIDATION_ERROR"
)

// Error is a classified readiness error.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Feature is the feature the error concerns, if any.
	Feature Feature `json:"feature,omitempty"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Class, e.Message)
	if e.Feature != "" {
		fmt.Fprintf(&sb, " (feature=%s)", e.Feature)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same class and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithCode adds an error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithFeature sets the feature the error concerns.
func (e *Error) WithFeature(f Feature) *Error {
	e.Feature = f
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewFailedError wraps a collaborator failure of feature f.
func NewFailedError(f Feature, err error) *Error {
	return &Error{
		Class:   ErrorClassFailed,
		Feature: f,
		Code:    ErrCodeIntrospectionFailed,
		Message: "introspection failed",
		Err:     err,
	}
}

// NewDependencyFailedError reports that f cannot start because dep failed.
func NewDependencyFailedError(f, dep Feature, err error) *Error {
	return (&Error{
		Class:   ErrorClassFailed,
		Feature: f,
		Code:    ErrCodeDependencyFailed,
		Message: fmt.Sprintf("prerequisite %s failed", dep),
		Err:     err,
	}).WithDetail("dependency", string(dep))
}

// NewInapplicableError reports that f requires iface, which is missing.
func NewInapplicableError(f Feature, iface string) *Error {
	return (&Error{
		Class:   ErrorClassInapplicable,
		Feature: f,
		Code:    ErrCodeMissingInterface,
		Message: fmt.Sprintf("interface %s is not implemented", iface),
	}).WithDetail("interface", iface)
}

// NewDependencyInapplicableError reports that f cannot apply because dep
// does not.
func NewDependencyInapplicableError(f, dep Feature, err error) *Error {
	return (&Error{
		Class:   ErrorClassInapplicable,
		Feature: f,
		Code:    ErrCodeMissingInterface,
		Message: fmt.Sprintf("prerequisite %s is inapplicable", dep),
		Err:     err,
	}).WithDetail("dependency", string(dep))
}

// NewUnknownFeatureError reports a request for a feature not in the graph.
func NewUnknownFeatureError(f Feature) *Error {
	return &Error{
		Class:   ErrorClassUnknownFeature,
		Feature: f,
		Code:    ErrCodeUnknownFeature,
		Message: "unknown feature",
	}
}

// NewInvalidatedError reports that the proxy went away.
func NewInvalidatedError(err error) *Error {
	return &Error{
		Class:   ErrorClassInvalidated,
		Code:    ErrCodeInvalidated,
		Message: "proxy invalidated",
		Err:     err,
	}
}

// NewGraphError reports an invalid feature graph.
func NewGraphError(message string) *Error {
	return &Error{
		Class:   ErrorClassGraph,
		Code:    ErrCodeValidation,
		Message: message,
	}
}

func hasClass(err error, class ErrorClass) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsFailed returns true if err is classified as failed.
func IsFailed(err error) bool {
	return hasClass(err, ErrorClassFailed)
}

// IsInapplicable returns true if err is classified as inapplicable.
func IsInapplicable(err error) bool {
	return hasClass(err, ErrorClassInapplicable)
}

// IsUnknownFeature returns true if err is classified as unknown_feature.
func IsUnknownFeature(err error) bool {
	return hasClass(err, ErrorClassUnknownFeature)
}

// IsInvalidated returns true if err is classified as invalidated.
func IsInvalidated(err error) bool {
	return hasClass(err, ErrorClassInvalidated)
}

// AggregatedError is the result of a composite readiness request that could
// not complete. It unwraps to the first member failure.
type AggregatedError struct {
	RequestID string    `json:"request_id"`
	Requested []Feature `json:"requested"`
	First     error     `json:"-"`
}

// Error implements the error interface.
func (e *AggregatedError) Error() string {
	names := make([]string, len(e.Requested))
	for i, f := range e.Requested {
		names[i] = string(f)
	}
	return fmt.Sprintf("readiness request [%s] failed: %v", strings.Join(names, ", "), e.First)
}

// Unwrap returns the first failure.
func (e *AggregatedError) Unwrap() error {
	return e.First
}
