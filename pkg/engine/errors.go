package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary daemon or API unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: "already exists" reported against a stale local view.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, authentication failure, lock timeout.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the error kind for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the service name or resource identity the error is about.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	sb.WriteString("[")
	if e.Code != "" {
		sb.WriteString(e.Code)
	} else {
		sb.WriteString(string(e.Class))
	}
	sb.WriteString("] ")
	sb.WriteString(e.Message)
	if e.Resource != "" && e.Operation != "" {
		fmt.Fprintf(&sb, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	} else if e.Resource != "" {
		fmt.Fprintf(&sb, " (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// HasCode reports whether any EngineError in the chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var e *EngineError
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// CodeOf returns the code of the outermost EngineError in the chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Error codes.
const (
	// Config errors: fatal at validation time, never retried.
	ErrCodeMissingProjectName       = "MISSING_PROJECT_NAME"
	ErrCodeMissingRequiredField     = "MISSING_REQUIRED_FIELD"
	ErrCodeDuplicateServiceName     = "DUPLICATE_SERVICE_NAME"
	ErrCodeDuplicateResource        = "DUPLICATE_RESOURCE"
	ErrCodeUnknownServiceReference  = "UNKNOWN_SERVICE_REFERENCE"
	ErrCodeUnknownResourceReference = "UNKNOWN_RESOURCE_REFERENCE"
	ErrCodeUnknownStage             = "UNKNOWN_STAGE"
	ErrCodeInvalidField             = "INVALID_FIELD"
	ErrCodeValidation               = "VALIDATION_ERROR"

	// Graph errors.
	ErrCodeCyclicDependency = "CYCLIC_DEPENDENCY"

	// Readiness errors.
	ErrCodeReadinessTimeout = "READINESS_TIMEOUT"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"

	// Provider and runtime errors.
	ErrCodeAuthFailure    = "AUTH_FAILURE"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeAlreadyExists  = "ALREADY_EXISTS"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeProviderFailed = "PROVIDER_FAILED"
	ErrCodeRuntimeFailed  = "RUNTIME_FAILED"
	ErrCodeNotAttempted   = "NOT_ATTEMPTED"
	ErrCodeTimeout        = "TIMEOUT"

	// State errors: fatal for the whole operation.
	ErrCodeLockTimeout   = "LOCK_TIMEOUT"
	ErrCodeCorruptRecord = "CORRUPT_RECORD"

	ErrCodePolicyViolation = "POLICY_VIOLATION"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// NewConfigError creates a permanent config error with the given code.
func NewConfigError(code, message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(code).WithOperation("validate")
}

// NewCyclicDependencyError reports a dependency cycle. The cycle lists the
// participating names with the first repeated at the end.
func NewCyclicDependencyError(cycle []string) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")),
		nil,
	).WithCode(ErrCodeCyclicDependency).WithDetail("services", participants(cycle))
}

// NewReadinessTimeoutError reports a service that never became ready.
func NewReadinessTimeoutError(service string, attempts int, last error) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("service did not become ready after %d attempts", attempts),
		last,
	).WithCode(ErrCodeReadinessTimeout).
		WithResource(service).
		WithOperation("readiness").
		WithDetail("attempts", attempts)
}

// NewLockTimeoutError reports a lock that could not be acquired in time.
func NewLockTimeoutError(scope string, waited time.Duration) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("timed out after %s waiting for state lock", waited),
		nil,
	).WithCode(ErrCodeLockTimeout).
		WithResource(scope).
		WithOperation("lock")
}

// NewCorruptRecordError reports an unreadable state record.
func NewCorruptRecordError(resource string, err error) *EngineError {
	return NewPermanentError("state record is unreadable", err).
		WithCode(ErrCodeCorruptRecord).
		WithResource(resource)
}

// NewNotFoundError reports a missing container or resource.
func NewNotFoundError(resource string, err error) *EngineError {
	return NewPermanentError("not found", err).
		WithCode(ErrCodeNotFound).
		WithResource(resource)
}

// NewAlreadyExistsError reports an identity that already exists.
func NewAlreadyExistsError(resource string, err error) *EngineError {
	return NewConflictError("already exists", err).
		WithCode(ErrCodeAlreadyExists).
		WithResource(resource)
}

// NewAuthError reports rejected provider credentials.
func NewAuthError(provider string, err error) *EngineError {
	return NewPermanentError("authentication failed", err).
		WithCode(ErrCodeAuthFailure).
		WithResource(provider).
		WithOperation("check_auth")
}

func participants(cycle []string) []string {
	seen := make(map[string]bool, len(cycle))
	out := make([]string, 0, len(cycle))
	for _, name := range cycle {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
