// Package errors provides the structured error kinds returned by the MogileFS client.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrorCode identifies one kind of client failure.
type ErrorCode string

const (
	// Configuration
	ErrCodeBadHostFormat ErrorCode = "BAD_HOST_FORMAT"
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// Tracker connectivity
	ErrCodeNoTrackers           ErrorCode = "NO_TRACKERS"
	ErrCodeTrackerCommunication ErrorCode = "TRACKER_COMMUNICATION"

	// Tracker answered with an ERR line
	ErrCodeTrackerError ErrorCode = "TRACKER_ERROR"
	ErrCodeKeyNotFound  ErrorCode = "KEY_NOT_FOUND"

	// Storage nodes
	ErrCodeStorageCommunication ErrorCode = "STORAGE_COMMUNICATION"
	ErrCodeCommitFailed         ErrorCode = "COMMIT_FAILED"

	// Everything else
	ErrCodeClientError ErrorCode = "CLIENT_ERROR"
)

// ErrorCategory groups error codes.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryTracker       ErrorCategory = "tracker"
	CategoryStorage       ErrorCategory = "storage"
	CategoryClient        ErrorCategory = "client"
)

// MogileError is a structured client error with diagnostic context.
type MogileError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *MogileError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *MogileError) Unwrap() error {
	return e.Cause
}

// Is matches on error code so sentinel values work with errors.Is.
func (e *MogileError) Is(target error) bool {
	if t, ok := target.(*MogileError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *MogileError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%q", k, e.Context[k]))
		}
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("MogileError{%s}", strings.Join(parts, ", "))
}

// NewError creates an error with the defaults for its code.
func NewError(code ErrorCode, message string) *MogileError {
	return &MogileError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf is NewError with a format string.
func Newf(code ErrorCode, format string, args ...interface{}) *MogileError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error of the given code around cause.
func Wrap(code ErrorCode, cause error, message string) *MogileError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory returns the category for a code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeBadHostFormat, ErrCodeInvalidConfig:
		return CategoryConfiguration
	case ErrCodeNoTrackers, ErrCodeTrackerCommunication:
		return CategoryConnection
	case ErrCodeTrackerError, ErrCodeKeyNotFound:
		return CategoryTracker
	case ErrCodeStorageCommunication, ErrCodeCommitFailed:
		return CategoryStorage
	default:
		return CategoryClient
	}
}

// IsRetryableByDefault reports whether the tracker retry loop should try again after code.
func IsRetryableByDefault(code ErrorCode) bool {
	return code == ErrCodeTrackerCommunication
}

// WithContext adds a diagnostic key/value.
func (e *MogileError) WithContext(key, value string) *MogileError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds structured detail.
func (e *MogileError) WithDetail(key string, value interface{}) *MogileError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component.
func (e *MogileError) WithComponent(component string) *MogileError {
	e.Component = component
	return e
}

// WithOperation sets the operation.
func (e *MogileError) WithOperation(operation string) *MogileError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *MogileError) WithCause(cause error) *MogileError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the retry hint.
func (e *MogileError) WithRetryable(retryable bool) *MogileError {
	e.Retryable = retryable
	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrBadHostFormat        = &MogileError{Code: ErrCodeBadHostFormat}
	ErrNoTrackers           = &MogileError{Code: ErrCodeNoTrackers}
	ErrTrackerCommunication = &MogileError{Code: ErrCodeTrackerCommunication}
	ErrTrackerError         = &MogileError{Code: ErrCodeTrackerError}
	ErrKeyNotFound          = &MogileError{Code: ErrCodeKeyNotFound}
	ErrStorageCommunication = &MogileError{Code: ErrCodeStorageCommunication}
	ErrCommitFailed         = &MogileError{Code: ErrCodeCommitFailed}
)

// CodeOf returns the code of the first MogileError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var me *MogileError
	if stderr.As(err, &me) {
		return me.Code
	}
	return ""
}

// IsNotFound reports whether err means the key does not exist.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeKeyNotFound
}

// IsRetryable reports whether err carries the retryable hint.
func IsRetryable(err error) bool {
	var me *MogileError
	if stderr.As(err, &me) {
		return me.Retryable
	}
	return false
}
