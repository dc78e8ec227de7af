package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, a deployer briefly unavailable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict, such as a concurrent deployment.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes. Each code names one kind of failure the machine can report.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeConfiguration       = "CONFIGURATION_ERROR"
	ErrCodeGoalFailed          = "GOAL_FAILED"
	ErrCodeDeployFailed        = "DEPLOY_FAILED"
	ErrCodeVerificationTimeout = "VERIFICATION_TIMEOUT"
	ErrCodeExternalTool        = "EXTERNAL_TOOL_FAILED"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeDependencyFailed    = "DEPENDENCY_FAILED"
	ErrCodeDeployRuleNotFound  = "DEPLOY_RULE_NOT_FOUND"
	ErrCodePolicyViolation     = "POLICY_VIOLATION"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the kind of failure.
	Code string `json:"code,omitempty"`

	// Goal is the goal name that caused the error, if applicable.
	Goal string `json:"goal,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Goal != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (goal=%s, operation=%s)", msg, e.Goal, e.Operation)
	} else if e.Goal != "" {
		msg = fmt.Sprintf("%s (goal=%s)", msg, e.Goal)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
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

// NewConfigurationError creates a permanent error for invalid machine wiring:
// cyclic goal dependencies, a missing deploy rule, a duplicate extension pack.
func NewConfigurationError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeConfiguration)
}

// WithGoal adds goal context to an error.
func (e *EngineError) WithGoal(goal string) *EngineError {
	e.Goal = goal
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

// ErrorCode returns the code of the first EngineError in the chain, or "".
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
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

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool {
	return HasCode(err, ErrCodeConfiguration) || HasCode(err, ErrCodeDeployRuleNotFound)
}

// IsVerificationTimeout reports whether an endpoint never became healthy.
func IsVerificationTimeout(err error) bool {
	return HasCode(err, ErrCodeVerificationTimeout)
}

// IsDeployFailed reports whether a deployer call itself failed.
func IsDeployFailed(err error) bool {
	return HasCode(err, ErrCodeDeployFailed)
}

// IsExternalToolFailure reports whether an external process exited unsuccessfully.
func IsExternalToolFailure(err error) bool {
	return HasCode(err, ErrCodeExternalTool)
}

// IsCancelled reports whether err records a cooperative cancellation.
func IsCancelled(err error) bool {
	return HasCode(err, ErrCodeCancelled)
}

// IsPolicyViolation reports whether a team policy vetoed a goal set.
func IsPolicyViolation(err error) bool {
	return HasCode(err, ErrCodePolicyViolation)
}
