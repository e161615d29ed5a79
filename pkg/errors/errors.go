package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeConfig         ErrorType = "config"
	ErrorTypeCycle          ErrorType = "dependency_cycle"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeConflict       ErrorType = "conflict"
	ErrorTypeProcess        ErrorType = "process"
	ErrorTypeProcessExited  ErrorType = "process_exited"
	ErrorTypeStartupTimeout ErrorType = "startup_timeout"
	ErrorTypeHealthCheck    ErrorType = "health_check"
	ErrorTypeRestartPolicy  ErrorType = "restart_policy_exceeded"
	ErrorTypeRestartTooSoon ErrorType = "restart_too_soon"
	ErrorTypeResource       ErrorType = "resource"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypePermission     ErrorType = "permission"
	ErrorTypeIO             ErrorType = "io"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeCancelled      ErrorType = "cancelled"
	ErrorTypeUnsupported    ErrorType = "unsupported"
)

// Context keys shared by the constructors below.
const (
	ContextService  = "service"
	ContextReason   = "reason"
	ContextExitCode = "exit_code"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// ContextString returns a context value rendered as string, or "" when absent.
func (e *DomainError) ContextString(key string) string {
	if v, ok := e.Context[key]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Configuration errors
func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewConfigError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConfig, message, cause)
}

// NewCycleError reports the service at which a dependency cycle was closed.
func NewCycleError(service string, path []string) *DomainError {
	msg := fmt.Sprintf("circular dependency detected at service %q", service)
	if len(path) > 0 {
		msg = fmt.Sprintf("%s (%s)", msg, strings.Join(path, " -> "))
	}
	return NewDomainError(ErrorTypeCycle, msg, nil).WithContext(ContextService, service)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConflict, message, cause)
}

// Process errors
func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

func NewProcessExitedError(service string, exitCode int, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcessExited,
		fmt.Sprintf("service %s exited before becoming healthy (exit code %d)", service, exitCode), cause).
		WithContext(ContextService, service).
		WithContext(ContextExitCode, exitCode)
}

func NewStartupTimeoutError(service string, timeout fmt.Stringer) *DomainError {
	return NewDomainError(ErrorTypeStartupTimeout,
		fmt.Sprintf("service %s did not become healthy within %s", service, timeout), nil).
		WithContext(ContextService, service)
}

// NewHealthCheckFailure carries the failing check (memory, cpu, responsiveness, probe) as reason.
func NewHealthCheckFailure(reason, message string) *DomainError {
	return NewDomainError(ErrorTypeHealthCheck, message, nil).WithContext(ContextReason, reason)
}

func NewRestartPolicyExceededError(service string, restarts, maxRestarts int) *DomainError {
	return NewDomainError(ErrorTypeRestartPolicy,
		fmt.Sprintf("service %s reached %d of %d allowed restarts", service, restarts, maxRestarts), nil).
		WithContext(ContextService, service)
}

func NewRestartTooSoonError(service string, since, minInterval fmt.Stringer) *DomainError {
	return NewDomainError(ErrorTypeRestartTooSoon,
		fmt.Sprintf("service %s restarted %s ago, minimum interval is %s", service, since, minInterval), nil).
		WithContext(ContextService, service)
}

func NewResourceError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeResource, message, cause)
}

func NewUnsupportedError(message string) *DomainError {
	return NewDomainError(ErrorTypeUnsupported, message, nil)
}

// System errors
func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewPermissionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypePermission, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

// Error checking helpers; the whole wrap chain is searched, not only the outermost DomainError.
func isType(err error, t ErrorType) bool {
	return errors.Is(err, &DomainError{Type: t})
}

func IsValidationError(err error) bool       { return isType(err, ErrorTypeValidation) }
func IsConfigError(err error) bool           { return isType(err, ErrorTypeConfig) }
func IsCycleError(err error) bool            { return isType(err, ErrorTypeCycle) }
func IsNotFoundError(err error) bool         { return isType(err, ErrorTypeNotFound) }
func IsConflictError(err error) bool         { return isType(err, ErrorTypeConflict) }
func IsProcessError(err error) bool          { return isType(err, ErrorTypeProcess) }
func IsProcessExitedError(err error) bool    { return isType(err, ErrorTypeProcessExited) }
func IsStartupTimeoutError(err error) bool   { return isType(err, ErrorTypeStartupTimeout) }
func IsHealthCheckError(err error) bool      { return isType(err, ErrorTypeHealthCheck) }
func IsRestartPolicyExceeded(err error) bool { return isType(err, ErrorTypeRestartPolicy) }
func IsRestartTooSoon(err error) bool        { return isType(err, ErrorTypeRestartTooSoon) }
func IsResourceError(err error) bool         { return isType(err, ErrorTypeResource) }
func IsUnsupportedError(err error) bool      { return isType(err, ErrorTypeUnsupported) }
func IsIOError(err error) bool               { return isType(err, ErrorTypeIO) }
func IsInternalError(err error) bool         { return isType(err, ErrorTypeInternal) }
func IsCancelledError(err error) bool        { return isType(err, ErrorTypeCancelled) }

// FatalAtStartup reports whether err must terminate the supervisor before the loop begins.
func FatalAtStartup(err error) bool {
	return IsConfigError(err) || IsCycleError(err) || IsValidationError(err)
}

// Error aggregation for bulk operations
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d errors occurred: %s", len(e.Errors), strings.Join(msgs, "; "))
}

// Unwrap exposes every collected error to errors.Is / errors.As.
func (e *ErrorCollection) Unwrap() []error {
	return e.Errors
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// NewErrorCollection creates a new error collection
func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
