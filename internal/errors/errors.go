// Package errors provides structured error handling for scanpilot operations.
// It defines error codes and the typed errors raised by the mandatory stages
// of the scan pipeline (validation, reachability, spawning, timeout), plus
// helpers for inspecting codes through wrapped error chains.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeNotFound      ErrorCode = "NOT_FOUND"

	// Pipeline errors.
	CodeTargetInvalid   ErrorCode = "TARGET_INVALID"
	CodeHostUnreachable ErrorCode = "HOST_UNREACHABLE"
	CodeSpawnFailed     ErrorCode = "SPAWN_FAILED"
	CodePlanningFailed  ErrorCode = "PLANNING_FAILED"
	CodeParseFailed     ErrorCode = "PARSE_FAILED"

	// Storage errors.
	CodeStorage ErrorCode = "STORAGE"
)

// Check names the CommandValidator rule that rejected an argument vector.
type Check string

const (
	CheckEmptyCommand       Check = "empty_command"
	CheckToolNotAllowed     Check = "tool_not_allowed"
	CheckExecutableNotFound Check = "executable_not_found"
	CheckForbiddenArgument  Check = "forbidden_argument"
	CheckUnvalidated        Check = "unvalidated"
)

// ScanError represents an error raised while running a scan job.
type ScanError struct {
	Code      ErrorCode
	Message   string
	Target    string
	Operation string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Target != "" {
		msg = fmt.Sprintf("%s (target: %s)", msg, e.Target)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithOperation records the pipeline stage that failed.
func (e *ScanError) WithOperation(op string) *ScanError {
	e.Operation = op
	return e
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewScanErrorWithTarget creates a scan error for a specific target.
func NewScanErrorWithTarget(code ErrorCode, message, target string) *ScanError {
	e := NewScanError(code, message)
	e.Target = target
	return e
}

// WrapScanError wraps an existing error as a scan error.
func WrapScanError(code ErrorCode, message string, err error) *ScanError {
	e := NewScanError(code, message)
	e.Cause = err
	return e
}

// ValidationError is returned by the command validator. It is never retried.
type ValidationError struct {
	Check   Check
	Tool    string
	Arg     string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	switch {
	case e.Arg != "":
		return fmt.Sprintf("[%s] %s: %s (argument: %s)", CodeValidation, e.Check, e.Message, e.Arg)
	case e.Tool != "":
		return fmt.Sprintf("[%s] %s: %s (tool: %s)", CodeValidation, e.Check, e.Message, e.Tool)
	default:
		return fmt.Sprintf("[%s] %s: %s", CodeValidation, e.Check, e.Message)
	}
}

// NewValidationError creates a validation error for the given check.
func NewValidationError(check Check, tool, message string) *ValidationError {
	return &ValidationError{Check: check, Tool: tool, Message: message}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(message string, err error) *ConfigError {
	return &ConfigError{Code: CodeConfiguration, Message: message, Cause: err}
}

// StorageError is returned by result sinks.
type StorageError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation: %s)", msg, e.Operation)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// WrapStorageError wraps a sink failure.
func WrapStorageError(operation, message string, err error) *StorageError {
	return &StorageError{Code: CodeStorage, Message: message, Operation: operation, Cause: err}
}

// GetCode extracts the error code from the first typed error in the chain.
func GetCode(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	var (
		scanErr    *ScanError
		validErr   *ValidationError
		configErr  *ConfigError
		storageErr *StorageError
	)
	switch {
	case errors.As(err, &validErr):
		return CodeValidation
	case errors.As(err, &scanErr):
		return scanErr.Code
	case errors.As(err, &configErr):
		return configErr.Code
	case errors.As(err, &storageErr):
		return storageErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsRetryable reports whether an error may be retried by the caller.
// Validation and timeout failures are terminal for the job.
func IsRetryable(err error) bool {
	return GetCode(err) == CodeStorage
}

// ValidationCheck returns the failed check when err is a validation error.
func ValidationCheck(err error) (Check, bool) {
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Check, true
	}
	return "", false
}

// ErrInvalidTarget creates an error for empty or malformed targets.
func ErrInvalidTarget(target string) *ScanError {
	return NewScanErrorWithTarget(CodeTargetInvalid, "Invalid target specification", target)
}

// ErrUnreachable creates an error for a target that failed the reachability probe.
func ErrUnreachable(target, reason string) *ScanError {
	return NewScanErrorWithTarget(CodeHostUnreachable, "Target is unreachable: "+reason, target).
		WithOperation("probe")
}

// ErrSpawn creates an error for a process that could not be started.
func ErrSpawn(tool string, err error) *ScanError {
	return WrapScanError(CodeSpawnFailed, "Failed to start "+tool, err).WithOperation("execute")
}

// ErrTimeout creates an error for a job that exceeded its tool deadline.
func ErrTimeout(tool string, limit interface{}) *ScanError {
	return NewScanError(CodeTimeout, "timeout").
		WithOperation("execute").
		WithContext("tool", tool).
		WithContext("limit", limit)
}

// ErrPlanning wraps an assisted planning failure. It is only logged.
func ErrPlanning(message string, err error) *ScanError {
	return WrapScanError(CodePlanningFailed, message, err).WithOperation("plan")
}

// ErrNotFound creates an error for an unknown job id.
func ErrNotFound(id string) *ScanError {
	return NewScanError(CodeNotFound, "job not found").WithContext("id", id)
}

// ErrParse records that tool output could not be structured. The raw output
// is kept, so it is only logged.
func ErrParse(tool, reason string) *ScanError {
	return NewScanError(CodeParseFailed, reason).
		WithOperation("parse").
		WithContext("tool", tool)
}

// ErrWordlist creates an error for an unusable gobuster wordlist.
func ErrWordlist(path string) *ScanError {
	return NewScanError(CodeValidation, "wordlist is not a readable file").
		WithOperation("plan").
		WithContext("path", path)
}
