package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode represents a specific error condition
type ErrorCode string

const (
	// Validation errors - rejected before any external resource is touched
	ErrCodeWorktreeLimit   ErrorCode = "WORKTREE_LIMIT"
	ErrCodeBranchExists    ErrorCode = "BRANCH_EXISTS"
	ErrCodePathExists      ErrorCode = "PATH_EXISTS"
	ErrCodeNotARepository  ErrorCode = "NOT_A_REPOSITORY"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeSessionNotReady ErrorCode = "SESSION_NOT_READY"
	ErrCodeTooManyClients  ErrorCode = "TOO_MANY_CLIENTS"

	// Subprocess errors
	ErrCodeCommandFailed   ErrorCode = "COMMAND_FAILED"
	ErrCodeCommandTimeout  ErrorCode = "COMMAND_TIMEOUT"
	ErrCodeCommandNotFound ErrorCode = "COMMAND_NOT_FOUND"

	// Container errors
	ErrCodeContainerCreateFailed ErrorCode = "CONTAINER_CREATE_FAILED"
	ErrCodeFirewallFailed        ErrorCode = "FIREWALL_FAILED"
	ErrCodeContainerNotRunning   ErrorCode = "CONTAINER_NOT_RUNNING"
	ErrCodeContainerUnhealthy    ErrorCode = "CONTAINER_UNHEALTHY"

	// General errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// BurrowError represents a structured error with context
type BurrowError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *BurrowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *BurrowError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *BurrowError) WithDetail(key string, value interface{}) *BurrowError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToJSON converts the error to JSON
func (e *BurrowError) ToJSON() string {
	data, _ := json.MarshalIndent(e, "", "  ")
	return string(data)
}

// New creates a new BurrowError
func New(code ErrorCode, message string) *BurrowError {
	return &BurrowError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a BurrowError
func Wrap(err error, code ErrorCode, message string) *BurrowError {
	return &BurrowError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Is checks if an error carries a specific error code
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	burrowErr, ok := err.(*BurrowError)
	if !ok {
		if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
			return Is(unwrapper.Unwrap(), code)
		}
		return false
	}

	return burrowErr.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	burrowErr, ok := err.(*BurrowError)
	if !ok {
		if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
			return GetCode(unwrapper.Unwrap())
		}
		return ""
	}

	return burrowErr.Code
}

// IsValidation reports whether an error was rejected before any external
// resource was touched.
func IsValidation(err error) bool {
	switch GetCode(err) {
	case ErrCodeWorktreeLimit, ErrCodeBranchExists, ErrCodePathExists,
		ErrCodeNotARepository, ErrCodeInvalidInput,
		ErrCodeSessionNotFound, ErrCodeSessionNotReady, ErrCodeTooManyClients:
		return true
	}
	return false
}
