package types

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeAuthorization ErrorType = "authorization"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeConflict      ErrorType = "conflict"
	ErrorTypeVerification  ErrorType = "verification"
	ErrorTypeInternal      ErrorType = "internal"
	ErrorTypeExternal      ErrorType = "external"
)

// AppError represents a structured error in the consent-core system
type AppError struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
func NewValidationError(code, message string, details map[string]interface{}) *AppError {
	return &AppError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewAuthorizationError creates a new authorization error
func NewAuthorizationError(code, message string) *AppError {
	return &AppError{
		Type:    ErrorTypeAuthorization,
		Code:    code,
		Message: message,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(code, message string) *AppError {
	return &AppError{
		Type:    ErrorTypeNotFound,
		Code:    code,
		Message: message,
	}
}

// NewConflictError creates a new conflict error
func NewConflictError(code, message string) *AppError {
	return &AppError{
		Type:    ErrorTypeConflict,
		Code:    code,
		Message: message,
	}
}

// NewVerificationError creates a new credential verification error.
// The code pinpoints which check failed; it is logged server-side and
// must never be echoed verbatim to the scanning client.
func NewVerificationError(code, message string) *AppError {
	return &AppError{
		Type:    ErrorTypeVerification,
		Code:    code,
		Message: message,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(code, message string, cause error) *AppError {
	return &AppError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Common error codes
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeInvalidSignature  = "INVALID_SIGNATURE"
	ErrCodeCredentialExpired = "CREDENTIAL_EXPIRED"
	ErrCodeReplayDetected    = "REPLAY_DETECTED"
)

// TypeOf extracts the error type from an error, or ErrorTypeInternal for
// untyped errors.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// IsConflict reports whether err is a conflict error
func IsConflict(err error) bool {
	return TypeOf(err) == ErrorTypeConflict
}

// IsNotFound reports whether err is a not found error
func IsNotFound(err error) bool {
	return TypeOf(err) == ErrorTypeNotFound
}

// IsVerification reports whether err is a credential verification failure
func IsVerification(err error) bool {
	return TypeOf(err) == ErrorTypeVerification
}
