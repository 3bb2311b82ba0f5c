package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failure for callers and the debug API
type ErrorCode string

const (
	// Transport failures are retried by the reconnect path and only surface
	// once the retry budget is exhausted.
	ErrCodeTransport ErrorCode = "TRANSPORT"

	// REST collaborator failures
	ErrCodeAPI            ErrorCode = "API"
	ErrCodeAuthentication ErrorCode = "AUTHENTICATION"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"

	// Call, broadcast and chat failures
	ErrCodeNegotiation ErrorCode = "NEGOTIATION"
	ErrCodeConflict    ErrorCode = "CONFLICT"
	ErrCodeSendFailed  ErrorCode = "SEND_FAILED"

	// Rejected input
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// AppError is a classified failure with structured log context and an
// optional message fit for showing to a user
type AppError struct {
	Code        ErrorCode              `json:"code"`
	Message     string                 `json:"message"`
	Cause       error                  `json:"-"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Retryable   bool                   `json:"retryable"`
	UserMessage string                 `json:"user_message,omitempty"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func (e *AppError) WithUserMessage(msg string) *AppError {
	e.UserMessage = msg
	return e
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap classifies err under code
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Cause: err}
}

// IsRetryable reports whether the first AppError in the chain is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetCode returns the code of the first AppError in the chain, or
// ErrCodeInternalError when there is none
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// GetUserMessage returns the user-facing message of err, falling back to a
// generic one for unclassified errors
func GetUserMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.UserMessage != "" {
		return appErr.UserMessage
	}
	return "An internal error occurred"
}
