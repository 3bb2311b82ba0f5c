package errors

import (
	"fmt"
	"net/http"
)

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewAPIError creates an error for a failed REST call. Authentication
// failures get their own code; 5xx, 408 and 429 are retryable.
func NewAPIError(endpoint string, statusCode int, err error) *AppError {
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return Wrap(err, ErrCodeAuthentication, "API rejected credential").
			WithContext("endpoint", endpoint).
			WithContext("status_code", statusCode).
			WithUserMessage("Your session has expired, please sign in again")
	}

	appErr := Wrap(err, ErrCodeAPI, "API call failed").
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)

	if statusCode == http.StatusNotFound {
		appErr.Code = ErrCodeNotFound
	}
	if statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout {
		appErr.Retryable = true
	}
	return appErr
}

// NewTransportError creates a retryable transport error
func NewTransportError(operation string, err error) *AppError {
	appErr := Wrap(err, ErrCodeTransport, fmt.Sprintf("%s failed", operation)).
		WithContext("operation", operation)
	appErr.Retryable = true
	return appErr
}

// NewNegotiationError creates a non-retrying negotiation fault
func NewNegotiationError(step string, err error) *AppError {
	return Wrap(err, ErrCodeNegotiation, fmt.Sprintf("negotiation failed at %s", step)).
		WithContext("step", step).
		WithUserMessage("Could not establish the call")
}

// NewConflictError creates an application-level conflict such as a busy line
func NewConflictError(reason string, err error) *AppError {
	return Wrap(err, ErrCodeConflict, reason).
		WithUserMessage("Another call or broadcast is already in progress")
}

// NewSendError creates a message send failure; the caller retries manually
func NewSendError(roomID string, err error) *AppError {
	return Wrap(err, ErrCodeSendFailed, "message not sent").
		WithContext("room_id", roomID).
		WithUserMessage("Message could not be sent, please try again")
}

// HTTPStatusCode maps error codes to HTTP status codes for the debug API
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeAuthentication:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeAPI, ErrCodeTransport, ErrCodeNegotiation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
