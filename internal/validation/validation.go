// Package validation checks identifiers and message bodies at the edges of
// the client: configuration and the local debug API.
package validation

import (
	"fmt"
	"net/http"
	"unicode"
	"unicode/utf8"

	"linkup/internal/constants"
	"linkup/internal/errors"
)

// ValidateID checks a room, user, call or stream id: non-empty, bounded and
// free of whitespace, control characters and path separators.
func ValidateID(field, id string) error {
	if id == "" {
		return errors.NewValidationError(field, id, fmt.Sprintf("%s cannot be empty", field))
	}
	if len(id) > constants.MaxIDLength {
		return errors.NewValidationError(field, id,
			fmt.Sprintf("%s too long (max %d characters)", field, constants.MaxIDLength))
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == '/' {
			return errors.NewValidationError(field, id, fmt.Sprintf("%s contains invalid characters", field))
		}
	}
	return nil
}

// ValidateMessageContent bounds the text of a chat message in characters
func ValidateMessageContent(content string) error {
	if !utf8.ValidString(content) {
		return errors.NewValidationError("content", "", "content is not valid UTF-8")
	}
	return ValidateStringLength(content, "content", 0, constants.MaxMessageLength)
}

// ValidateStringLength validates string length, in characters, against bounds
func ValidateStringLength(value, fieldName string, minLength, maxLength int) error {
	n := utf8.RuneCountInString(value)
	if n < minLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too short (min %d characters)", fieldName, minLength))
	}
	if n > maxLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too long (max %d characters)", fieldName, maxLength))
	}
	return nil
}

// LimitRequestBody caps how much of a debug API request body is read
func LimitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxRequestBodyBytes)
}
