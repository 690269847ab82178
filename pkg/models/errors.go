package models

import (
	"errors"
	"fmt"
)

// ValidationError reports a bad configuration range, tool name, unknown
// parameter, or out-of-enum value. It is raised before any network call and
// is never retried.
type ValidationError struct {
	// Field names the offending field or parameter.
	Field string

	// Message is the human-readable description.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
	}
	return "validation: " + e.Message
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
