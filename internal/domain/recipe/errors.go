package recipe

import (
	"errors"
	"fmt"
)

// ErrMalformed classifies every recipe validation failure.
var ErrMalformed = errors.New("malformed recipe")

// MalformedError names the offending field of an invalid recipe.
// It matches ErrMalformed with errors.Is.
type MalformedError struct {
	// Recipe is the recipe name, when known.
	Recipe string
	// Field is the document key that failed validation.
	Field string
	// Reason describes the failure.
	Reason string
	// Err is the underlying cause, if any.
	Err error
}

// Error renders the failure with recipe and field context.
func (e *MalformedError) Error() string {
	msg := ErrMalformed.Error()
	if e.Recipe != "" {
		msg += fmt.Sprintf(" %q", e.Recipe)
	}

	if e.Field != "" {
		msg += ": " + e.Field
	}

	msg += ": " + e.Reason

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Is reports whether target is ErrMalformed.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

// Unwrap returns the underlying cause.
func (e *MalformedError) Unwrap() error {
	return e.Err
}

func malformed(name, field, reason string) *MalformedError {
	return &MalformedError{
		Recipe: name,
		Field:  field,
		Reason: reason,
	}
}
