package event

import (
	"errors"
	"fmt"
)

// ErrNotObject is returned when the body is not a JSON object.
var ErrNotObject = errors.New("payload is not a JSON object")

// FieldError reports a missing or mistyped field inside one payload variant.
type FieldError struct {
	Kind  Kind
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: field %q: %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: missing field %q", e.Kind, e.Field)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func missing(kind Kind, field string) error {
	return &FieldError{Kind: kind, Field: field}
}

func invalid(kind Kind, field string, err error) error {
	return &FieldError{Kind: kind, Field: field, Err: err}
}
