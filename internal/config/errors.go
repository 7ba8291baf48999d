package config

import "fmt"

// FieldError names the offending configuration field and why it was
// rejected, so the CLI can report a precise diagnosis.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}
