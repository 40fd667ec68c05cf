package messaging

import (
	"errors"
	"fmt"
)

var ErrNotAuthorized = errors.New("not a participant of this conversation")

// ValidationError rejects caller input. Field names the offending request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
