package client

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures the UI reacts to differently.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindUnauthenticated ErrorKind = "unauthenticated"
	KindNotAuthorized   ErrorKind = "not_authorized"
	KindNotFound        ErrorKind = "not_found"
	KindTransient       ErrorKind = "transient"
	KindUnexpected      ErrorKind = "unexpected"
)

// APIError is returned by every API call that did not succeed.
type APIError struct {
	Kind    ErrorKind
	Status  int
	Message string
	Field   string
	Err     error
}

func (e *APIError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s (%d): %s: %s", e.Kind, e.Status, e.Field, e.Message)
	default:
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of an *APIError, or KindUnexpected.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnexpected
}

// IsTransient reports whether retrying the same request may succeed.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

var (
	ErrAlreadyOpen  = errors.New("view already open")
	ErrNotOpen      = errors.New("view not open")
	ErrNotConnected = errors.New("realtime connection is down")
)
