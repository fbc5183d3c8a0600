// Package apperr holds the error taxonomy shared by the booking core.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrExternal   = errors.New("external service failure")
)

// Error is a structured, user-visible failure. It unwraps to one of the
// sentinel kinds above so callers can branch with errors.Is.
type Error struct {
	Kind          error
	Code          string
	Message       string
	Field         string
	CurrentStatus string
	cause         error
}

func (e *Error) Error() string {
	if e.CurrentStatus != "" {
		return fmt.Sprintf("%s: %s (current status %s)", e.Code, e.Message, e.CurrentStatus)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.cause != nil {
		return []error{e.Kind, e.cause}
	}
	return []error{e.Kind}
}

func Validation(field, msg string) *Error {
	return &Error{Kind: ErrValidation, Code: "validation_error", Field: field, Message: msg}
}

func Conflict(code, msg string) *Error {
	return &Error{Kind: ErrConflict, Code: code, Message: msg}
}

// StatusConflict reports an illegal transition and names the status the
// record is actually in so clients can reconcile stale state.
func StatusConflict(current, msg string) *Error {
	return &Error{Kind: ErrConflict, Code: "invalid_status_transition", Message: msg, CurrentStatus: current}
}

func NotFound(what, id string) *Error {
	return &Error{Kind: ErrNotFound, Code: what + "_not_found", Message: fmt.Sprintf("%s %s not found", what, id)}
}

func External(service string, err error) *Error {
	return &Error{Kind: ErrExternal, Code: service + "_unavailable", Message: err.Error(), cause: err}
}

// As extracts the structured error from a chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
