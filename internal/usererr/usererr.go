// Package usererr distinguishes errors the user can fix themselves from
// internal failures. User errors are caught at the top level and printed with
// remediation guidance; everything else propagates with full context.
package usererr

import (
	"errors"
	"fmt"
)

// Error is an actionable, expected failure: bad input images, missing
// external tools, configuration mistakes. The run terminates with a non-zero
// status and no partial output.
type Error struct {
	Message string
	Cause   error
}

// New formats a new user error.
func New(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new user error.
func Wrap(cause error, format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err is (or wraps) a user error.
func Is(err error) bool {
	var ue *Error
	return errors.As(err, &ue)
}
