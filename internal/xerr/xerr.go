// Package xerr gives every error the core returns a machine-checkable
// Kind, so callers (the HTTP adapter, the matching engine's retry loop)
// can branch on what happened instead of grepping an error string.
package xerr

import "fmt"

// Kind classifies the outcome of a failed call so a caller can branch
// on what happened instead of matching an error string.
type Kind string

const (
	Validation         Kind = "VALIDATION"
	Authorization      Kind = "FORBIDDEN"
	NotFound           Kind = "NOT_FOUND"
	InsufficientFunds  Kind = "INSUFFICIENT_FUNDS"
	InsufficientShares Kind = "INSUFFICIENT_SHARES"
	Conflict           Kind = "CONFLICT"
	Invariant          Kind = "INVARIANT"
)

// Error wraps an underlying cause with a Kind and a message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Kind-tagged error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds a Kind-tagged error around an existing cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ee, ok := err.(*Error); ok {
			e = ee
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
