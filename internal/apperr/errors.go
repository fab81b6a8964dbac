// Package apperr defines the error taxonomy shared by the engine, chat router and HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindConflict
	KindDependency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindDependency:
		return "dependency"
	default:
		return "unknown"
	}
}

// Error carries a taxonomy kind, a stable machine code and a user-facing message.
// Err holds the underlying cause and is never rendered to clients.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetails returns a copy of e with the given detail attached.
func (e *Error) WithDetails(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Validation(code, msg string) *Error { return newError(KindValidation, code, msg) }

func Validationf(code, format string, args ...any) *Error {
	return newError(KindValidation, code, fmt.Sprintf(format, args...))
}

func Authentication(msg string) *Error { return newError(KindAuthentication, "unauthorized", msg) }

func Authorization(msg string) *Error { return newError(KindAuthorization, "forbidden", msg) }

func NotFound(entity string) *Error {
	return newError(KindNotFound, "not_found", entity+" not found")
}

func Conflict(code, msg string) *Error { return newError(KindConflict, code, msg) }

// Dependency wraps a store or provider failure. The message shown to clients stays generic.
func Dependency(code string, err error) *Error {
	if code == "" {
		code = "dependency_failure"
	}
	return &Error{Kind: KindDependency, Code: code, Message: "upstream dependency failed", Err: err}
}

// KindOf reports the taxonomy kind of err, or KindUnknown if err carries none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// CodeOf returns the machine code carried by err, if any.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}
