package entity

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so transports can map them to responses.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindState      ErrorKind = "state"
	KindNotFound   ErrorKind = "not_found"
	KindProvider   ErrorKind = "provider"
	KindPolicy     ErrorKind = "policy"
)

type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func ValidationError(format string, args ...any) *Error {
	return NewError(KindValidation, format, args...)
}

func StateError(format string, args ...any) *Error {
	return NewError(KindState, format, args...)
}

func NotFoundError(format string, args ...any) *Error {
	return NewError(KindNotFound, format, args...)
}

func PolicyError(format string, args ...any) *Error {
	return NewError(KindPolicy, format, args...)
}

// KindOf returns the kind of the outermost *Error in the chain, or "" when
// err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
