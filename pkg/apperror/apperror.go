// Package apperror defines the error kinds shared by every billing component.
package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can react without matching on messages.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindInvalidState Kind = "invalid_state"
	KindValidation   Kind = "validation"
	KindConcurrency  Kind = "concurrency"
	KindNotification Kind = "notification"
	KindInternal     Kind = "internal"
)

// Kind sentinels. errors.Is(err, ErrNotFound) is true for every *Error of that kind.
var (
	ErrNotFound     = &Error{Kind: KindNotFound, Code: "not_found"}
	ErrInvalidState = &Error{Kind: KindInvalidState, Code: "invalid_state"}
	ErrValidation   = &Error{Kind: KindValidation, Code: "validation_error"}
	ErrConcurrency  = &Error{Kind: KindConcurrency, Code: "concurrency_conflict"}
	ErrNotification = &Error{Kind: KindNotification, Code: "notification_failed"}
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a kind and code to an underlying error.
func Wrap(kind Kind, code string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Message: err.Error(), Err: err}
}

// Withf returns a copy of e carrying a more specific message. The copy still
// matches e through errors.Is.
func (e *Error) Withf(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: fmt.Sprintf(format, args...), Err: e}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches kind sentinels (no code set beyond the kind default) by kind and
// every other *Error by identity of kind and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil {
		return false
	}
	if isKindSentinel(t) {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func isKindSentinel(e *Error) bool {
	switch e {
	case ErrNotFound, ErrInvalidState, ErrValidation, ErrConcurrency, ErrNotification:
		return true
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the user facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
