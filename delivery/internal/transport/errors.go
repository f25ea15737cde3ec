package transport

import (
	"errors"
	"fmt"
)

// ErrTransient and ErrPermanent classify delivery failures.
var (
	ErrTransient = errors.New("transient error")
	ErrPermanent = errors.New("permanent error")
)

// Error is a classified transport failure. Its message is what gets
// recorded against the events, so it never embeds the credential.
type Error struct {
	Kind       error
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	return wrap(ErrTransient, err)
}

// WrapPermanent annotates an error as permanent.
func WrapPermanent(err error) error {
	return wrap(ErrPermanent, err)
}

func wrap(kind, err error) error {
	if err == nil {
		return &Error{Kind: kind, Message: kind.Error()}
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

func statusError(kind error, status int, msg string) error {
	return &Error{Kind: kind, StatusCode: status, Message: fmt.Sprintf("status %d: %s", status, msg)}
}

// IsPermanent reports whether err was classified permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// IsTransient reports whether err was classified transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
