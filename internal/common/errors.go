package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure that can cross a package boundary.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindConfig         ErrorKind = "config"
	KindTransport      ErrorKind = "transport"
	KindProvider       ErrorKind = "provider"
	KindRelayExhausted ErrorKind = "relay_exhausted"
	KindAuth           ErrorKind = "auth"
	KindTokenInvalid   ErrorKind = "token_invalid"
)

type Error struct {
	Kind ErrorKind
	Op   string
	// Code is the provider's own error code, zero when not applicable.
	Code int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: k})
// works as a kind test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == ""
}

// KindOf returns the kind of the first *Error in err's chain, or "" when err
// carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
