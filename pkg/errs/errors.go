// Package errs holds the error taxonomy shared by the router, the store
// process and the clients. Errors are sentinels classified with errors.Is;
// the typed wrappers carry a human readable message that is safe to return
// to a caller.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrAuth             = errors.New("unauthorized")
	ErrInvalidSearch    = errors.New("invalid search")
	ErrInvalidIndicator = errors.New("invalid indicator")
	ErrNotFound         = errors.New("not found")
	ErrSubmissionFailed = errors.New("submission failed")
	ErrTimeout          = errors.New("timeout")
	ErrBusy             = errors.New("busy")
	ErrMalformed        = errors.New("malformed message")
	ErrUnknownType      = errors.New("unknown message type")
)

// BusyMessage is returned to clients when a downstream queue is saturated.
const BusyMessage = "The system is extremely busy at the moment, try again later."

// TimeoutMessage is returned to clients when a reply did not arrive in time.
const TimeoutMessage = "timeout waiting for reply"

// Error is a classified error with a caller safe message.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Kind }

// InvalidSearch returns an ErrInvalidSearch carrying msg.
func InvalidSearch(format string, args ...any) error {
	return &Error{Kind: ErrInvalidSearch, Msg: fmt.Sprintf(format, args...)}
}

// InvalidIndicator returns an ErrInvalidIndicator carrying msg.
func InvalidIndicator(format string, args ...any) error {
	return &Error{Kind: ErrInvalidIndicator, Msg: fmt.Sprintf(format, args...)}
}

// Auth returns an ErrAuth carrying msg.
func Auth(format string, args ...any) error {
	return &Error{Kind: ErrAuth, Msg: fmt.Sprintf(format, args...)}
}

// Message returns the message carried by err, or its text.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return err.Error()
}

// ReplyMessage maps an error to the message a client is allowed to see.
// Unclassified errors never leak their text.
func ReplyMessage(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return "unauthorized"
	case errors.Is(err, ErrInvalidSearch):
		return Message(err)
	case errors.Is(err, ErrInvalidIndicator):
		return "invalid indicator " + Message(err)
	case errors.Is(err, ErrBusy):
		return BusyMessage
	case errors.Is(err, ErrTimeout):
		return TimeoutMessage
	case errors.Is(err, ErrNotFound):
		return "not found"
	default:
		return "unknown failure"
	}
}
