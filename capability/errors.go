package capability

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package for an expected
// condition wraps exactly one of these; test with errors.Is.
var (
	ErrNotFound       = errors.New("capability: not found")
	ErrBlocked        = errors.New("capability: access blocked")
	ErrAccountBlocked = errors.New("capability: account blocked")
	ErrClientBlocked  = errors.New("capability: client blocked")
	ErrScopeMismatch  = errors.New("capability: scope mismatch")
	ErrConflict       = errors.New("capability: conflict")
	ErrBadInput       = errors.New("capability: bad input")
)

// Error carries a human readable message alongside its kind. Error()
// returns only the message so it can be shown to API callers as is.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.Kind }

// Errorf builds an *Error of the given kind.
func Errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Message returns the caller-facing message of err. Errors that are not
// *Error (store faults, I/O) yield an empty string so they are never
// leaked verbatim.
func Message(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	return ""
}

// Messages used by more than one component.
const (
	MsgNoAccess          = "No access with given token"
	MsgAccessBlocked     = "Access is blocked"
	MsgExpectedAccount   = "Expected an access token. Got a client token"
	MsgExpectedClient    = "Expected a client token. Got an access token"
	MsgAccountBlocked    = "Account is blocked"
	MsgClientBlocked     = "Client is blocked"
	MsgNoAccount         = "No account with given ID"
	MsgNoAccountForEmail = "No account with given email"
	MsgNoClient          = "No client with given ID"
)

// Outcome classifies err for metrics: ok, not_found, blocked,
// scope_mismatch, bad_input, conflict or error.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBlocked), errors.Is(err, ErrAccountBlocked), errors.Is(err, ErrClientBlocked):
		return "blocked"
	case errors.Is(err, ErrScopeMismatch):
		return "scope_mismatch"
	case errors.Is(err, ErrBadInput):
		return "bad_input"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
