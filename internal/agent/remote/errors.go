package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed call so workers know whether to retry, drop or
// give up on the session.
type Kind int

const (
	// KindNetwork covers transport failures, timeouts, 5xx responses and
	// malformed bodies. Always retryable.
	KindNetwork Kind = iota
	// KindAuth is a rejected or expired token (401/403).
	KindAuth
	// KindValidation is a payload the server will never accept (400/422 or an
	// explicit status:false rejection).
	KindValidation
	// KindRemoteState is a session or employee the server no longer knows (404).
	KindRemoteState
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindRemoteState:
		return "remote_state"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s error (HTTP %d): %s", e.Op, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed on a later cycle.
func (e *Error) Retryable() bool { return e.Kind == KindNetwork }

func kindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func IsNetwork(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNetwork
}

func IsAuth(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuth
}

func IsValidation(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindValidation
}

func IsRemoteState(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRemoteState
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindRemoteState
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity ||
		status == http.StatusRequestEntityTooLarge:
		return KindValidation
	default:
		return KindNetwork
	}
}
