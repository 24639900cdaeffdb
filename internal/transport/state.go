package transport

import (
	"errors"
	"fmt"
)

// State is the connection state of a Transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosedError
	StateClosedClean
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedError:
		return "closed-with-error"
	case StateClosedClean:
		return "closed-clean"
	default:
		return "unknown"
	}
}

// Closed reports whether s is terminal.
func (s State) Closed() bool {
	return s == StateClosedError || s == StateClosedClean
}

// CloseReason tells an observer why the transport closed.
type CloseReason int

const (
	CloseClean CloseReason = iota
	CloseError
)

func (r CloseReason) String() string {
	if r == CloseError {
		return "error"
	}
	return "clean"
}

// ErrAlreadyOpen matches any *AlreadyOpenError.
var ErrAlreadyOpen = errors.New("transport already opened")

// AlreadyOpenError is returned by Open on a transport that has been opened
// before. A transport owns exactly one connection for its lifetime;
// reconnecting means building a new one.
type AlreadyOpenError struct {
	State State
}

func (e *AlreadyOpenError) Error() string {
	return fmt.Sprintf("transport already opened (state %s)", e.State)
}

// Is lets errors.Is(err, ErrAlreadyOpen) match.
func (e *AlreadyOpenError) Is(target error) bool {
	return target == ErrAlreadyOpen
}

// TransportError wraps a socket failure reported through OnClose.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
