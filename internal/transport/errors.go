package transport

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a transport failure.
type ErrorKind string

const (
	ConnectFailed ErrorKind = "CONNECT_FAILED"
	SendFailed    ErrorKind = "SEND_FAILED"
	Disconnected  ErrorKind = "DISCONNECTED"
)

// ErrSessionClosed is returned by Connect after Close.
var ErrSessionClosed = errors.New("transport session closed")

// Error is returned by Connect and Send.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: %s", e.Kind)
	}
	return fmt.Sprintf("transport: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsDisconnected reports whether err means the session was not connected.
func IsDisconnected(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == Disconnected
}
