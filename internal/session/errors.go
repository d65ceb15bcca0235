package session

import (
	"errors"
	"fmt"
)

// Failure taxonomy. Transport-class errors (ErrTimeout, ErrDisconnected)
// are retried via backoff by the caller; AuthError is fatal and must not
// be retried; RejectionError is a broker-side protocol rejection surfaced
// to the caller, never retried blindly.
var (
	// ErrTimeout is returned when no response arrives within the
	// send-and-await window.
	ErrTimeout = errors.New("session: request timed out")

	// ErrDisconnected is returned when the reader detects a closed socket
	// while a request is in flight.
	ErrDisconnected = errors.New("session: disconnected")

	// ErrClosed is returned on any operation after Close.
	ErrClosed = errors.New("session: closed")

	// ErrNotConnected is returned when a request is made before Connect.
	ErrNotConnected = errors.New("session: not connected")

	// ErrReconnectFailed is surfaced when the bounded reconnect loop
	// exhausts its attempts. Requires operator action.
	ErrReconnectFailed = errors.New("session: reconnect attempts exhausted")
)

// AuthError is a fatal authentication failure (invalid credentials,
// expired token). Never retried automatically.
type AuthError struct {
	Stage  string // "app" or "account"
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("session: %s authentication rejected: %s", e.Stage, e.Reason)
}

// RejectionError is a broker-side rejection of a correlated request
// (distance too small, insufficient margin, unknown symbol).
type RejectionError struct {
	Code        uint32
	Description string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("session: broker rejected request (code %d): %s", e.Code, e.Description)
}

// UnexpectedPayloadError reports a response whose payload type does not
// match what the request expects.
type UnexpectedPayloadError struct {
	Got any
}

func (e *UnexpectedPayloadError) Error() string {
	return fmt.Sprintf("session: unexpected response payload %T", e.Got)
}
