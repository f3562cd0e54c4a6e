package client

import "errors"

var (
	// ErrNotAuthenticated is returned when an action requires a credential
	// and none is available. Fatal to the session: no publish is attempted.
	ErrNotAuthenticated = errors.New("no valid credential available")

	// ErrEmptyMessage is returned by SendMessage for empty or
	// whitespace-only content. The transport is never contacted.
	ErrEmptyMessage = errors.New("message content is empty")

	// ErrNotConnected is returned when an outbound action needs a live
	// connection and there is none.
	ErrNotConnected = errors.New("not connected")

	// ErrSessionClosed is returned once the session has reached the
	// terminal Closed state. A new login produces a fresh session.
	ErrSessionClosed = errors.New("session is closed")

	// ErrAlreadyStarted is returned by Start when the session has left
	// the Disconnected state before.
	ErrAlreadyStarted = errors.New("session already started")
)
