package client

import "github.com/kjnchat/kjnchat/pkg/protocol"

// ConnectionState represents where the session is in its connect lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// CloseReason records why a session reached the terminal Closed state.
type CloseReason int

const (
	CloseNone CloseReason = iota
	CloseLogout
	CloseAuthFailure
)

// DisconnectReason indicates why the transport was lost.
type DisconnectReason int

const (
	DisconnectUnknown DisconnectReason = iota
	DisconnectError                    // Read/write error
	DisconnectHeartbeat                // No traffic within the heartbeat window
	DisconnectServerClosed             // Broker closed the connection
	DisconnectUserRequested            // Explicit logout/disconnect
)

// ConnectionStateUpdate is pushed by the transport when its state changes
// outside a direct call (drop, reconnect attempt, reconnect success).
type ConnectionStateUpdate struct {
	State   ConnectionState
	Attempt int
	Reason  DisconnectReason
	Err     error
}

// Severity classifies a Notice for the UI layer.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// Event is anything the session reports to its UI. Consumers type-switch on
// the concrete types below.
type Event interface{ isEvent() }

// StateChanged reports a session connection-state transition.
type StateChanged struct {
	State  ConnectionState
	Reason CloseReason
}

// MessageAppended reports one message added to the active context's list.
type MessageAppended struct {
	Message protocol.Message
}

// MessageConfirmed reports a local echo reconciled with its server copy.
// ID is the confirmed message's identity after reconciliation.
type MessageConfirmed struct {
	ID      string
	LocalID string
}

// HistoryLoaded reports the active context's message list being replaced by
// fetched history (merged with anything that arrived in the overlap window).
type HistoryLoaded struct {
	ContextKey string
	Count      int
}

// TypingChanged reports the set of users currently typing in the active
// context.
type TypingChanged struct {
	Users []string
}

// RosterUpdated carries a refreshed active-user list.
type RosterUpdated struct {
	Users []User
}

// GroupsUpdated carries the user's refreshed group list.
type GroupsUpdated struct {
	Groups []Group
}

// MembersUpdated carries the active group's refreshed membership and the
// session user's admin flag for it.
type MembersUpdated struct {
	GroupID string
	Members []User
	IsAdmin bool
}

// Notice is an advisory surfaced to the user: transport trouble, a broker
// rejection, a decode failure. Auth failures additionally escalate through
// the session's auth-failure handler.
type Notice struct {
	Severity Severity
	Text     string
	Err      error
}

func (StateChanged) isEvent()     {}
func (MessageAppended) isEvent()  {}
func (MessageConfirmed) isEvent() {}
func (HistoryLoaded) isEvent()    {}
func (TypingChanged) isEvent()    {}
func (RosterUpdated) isEvent()    {}
func (GroupsUpdated) isEvent()    {}
func (MembersUpdated) isEvent()   {}
func (Notice) isEvent()           {}
