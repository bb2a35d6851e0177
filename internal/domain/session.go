package domain

import (
	"context"
	"errors"
)

// ErrNotReady is returned by Session.Send when the underlying connection is
// not open.
var ErrNotReady = errors.New("session not ready")

// ErrLoggedOut is returned by Connector.Connect when the backend rejected
// the credentials permanently. It must not be retried.
var ErrLoggedOut = errors.New("logged out")

// ConnectionState is the lifecycle state reported by a session.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
)

// CloseReason explains why a session closed.
type CloseReason string

const (
	CloseLoggedOut  CloseReason = "logged_out"
	CloseConnection CloseReason = "connection_lost"
	CloseServer     CloseReason = "server_closed"
	CloseReplaced   CloseReason = "replaced"
	CloseUnknown    CloseReason = "unknown"
	CloseLocal      CloseReason = "local_close"
)

// Closure describes a session termination.
type Closure struct {
	Reason CloseReason
	Err    error
}

// LoggedOut reports whether the closure is a permanent logout that must
// not be followed by a reconnect.
func (c Closure) LoggedOut() bool {
	return c.Reason == CloseLoggedOut
}

// EventType discriminates session events.
type EventType string

const (
	EventState   EventType = "state"
	EventMessage EventType = "message"
)

// Event is one item of a session's event stream: either a connection state
// change or an inbound message.
type Event struct {
	Type    EventType
	State   ConnectionState
	Closure *Closure      // set when State is StateClosed
	Message *InboundEvent // set when Type is EventMessage
}

// Session is a live, authenticated handle to a messaging backend.
type Session interface {
	// Events delivers state changes and inbound messages in arrival order.
	// The channel is closed after the final StateClosed event.
	Events() <-chan Event

	// FetchMembership returns the current participants of a group.
	FetchMembership(ctx context.Context, conversationID string) (Membership, error)

	// Send delivers a message. It returns ErrNotReady if the connection is not open.
	Send(ctx context.Context, msg OutboundMessage) error

	// Ready reports whether the underlying connection is open.
	Ready() bool

	// SelfID is the agent's own participant identifier.
	SelfID() string

	// Close tears the session down.
	Close() error
}

// Connector establishes sessions.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}
