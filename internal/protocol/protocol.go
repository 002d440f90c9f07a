// Package protocol defines the capability the orchestration core needs from a
// messaging-protocol client library. Implementations own QR generation,
// framing, encryption and credential persistence.
package protocol

import (
	"context"
	"errors"
)

type EventType string

const (
	// EventQR carries a fresh pairing challenge in Event.QR.
	EventQR EventType = "qr"
	// EventConnecting reports that stored credentials are being used to log in.
	EventConnecting EventType = "connecting"
	// EventAuthenticated reports a fully usable connection.
	EventAuthenticated EventType = "authenticated"
	// EventDisconnected is terminal for the Conn that emitted it.
	EventDisconnected EventType = "disconnected"
	// EventCredsUpdated reports that credentials were persisted.
	EventCredsUpdated EventType = "creds-updated"
)

type Event struct {
	Type EventType
	QR   string
	// Reason is a human readable cause for EventDisconnected.
	Reason string
	// LoggedOut is set on EventDisconnected when the remote side revoked the
	// credentials; reconnecting with them will never succeed.
	LoggedOut bool
}

// Conn is a live protocol connection. Events is closed once the connection
// is gone.
type Conn interface {
	Events() <-chan Event
	Close(ctx context.Context) error
}

// Adapter opens protocol connections for a session. credentialsPath is the
// session's private directory for persisted credentials.
type Adapter interface {
	Open(ctx context.Context, sessionID, credentialsPath string) (Conn, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, sessionID, credentialsPath string) (Conn, error)

func (f AdapterFunc) Open(ctx context.Context, sessionID, credentialsPath string) (Conn, error) {
	return f(ctx, sessionID, credentialsPath)
}

var ErrClosed = errors.New("protocol connection closed")
