// Package transport defines the byte-transport contract the session
// driver consumes (spec §6 Transport contract). Framing, length-
// prefixing, and the underlying socket are out of the protocol's scope;
// this package only fixes the interface shape. See transport/tcp for a
// reference implementation.
package transport

import (
	"context"

	"github.com/dantte-lp/attp/internal/frame"
)

// EventHandler is invoked once per frame the read loop decodes off the
// wire.
type EventHandler func(f frame.Frame)

// Conn is one established connection, client- or server-side.
type Conn interface {
	// Send writes a single frame, blocking until handed to the OS (or
	// failing with a transport error).
	Send(ctx context.Context, f frame.Frame) error
	// SendBatch writes multiple frames as one unit; transports that
	// cannot batch may implement it as a loop over Send.
	SendBatch(ctx context.Context, frames []frame.Frame) error
	// AddEventHandler registers the callback the read loop invokes per
	// decoded frame. Only one handler is supported; a second call
	// replaces the first.
	AddEventHandler(h EventHandler)
	// StartHandler begins dispatching decoded frames to the registered
	// event handler. Call after AddEventHandler.
	StartHandler(ctx context.Context) error
	// StartListener begins the read loop pulling frames off the wire.
	StartListener(ctx context.Context) error
	// StopListener halts the read loop without closing the underlying
	// socket.
	StopListener() error
	// Disconnect tears down the connection.
	Disconnect(ctx context.Context) error

	// SessionID is a transport-assigned identifier for this connection,
	// stable for its lifetime.
	SessionID() string
	// PeerAddr is the remote endpoint's address in display form.
	PeerAddr() string
}

// ConnHandler is invoked once per inbound Conn a server-mode Transport
// accepts. Registered before StartServer; only one handler is supported,
// a second call replaces the first.
type ConnHandler func(Conn)

// Transport accepts inbound connections and dials outbound ones.
type Transport interface {
	// AddConnHandler registers the callback StartServer invokes per
	// accepted connection. Call before StartServer.
	AddConnHandler(h ConnHandler)
	StartServer(ctx context.Context) error
	StopServer(ctx context.Context) error
	// Connect dials the configured remote, retrying up to maxRetries
	// times on failure.
	Connect(ctx context.Context, maxRetries int) (Conn, error)
}
