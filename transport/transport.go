// Package transport defines the link collaborator a benchmark peer runs on: peer discovery,
// connections, frame delivery and the status characteristic.
//
// Two links are provided: memlink, an in-process hub with configurable loss and delay, and
// udplink, which carries frames as UDP datagrams between hosts with a static peer table.
package transport

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotConnected indicates that a connection is closed or was severed.
	ErrNotConnected = errors.New("connection is not connected")

	// ErrClosed indicates that the transport was closed.
	ErrClosed = errors.New("transport closed")

	// ErrPeerNotFound indicates that a peer handle does not resolve to a reachable peer.
	ErrPeerNotFound = errors.New("peer not found")
)

// PeerHandle identifies a discovered peer.
type PeerHandle struct {
	// Name is the advertised peer name.
	Name string
	// Address is the link address used to connect.
	Address string
}

func (p PeerHandle) String() string { return p.Name + "@" + p.Address }

// ReceiveFunc is invoked by the transport on every inbound frame, from a transport goroutine.
// data must not be retained after the call returns.
type ReceiveFunc func(data []byte, arrival time.Time)

// StatusFunc returns the status snapshot answered to status queries.
type StatusFunc func() []byte

// Connection is an outgoing link to one peer.
type Connection interface {
	// Send writes one frame. expectResponse asks for an acknowledged write where the link supports it.
	Send(ctx context.Context, data []byte, expectResponse bool) error
	// IsConnected reports whether the connection can still carry frames.
	IsConnected() bool
	// Peer returns the handle the connection was made to.
	Peer() PeerHandle
	// Close disconnects. It is safe to call more than once.
	Close() error
}

// Transport is the link collaborator of a benchmark peer.
type Transport interface {
	// Discover returns the peers whose name matches pattern, scanning for at most timeout.
	Discover(ctx context.Context, pattern string, timeout time.Duration) ([]PeerHandle, error)
	// Connect opens and verifies a connection to peer.
	Connect(ctx context.Context, peer PeerHandle) (Connection, error)
	// OnReceive registers the inbound frame callback. Only the last registration is kept.
	OnReceive(fn ReceiveFunc)
	// SetStatusSource registers the status snapshot provider.
	SetStatusSource(fn StatusFunc)
	// ResetLinkInterface is a best-effort reset of the underlying link.
	ResetLinkInterface(ctx context.Context) error
	// Close releases the transport.
	Close() error
}

// Trusted reports whether name matches the trust pattern. A pattern is a name prefix; a
// trailing '*' is accepted and ignored.
func Trusted(pattern string, name string) bool {
	return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
}
