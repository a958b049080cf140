package memlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-pingpong/transport"
)

type delivery struct {
	data []byte
	due  time.Time
}

// Endpoint is one peer attached to a Hub. It implements transport.Transport.
type Endpoint struct {
	hub  *Hub
	name string

	recv   atomic.Pointer[transport.ReceiveFunc]
	status atomic.Pointer[transport.StatusFunc]

	inbox  chan delivery
	stop   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
	conns  *xsync.MapOf[*conn, struct{}]

	discoverable    atomic.Bool
	missDiscoveries atomic.Int32
	failConnects    atomic.Int32
	failSends       atomic.Int32
	resets          atomic.Int32
}

var _ transport.Transport = (*Endpoint)(nil)

func newEndpoint(h *Hub, name string) *Endpoint {
	ep := &Endpoint{
		hub:   h,
		name:  name,
		inbox: make(chan delivery, inboxSize),
		stop:  make(chan struct{}),
		conns: xsync.NewMapOf[*conn, struct{}](),
	}
	ep.discoverable.Store(true)

	ep.wg.Add(1)
	go ep.deliverLoop()

	return ep
}

// Name returns the endpoint name.
func (ep *Endpoint) Name() string { return ep.name }

// SetDiscoverable controls whether other endpoints find this one in Discover.
func (ep *Endpoint) SetDiscoverable(v bool) { ep.discoverable.Store(v) }

// MissDiscoveries makes the next n Discover calls of this endpoint find nothing.
func (ep *Endpoint) MissDiscoveries(n int) { ep.missDiscoveries.Store(int32(n)) } //nolint:gosec

// FailConnects makes the next n Connect calls of this endpoint fail.
func (ep *Endpoint) FailConnects(n int) { ep.failConnects.Store(int32(n)) } //nolint:gosec

// FailSends makes the next n sends from this endpoint fail.
func (ep *Endpoint) FailSends(n int) { ep.failSends.Store(int32(n)) } //nolint:gosec

// Resets returns how many times ResetLinkInterface was called.
func (ep *Endpoint) Resets() int { return int(ep.resets.Load()) }

// Disconnect severs every connection opened by this endpoint.
func (ep *Endpoint) Disconnect() {
	ep.conns.Range(func(c *conn, _ struct{}) bool {
		c.connected.Store(false)
		return true
	})
}

// Discover returns the attached endpoints matching pattern. It rescans until one is found or
// timeout elapses.
func (ep *Endpoint) Discover(ctx context.Context, pattern string, timeout time.Duration) ([]transport.PeerHandle, error) {
	if ep.isClosed() {
		return nil, transport.ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	miss := ep.missDiscoveries.Add(-1) >= 0
	if !miss {
		ep.missDiscoveries.Store(0)
	}

	ticker := time.NewTicker(discoverPoll)
	defer ticker.Stop()

	for {
		if !miss {
			if peers := ep.hub.peers(ep.name, pattern); len(peers) > 0 {
				return peers, nil
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, nil
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Connect opens a connection to peer after reading its status.
func (ep *Endpoint) Connect(ctx context.Context, peer transport.PeerHandle) (transport.Connection, error) {
	if ep.isClosed() {
		return nil, transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ep.failConnects.Add(-1) >= 0 {
		return nil, fmt.Errorf("connect %s: simulated connect failure", peer)
	}
	ep.failConnects.Store(0)

	target, ok := ep.hub.endpoints.Load(peer.Name)
	if !ok || target.isClosed() {
		return nil, fmt.Errorf("connect %s: %w", peer, transport.ErrPeerNotFound)
	}
	_ = target.readStatus()

	c := &conn{from: ep, to: target, peer: peer}
	c.connected.Store(true)
	ep.conns.Store(c, struct{}{})

	return c, nil
}

// OnReceive registers the inbound frame callback.
func (ep *Endpoint) OnReceive(fn transport.ReceiveFunc) { ep.recv.Store(&fn) }

// SetStatusSource registers the status snapshot provider.
func (ep *Endpoint) SetStatusSource(fn transport.StatusFunc) { ep.status.Store(&fn) }

// ResetLinkInterface counts the reset and severs every connection of this endpoint.
func (ep *Endpoint) ResetLinkInterface(_ context.Context) error {
	ep.resets.Add(1)
	ep.Disconnect()

	return nil
}

// Close detaches the endpoint from its hub and stops delivery.
func (ep *Endpoint) Close() error {
	if !ep.closed.CompareAndSwap(false, true) {
		return nil
	}

	ep.Disconnect()
	close(ep.stop)
	ep.wg.Wait()
	ep.hub.detach(ep)

	return nil
}

func (ep *Endpoint) isClosed() bool { return ep.closed.Load() }

func (ep *Endpoint) readStatus() []byte {
	if fn := ep.status.Load(); fn != nil && *fn != nil {
		return (*fn)()
	}

	return []byte("{}")
}

func (ep *Endpoint) severTo(name string) {
	ep.conns.Range(func(c *conn, _ struct{}) bool {
		if c.to.name == name {
			c.connected.Store(false)
		}
		return true
	})
}

// deliver queues a copy of data for delivery after delay.
func (ep *Endpoint) deliver(ctx context.Context, data []byte, delay time.Duration) error {
	if ep.isClosed() {
		return transport.ErrNotConnected
	}

	frame := make([]byte, len(data))
	copy(frame, data)

	select {
	case ep.inbox <- delivery{data: frame, due: time.Now().Add(delay)}:
		return nil
	case <-ep.stop:
		return transport.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliverLoop hands inbox frames to the receive callback in FIFO order.
func (ep *Endpoint) deliverLoop() {
	defer ep.wg.Done()

	for {
		select {
		case <-ep.stop:
			return
		case d := <-ep.inbox:
			if wait := time.Until(d.due); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ep.stop:
					t.Stop()
					return
				case <-t.C:
				}
			}
			if fn := ep.recv.Load(); fn != nil && *fn != nil {
				(*fn)(d.data, time.Now())
			}
		}
	}
}

// conn is a one-way connection between two endpoints.
type conn struct {
	from      *Endpoint
	to        *Endpoint
	peer      transport.PeerHandle
	connected atomic.Bool
}

func (c *conn) Send(ctx context.Context, data []byte, expectResponse bool) error {
	if !c.IsConnected() {
		return transport.ErrNotConnected
	}

	if c.from.failSends.Add(-1) >= 0 {
		return errSimulatedWrite
	}
	c.from.failSends.Store(0)

	drop, delay := c.from.hub.sample(!expectResponse)
	if drop {
		return nil
	}

	if err := c.to.deliver(ctx, data, delay); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			c.connected.Store(false)
		}
		return err
	}

	return nil
}

func (c *conn) IsConnected() bool {
	return c.connected.Load() && !c.to.isClosed() && !c.from.isClosed()
}

func (c *conn) Peer() transport.PeerHandle { return c.peer }

func (c *conn) Close() error {
	c.connected.Store(false)
	c.from.conns.Delete(c)

	return nil
}
