package bench

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/arloliu/go-pingpong/transport"
)

// ConnectionSet is the set of live connections of a peer, keyed by peer address.
// Every outbound frame is broadcast to all of them. It is safe for concurrent use.
type ConnectionSet struct {
	conns *xsync.MapOf[string, transport.Connection]
}

// NewConnectionSet creates an empty ConnectionSet.
func NewConnectionSet() *ConnectionSet {
	return &ConnectionSet{conns: xsync.NewMapOf[string, transport.Connection]()}
}

// Add stores c, closing a previous connection to the same address.
func (s *ConnectionSet) Add(c transport.Connection) {
	if prev, loaded := s.conns.LoadAndStore(c.Peer().Address, c); loaded && prev != c {
		_ = prev.Close()
	}
}

// Len returns the number of stored connections, connected or not.
func (s *ConnectionSet) Len() int { return s.conns.Size() }

// Peers returns the handles of the stored connections.
func (s *ConnectionSet) Peers() []transport.PeerHandle {
	peers := make([]transport.PeerHandle, 0, s.conns.Size())
	s.conns.Range(func(_ string, c transport.Connection) bool {
		peers = append(peers, c.Peer())
		return true
	})

	return peers
}

// Viable reports whether at least one connection can still carry frames.
func (s *ConnectionSet) Viable() bool {
	viable := false
	s.conns.Range(func(_ string, c transport.Connection) bool {
		viable = c.IsConnected()
		return !viable
	})

	return viable
}

// Send writes data to every connected peer. It succeeds when at least one peer accepted the frame.
func (s *ConnectionSet) Send(ctx context.Context, data []byte, expectResponse bool) error {
	targets := make([]transport.Connection, 0, 1)
	s.conns.Range(func(_ string, c transport.Connection) bool {
		if c.IsConnected() {
			targets = append(targets, c)
		}
		return true
	})

	switch len(targets) {
	case 0:
		return transport.ErrNotConnected
	case 1:
		return targets[0].Send(ctx, data, expectResponse)
	}

	var (
		g  errgroup.Group
		ok atomic.Int32
	)
	for _, c := range targets {
		g.Go(func() error {
			if err := c.Send(ctx, data, expectResponse); err != nil {
				return fmt.Errorf("send to %s: %w", c.Peer(), err)
			}
			ok.Add(1)

			return nil
		})
	}

	err := g.Wait()
	if ok.Load() > 0 {
		return nil
	}

	return err
}

// CloseAll closes and removes every connection.
func (s *ConnectionSet) CloseAll() error {
	var errs []error
	s.conns.Range(func(addr string, c transport.Connection) bool {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.Peer(), err))
		}
		s.conns.Delete(addr)

		return true
	})

	return errors.Join(errs...)
}
