// Package udplink carries benchmark frames as UDP datagrams.
//
// Every peer listens on one UDP socket. Peers are known from a static table instead of radio
// scanning; Discover probes each table entry with a status request and keeps the ones that
// answer. A status request is the datagram "?STATUS", answered with "!STATUS" followed by the
// status JSON. Every other datagram is a frame.
package udplink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/arloliu/go-pingpong/internal/pool"
	"github.com/arloliu/go-pingpong/internal/task"
	"github.com/arloliu/go-pingpong/logger"
	"github.com/arloliu/go-pingpong/transport"
)

var (
	statusRequest = []byte("?STATUS")
	statusReply   = []byte("!STATUS")
)

const (
	defaultWriteTimeout  = time.Second
	defaultStatusTimeout = time.Second
	readPoll             = 200 * time.Millisecond
	maxDatagram          = 64 * 1024
)

// Config configures a Link.
type Config struct {
	// Name is the name of this peer; it is never returned by Discover.
	Name string
	// Listen is the local UDP address, e.g. ":9000".
	Listen string
	// Peers is the static peer table.
	Peers []transport.PeerHandle
	// ResetCommand is run by ResetLinkInterface before the socket is rebound, e.g.
	// []string{"sh", "-c", "hciconfig hci0 down && hciconfig hci0 up"}. Optional.
	ResetCommand []string
	// WriteTimeout bounds writes of frames sent with expectResponse. Default 1s.
	WriteTimeout time.Duration
	// StatusTimeout bounds one status request. Default 1s.
	StatusTimeout time.Duration
	// Logger defaults to logger.GetLogger().
	Logger logger.Logger
}

// Link is a UDP transport. It implements transport.Transport.
type Link struct {
	cfg    Config
	logger logger.Logger

	mu      sync.Mutex // protects sock replacement and peers
	sock    atomic.Pointer[net.UDPConn]
	peers   []transport.PeerHandle
	writeMu sync.Mutex

	recv    atomic.Pointer[transport.ReceiveFunc]
	status  atomic.Pointer[transport.StatusFunc]
	pending *xsync.MapOf[string, chan []byte]

	taskMgr *task.Manager
	closed  atomic.Bool
}

var _ transport.Transport = (*Link)(nil)

// New binds the listen socket and starts the reader task.
func New(ctx context.Context, cfg Config) (*Link, error) {
	if cfg.Name == "" {
		return nil, errors.New("peer name is empty")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = defaultStatusTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}

	sock, err := listen(cfg.Listen)
	if err != nil {
		return nil, err
	}

	l := &Link{
		cfg:     cfg,
		logger:  cfg.Logger.With("link", "udp", "listen", sock.LocalAddr().String()),
		peers:   append([]transport.PeerHandle(nil), cfg.Peers...),
		pending: xsync.NewMapOf[string, chan []byte](),
		taskMgr: task.NewManager(ctx, cfg.Logger),
	}
	l.sock.Store(sock)

	buf := make([]byte, maxDatagram)
	if err := l.taskMgr.Start("udpReader", func() bool { return l.readOnce(buf) }, nil); err != nil {
		_ = sock.Close()
		return nil, err
	}

	return l, nil
}

func listen(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %q: %w", addr, err)
	}
	sock, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", addr, err)
	}

	return sock, nil
}

// LocalAddr returns the bound socket address.
func (l *Link) LocalAddr() net.Addr { return l.sock.Load().LocalAddr() }

// AddPeer appends an entry to the static peer table.
func (l *Link) AddPeer(peer transport.PeerHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers = append(l.peers, peer)
}

// Discover probes every table entry matching pattern in parallel and returns those answering a
// status request within timeout.
func (l *Link) Discover(ctx context.Context, pattern string, timeout time.Duration) ([]transport.PeerHandle, error) {
	if l.closed.Load() {
		return nil, transport.ErrClosed
	}

	l.mu.Lock()
	candidates := make([]transport.PeerHandle, 0, len(l.peers))
	for _, p := range l.peers {
		if p.Name != l.cfg.Name && transport.Trusted(pattern, p.Name) {
			candidates = append(candidates, p)
		}
	}
	l.mu.Unlock()

	found := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range candidates {
		g.Go(func() error {
			addr, err := net.ResolveUDPAddr("udp", p.Address)
			if err != nil {
				l.logger.Warn("skip peer with invalid address", "peer", p.Name, "address", p.Address, "error", err)
				return nil
			}
			if _, err := l.readStatus(gctx, addr, min(timeout, l.cfg.StatusTimeout)); err == nil {
				found[i] = true
			}

			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	peers := make([]transport.PeerHandle, 0, len(candidates))
	for i, ok := range found {
		if ok {
			peers = append(peers, candidates[i])
		}
	}

	return peers, nil
}

// Connect verifies peer with a status request and returns a connection to it.
func (l *Link) Connect(ctx context.Context, peer transport.PeerHandle) (transport.Connection, error) {
	if l.closed.Load() {
		return nil, transport.ErrClosed
	}

	addr, err := net.ResolveUDPAddr("udp", peer.Address)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", peer, err)
	}
	if _, err := l.readStatus(ctx, addr, l.cfg.StatusTimeout); err != nil {
		return nil, fmt.Errorf("connect %s: status check: %w", peer, err)
	}

	c := &conn{link: l, peer: peer, addr: addr}
	c.connected.Store(true)

	return c, nil
}

// ReadStatus requests the status snapshot of peer.
func (l *Link) ReadStatus(ctx context.Context, peer transport.PeerHandle) ([]byte, error) {
	addr, err := net.ResolveUDPAddr("udp", peer.Address)
	if err != nil {
		return nil, err
	}

	return l.readStatus(ctx, addr, l.cfg.StatusTimeout)
}

// OnReceive registers the inbound frame callback.
func (l *Link) OnReceive(fn transport.ReceiveFunc) { l.recv.Store(&fn) }

// SetStatusSource registers the status snapshot provider.
func (l *Link) SetStatusSource(fn transport.StatusFunc) { l.status.Store(&fn) }

// ResetLinkInterface runs the configured reset command, then rebinds the socket on the same address.
func (l *Link) ResetLinkInterface(ctx context.Context) error {
	if l.closed.Load() {
		return transport.ErrClosed
	}

	var errs []error
	if len(l.cfg.ResetCommand) > 0 {
		cmd := exec.CommandContext(ctx, l.cfg.ResetCommand[0], l.cfg.ResetCommand[1:]...) //nolint:gosec
		out, err := cmd.CombinedOutput()
		if err != nil {
			l.logger.Warn("link reset command failed", "command", l.cfg.ResetCommand, "output", string(bytes.TrimSpace(out)), "error", err)
			errs = append(errs, fmt.Errorf("reset command: %w", err))
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	old := l.sock.Load()
	addr := old.LocalAddr().String()
	_ = old.Close()

	sock, err := listen(addr)
	if err != nil {
		errs = append(errs, err)
		return errors.Join(errs...)
	}
	l.sock.Store(sock)
	l.logger.Info("link interface reset", "address", addr)

	return errors.Join(errs...)
}

// Close stops the reader task and closes the socket.
func (l *Link) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	l.taskMgr.Stop()
	err := l.sock.Load().Close()
	l.taskMgr.Wait()

	return err
}

// readOnce handles one datagram. It returns false once the link is closed.
func (l *Link) readOnce(buf []byte) bool {
	if l.closed.Load() {
		return false
	}

	sock := l.sock.Load()
	_ = sock.SetReadDeadline(time.Now().Add(readPoll))
	n, from, err := sock.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		if errors.Is(err, net.ErrClosed) {
			// the socket is replaced by a reset unless the link is closing
			return !l.closed.Load()
		}
		l.logger.Debug("read datagram failed", "error", err)

		return true
	}

	arrival := time.Now()
	data := buf[:n]

	switch {
	case bytes.Equal(data, statusRequest):
		l.answerStatus(sock, from)
	case bytes.HasPrefix(data, statusReply):
		if ch, ok := l.pending.Load(from.String()); ok {
			reply := append([]byte(nil), data[len(statusReply):]...)
			select {
			case ch <- reply:
			default:
			}
		}
	default:
		if fn := l.recv.Load(); fn != nil && *fn != nil {
			(*fn)(data, arrival)
		}
	}

	return true
}

func (l *Link) answerStatus(sock *net.UDPConn, to *net.UDPAddr) {
	status := []byte("{}")
	if fn := l.status.Load(); fn != nil && *fn != nil {
		status = (*fn)()
	}

	reply := make([]byte, 0, len(statusReply)+len(status))
	reply = append(reply, statusReply...)
	reply = append(reply, status...)
	if err := l.write(sock, reply, to, l.cfg.WriteTimeout); err != nil {
		l.logger.Debug("answer status failed", "to", to.String(), "error", err)
	}
}

func (l *Link) readStatus(ctx context.Context, addr *net.UDPAddr, timeout time.Duration) ([]byte, error) {
	key := addr.String()
	ch := make(chan []byte, 1)
	l.pending.Store(key, ch)
	defer l.pending.Delete(key)

	if err := l.write(l.sock.Load(), statusRequest, addr, l.cfg.WriteTimeout); err != nil {
		return nil, err
	}

	t := pool.GetTimer(timeout)
	defer pool.PutTimer(t)

	select {
	case status := <-ch:
		return status, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, fmt.Errorf("status request to %s: %w", key, context.DeadlineExceeded)
	}
}

// write sends one datagram. A zero timeout clears the write deadline.
func (l *Link) write(sock *net.UDPConn, data []byte, to *net.UDPAddr, timeout time.Duration) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := sock.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := sock.WriteToUDP(data, to)

	return err
}

type conn struct {
	link      *Link
	peer      transport.PeerHandle
	addr      *net.UDPAddr
	connected atomic.Bool
}

func (c *conn) Send(ctx context.Context, data []byte, expectResponse bool) error {
	if !c.IsConnected() {
		return transport.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var timeout time.Duration
	if expectResponse {
		timeout = c.link.cfg.WriteTimeout
	}

	if err := c.link.write(c.link.sock.Load(), data, c.addr, timeout); err != nil {
		if errors.Is(err, net.ErrClosed) && c.link.closed.Load() {
			c.connected.Store(false)
		}
		return fmt.Errorf("send to %s: %w", c.peer, err)
	}

	return nil
}

func (c *conn) IsConnected() bool { return c.connected.Load() && !c.link.closed.Load() }

func (c *conn) Peer() transport.PeerHandle { return c.peer }

func (c *conn) Close() error {
	c.connected.Store(false)
	return nil
}
