package memlink

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-pingpong/transport"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu     sync.Mutex
	frames []string
}

func (in *inbox) receive(data []byte, _ time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.frames = append(in.frames, string(data))
}

func (in *inbox) snapshot() []string {
	in.mu.Lock()
	defer in.mu.Unlock()

	return append([]string(nil), in.frames...)
}

func newPair(t *testing.T) (*Hub, *Endpoint, *Endpoint) {
	t.Helper()

	hub := NewHub()
	a := hub.Endpoint("PiChat-A")
	b := hub.Endpoint("PiChat-B")
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	return hub, a, b
}

func TestDiscover(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	hub, a, _ := newPair(t)
	other := hub.Endpoint("Other")
	defer other.Close()

	peers, err := a.Discover(ctx, "PiChat-", time.Second)
	require.NoError(err)
	require.Equal([]transport.PeerHandle{{Name: "PiChat-B", Address: "mem://PiChat-B"}}, peers)

	a.MissDiscoveries(1)
	start := time.Now()
	peers, err = a.Discover(ctx, "PiChat-", 30*time.Millisecond)
	require.NoError(err)
	require.Empty(peers)
	require.GreaterOrEqual(time.Since(start), 30*time.Millisecond)

	peers, err = a.Discover(ctx, "PiChat-", time.Second)
	require.NoError(err)
	require.Len(peers, 1)
}

func TestDiscover_WaitsForPeer(t *testing.T) {
	require := require.New(t)

	hub := NewHub()
	a := hub.Endpoint("PiChat-A")
	defer a.Close()

	go func() {
		time.Sleep(30 * time.Millisecond)
		hub.Endpoint("PiChat-B")
	}()

	peers, err := a.Discover(context.Background(), "PiChat-", time.Second)
	require.NoError(err)
	require.Len(peers, 1)
	_ = hub.Endpoint("PiChat-B").Close()
}

func TestSendReceiveFIFO(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	hub, a, b := newPair(t)
	hub.SetSeed(1)
	hub.SetCondition(NetworkCondition{DelayMin: 0, DelayMax: 2 * time.Millisecond})

	recv := &inbox{}
	b.OnReceive(recv.receive)

	c, err := a.Connect(ctx, transport.PeerHandle{Name: "PiChat-B"})
	require.NoError(err)
	require.True(c.IsConnected())

	var expected []string
	for i := 0; i < 50; i++ {
		frame := "[PiChat-A_M_" + strconv.Itoa(i) + "][DATA][PING]"
		expected = append(expected, frame)
		require.NoError(c.Send(ctx, []byte(frame), false))
	}

	require.Eventually(func() bool { return len(recv.snapshot()) == 50 }, time.Second, time.Millisecond)
	require.Equal(expected, recv.snapshot())
}

func TestDropRateSparesAcknowledgedWrites(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	hub, a, b := newPair(t)
	hub.SetCondition(NetworkCondition{DropRate: 1})
	recv := &inbox{}
	b.OnReceive(recv.receive)

	c, err := a.Connect(ctx, transport.PeerHandle{Name: "PiChat-B"})
	require.NoError(err)

	require.NoError(c.Send(ctx, []byte("lost"), false))
	require.NoError(c.Send(ctx, []byte("acked"), true))

	require.Eventually(func() bool { return len(recv.snapshot()) == 1 }, time.Second, time.Millisecond)
	require.Equal([]string{"acked"}, recv.snapshot())
}

func TestFaultHooks(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	hub, a, _ := newPair(t)

	a.FailConnects(1)
	_, err := a.Connect(ctx, transport.PeerHandle{Name: "PiChat-B"})
	require.Error(err)

	_, err = a.Connect(ctx, transport.PeerHandle{Name: "missing"})
	require.ErrorIs(err, transport.ErrPeerNotFound)

	c, err := a.Connect(ctx, transport.PeerHandle{Name: "PiChat-B"})
	require.NoError(err)

	a.FailSends(2)
	require.Error(c.Send(ctx, []byte("x"), false))
	require.Error(c.Send(ctx, []byte("x"), false))
	require.NoError(c.Send(ctx, []byte("x"), false))

	hub.Sever("PiChat-B", "PiChat-A")
	require.False(c.IsConnected())
	require.ErrorIs(c.Send(ctx, []byte("x"), false), transport.ErrNotConnected)

	c, err = a.Connect(ctx, transport.PeerHandle{Name: "PiChat-B"})
	require.NoError(err)
	require.NoError(a.ResetLinkInterface(ctx))
	require.Equal(1, a.Resets())
	require.False(c.IsConnected())
}

func TestStatusAndInject(t *testing.T) {
	require := require.New(t)

	hub, a, _ := newPair(t)
	a.SetStatusSource(func() []byte { return []byte(`{"device_name":"PiChat-A"}`) })

	status, err := hub.ReadStatus("PiChat-A")
	require.NoError(err)
	require.JSONEq(`{"device_name":"PiChat-A"}`, string(status))

	status, err = hub.ReadStatus("PiChat-B")
	require.NoError(err)
	require.Equal("{}", string(status))

	recv := &inbox{}
	a.OnReceive(recv.receive)
	require.NoError(hub.Inject("PiChat-A", []byte("[X_M_0][RTS][]")))
	require.Eventually(func() bool { return len(recv.snapshot()) == 1 }, time.Second, time.Millisecond)
	require.ErrorIs(hub.Inject("nobody", nil), transport.ErrPeerNotFound)
}

func TestClose(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	hub, a, b := newPair(t)
	c, err := a.Connect(ctx, transport.PeerHandle{Name: "PiChat-B"})
	require.NoError(err)

	require.NoError(b.Close())
	require.False(c.IsConnected())
	require.ErrorIs(c.Send(ctx, []byte("x"), false), transport.ErrNotConnected)

	_, err = hub.ReadStatus("PiChat-B")
	require.ErrorIs(err, transport.ErrPeerNotFound)

	peers, err := a.Discover(ctx, "PiChat-", 20*time.Millisecond)
	require.NoError(err)
	require.Empty(peers)

	// the name can be attached again
	fresh := hub.Endpoint("PiChat-B")
	defer fresh.Close()
	require.NotSame(b, fresh)
}
