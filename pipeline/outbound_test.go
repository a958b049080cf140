package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arloliu/go-pingpong/internal/task"
	"github.com/arloliu/go-pingpong/logger"
	"github.com/arloliu/go-pingpong/message"
	"github.com/arloliu/go-pingpong/metrics"
	"github.com/stretchr/testify/require"
)

type sentFrame struct {
	data           string
	expectResponse bool
}

type fakeSender struct {
	mu       sync.Mutex
	frames   []sentFrame
	failNext int
	viable   atomic.Bool
}

func newFakeSender() *fakeSender {
	s := &fakeSender{}
	s.viable.Store(true)

	return s
}

func (s *fakeSender) Send(_ context.Context, data []byte, expectResponse bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return errors.New("link write failed")
	}
	s.frames = append(s.frames, sentFrame{data: string(data), expectResponse: expectResponse})

	return nil
}

func (s *fakeSender) Viable() bool { return s.viable.Load() }

func (s *fakeSender) sent() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]sentFrame(nil), s.frames...)
}

func (s *fakeSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.frames)
}

type outboundFixture struct {
	out      *Outbound
	sender   *fakeSender
	active   *atomic.Bool
	counters *metrics.Counters
	mgr      *task.Manager
}

func newOutboundFixture(t *testing.T, mutate func(*OutboundConfig)) *outboundFixture {
	t.Helper()

	f := &outboundFixture{
		sender:   newFakeSender(),
		active:   &atomic.Bool{},
		counters: &metrics.Counters{},
	}
	f.active.Store(true)

	cfg := OutboundConfig{
		Sender:   f.sender,
		Counters: f.counters,
		Active:   f.active,
		IFS:      100 * time.Microsecond,
		Logger:   logger.NewPermissiveMockLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	out, err := NewOutbound(cfg)
	require.NoError(t, err)
	f.out = out
	f.mgr = task.NewManager(context.Background(), logger.NewPermissiveMockLogger())
	t.Cleanup(func() {
		f.active.Store(false)
		f.mgr.Stop()
		f.mgr.Wait()
	})

	return f
}

func TestNewOutbound_Validation(t *testing.T) {
	active := &atomic.Bool{}

	_, err := NewOutbound(OutboundConfig{Active: active, IFS: time.Millisecond})
	require.Error(t, err)
	_, err = NewOutbound(OutboundConfig{Sender: newFakeSender(), IFS: time.Millisecond})
	require.Error(t, err)
	_, err = NewOutbound(OutboundConfig{Sender: newFakeSender(), Active: active})
	require.Error(t, err)
}

func TestOutbound_OrderAndResponseFlags(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newOutboundFixture(t, nil)
	ids := message.NewIDGenerator("P1")

	require.NoError(f.out.Enqueue(ctx, ids.NewRTS()))
	require.NoError(f.out.Enqueue(ctx, ids.NewPing(64)))
	require.NoError(f.out.Enqueue(ctx, ids.NewPing(64)))
	require.NoError(f.out.Enqueue(ctx, ids.NewCTS()))
	require.NoError(f.out.Start(f.mgr))

	require.Eventually(func() bool { return f.sender.sentCount() == 4 }, time.Second, time.Millisecond)

	sent := f.sender.sent()
	require.Equal("[P1_M_0][RTS][]", sent[0].data)
	require.True(sent[0].expectResponse)
	require.Len(sent[1].data, 64)
	require.True(sent[1].expectResponse, "first data frame of the run")
	require.Contains(sent[2].data, "[P1_M_2]")
	require.False(sent[2].expectResponse)
	require.Equal("[P1_M_3][CTS][]", sent[3].data)
	require.True(sent[3].expectResponse)
	require.EqualValues(4, f.counters.RunSent())

	f.out.ResetRun()
	require.NoError(f.out.Enqueue(ctx, ids.NewPing(64)))
	require.Eventually(func() bool { return f.sender.sentCount() == 5 }, time.Second, time.Millisecond)
	require.True(f.sender.sent()[4].expectResponse)
}

func TestOutbound_ManyFramesKeepOrder(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newOutboundFixture(t, nil)
	ids := message.NewIDGenerator("P1")
	require.NoError(f.out.Start(f.mgr))

	var expected []string
	for i := 0; i < 500; i++ {
		msg := ids.NewPing(0)
		expected = append(expected, string(message.Encode(msg)))
		require.NoError(f.out.Enqueue(ctx, msg))
	}

	require.Eventually(func() bool { return f.sender.sentCount() == 500 }, 2*time.Second, time.Millisecond)
	for i, frame := range f.sender.sent() {
		require.Equal(expected[i], frame.data)
	}
}

func TestOutbound_SendFailureWithViableLink(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newOutboundFixture(t, nil)
	f.sender.failNext = 1
	ids := message.NewIDGenerator("P1")

	require.NoError(f.out.Start(f.mgr))
	require.NoError(f.out.Enqueue(ctx, ids.NewPing(0)))
	require.NoError(f.out.Enqueue(ctx, ids.NewPing(0)))

	require.Eventually(func() bool { return f.sender.sentCount() == 1 }, time.Second, time.Millisecond)
	require.EqualValues(1, f.counters.SendErrors.Load())
	require.False(f.out.Dead())
	require.NoError(f.out.Err())
	require.Equal("[P1_M_1][DATA][PING]", f.sender.sent()[0].data)
}

func TestOutbound_SendFailureLosesLink(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newOutboundFixture(t, nil)
	f.sender.failNext = 1
	f.sender.viable.Store(false)

	require.NoError(f.out.Start(f.mgr))
	require.NoError(f.out.Enqueue(ctx, message.NewIDGenerator("P1").NewRTS()))

	select {
	case <-f.out.Done():
	case <-time.After(time.Second):
		require.Fail("pipeline did not stop")
	}
	require.True(f.out.Dead())
	require.ErrorIs(f.out.Err(), ErrLinkLost)
	require.ErrorIs(f.out.Enqueue(ctx, message.NewIDGenerator("P1").NewRTS()), ErrLinkLost)
	require.True(f.mgr.WaitTimeout(time.Second))
}

func TestOutbound_QueueFull(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newOutboundFixture(t, func(cfg *OutboundConfig) {
		cfg.QueueSize = 1
		cfg.EnqueueTimeout = 10 * time.Millisecond
	})
	ids := message.NewIDGenerator("P1")

	require.NoError(f.out.Enqueue(ctx, ids.NewPing(0)))
	start := time.Now()
	require.ErrorIs(f.out.Enqueue(ctx, ids.NewPing(0)), ErrQueueFull)
	require.GreaterOrEqual(time.Since(start), 10*time.Millisecond)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(f.out.Enqueue(canceled, ids.NewPing(0)), context.Canceled)

	require.Equal(1, f.out.Len())
	require.Equal(1, f.out.Drain())
	require.Zero(f.out.Len())
}

func TestOutbound_StopsWhenInactiveAndEmpty(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newOutboundFixture(t, nil)
	ids := message.NewIDGenerator("P1")
	for i := 0; i < 10; i++ {
		require.NoError(f.out.Enqueue(ctx, ids.NewPing(0)))
	}
	f.active.Store(false)
	require.NoError(f.out.Start(f.mgr))

	// queued frames are still sent before the task exits
	require.True(f.mgr.WaitTimeout(time.Second))
	require.Equal(10, f.sender.sentCount())
}

func TestOutbound_StrictPacing(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newOutboundFixture(t, func(cfg *OutboundConfig) {
		cfg.IFS = 5 * time.Millisecond
		cfg.StrictPacing = true
	})
	ids := message.NewIDGenerator("P1")
	for i := 0; i < 11; i++ {
		require.NoError(f.out.Enqueue(ctx, ids.NewPing(0)))
	}

	start := time.Now()
	require.NoError(f.out.Start(f.mgr))
	require.Eventually(func() bool { return f.sender.sentCount() == 11 }, 2*time.Second, time.Millisecond)
	require.GreaterOrEqual(time.Since(start), 45*time.Millisecond)
}

func TestOutbound_LogsFrames(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	dir := t.TempDir()
	csvLog := metrics.NewCSVLogger(100, logger.NewPermissiveMockLogger())
	require.NoError(csvLog.SetRun(filepath.Join(dir, "in.csv"), filepath.Join(dir, "out.csv")))

	f := newOutboundFixture(t, func(cfg *OutboundConfig) { cfg.Log = csvLog })
	ids := message.NewIDGenerator("P1")
	require.NoError(f.out.Start(f.mgr))
	require.NoError(f.out.Enqueue(ctx, ids.NewRTS()))
	require.NoError(f.out.Enqueue(ctx, ids.NewPing(32)))

	require.Eventually(func() bool { return csvLog.Buffered(message.Outbound) == 2 }, time.Second, time.Millisecond)
	require.Zero(csvLog.Buffered(message.Inbound))
}
