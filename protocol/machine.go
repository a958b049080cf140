package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-pingpong/logger"
	"github.com/arloliu/go-pingpong/message"
	"github.com/arloliu/go-pingpong/metrics"
)

// Enqueuer accepts outbound frames. It is implemented by the outbound pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *message.Message) error
}

// MachineConfig holds the collaborators of a Machine.
type MachineConfig struct {
	// IDs authors the reply frames; its peer name is the name of this machine.
	IDs *message.IDGenerator
	// Out receives the reply frames.
	Out Enqueuer
	// Counters is incremented for every dispatched frame. Optional.
	Counters *metrics.Counters
	// FrameSize is the padding target of PONG replies.
	FrameSize int
	// Logger defaults to logger.GetLogger().
	Logger logger.Logger
}

// Status is a snapshot of the arbitration state.
type Status struct {
	Phase       Phase
	Role        Role
	ClearToSend bool
	TestActive  bool
}

// Machine is the protocol state machine of one peer.
//
// Received frames and run controller commands are serialized by one mutex, so the reply
// frames they queue keep the order of the transitions that produced them. Readers use Phase,
// TestActive and Status, which never block.
type Machine struct {
	self      string
	ids       *message.IDGenerator
	out       Enqueuer
	counters  *metrics.Counters
	frameSize int
	logger    logger.Logger
	state     *StateMgr

	dispatchMu   sync.Mutex
	testActive   atomic.Bool
	pongSent     atomic.Bool
	firstControl atomic.Bool
	firstData    atomic.Bool
	earlyRTS     atomic.Bool

	controlSeen atomic.Pointer[latch]
	dataSeen    atomic.Pointer[latch]
}

// NewMachine creates an idle Machine.
func NewMachine(cfg MachineConfig) (*Machine, error) {
	if cfg.IDs == nil {
		return nil, errors.New("id generator is nil")
	}
	if cfg.Out == nil {
		return nil, errors.New("outbound enqueuer is nil")
	}
	if cfg.Counters == nil {
		cfg.Counters = &metrics.Counters{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}

	m := &Machine{
		self:      cfg.IDs.Peer(),
		ids:       cfg.IDs,
		out:       cfg.Out,
		counters:  cfg.Counters,
		frameSize: cfg.FrameSize,
		logger:    cfg.Logger,
	}
	m.state = NewStateMgr(cfg.Logger)
	m.controlSeen.Store(newLatch())
	m.dataSeen.Store(newLatch())

	return m, nil
}

// Self returns the name of this peer.
func (m *Machine) Self() string { return m.self }

// Phase returns the current phase.
func (m *Machine) Phase() Phase { return m.state.Phase() }

// TestActive reports whether a run is in progress.
func (m *Machine) TestActive() bool { return m.testActive.Load() }

// Status returns a snapshot of the arbitration state.
func (m *Machine) Status() Status {
	p := m.state.Phase()
	return Status{
		Phase:       p,
		Role:        p.Role(),
		ClearToSend: p.ClearToSend(),
		TestActive:  m.testActive.Load(),
	}
}

// OnPhaseChange registers a handler invoked on every phase change.
func (m *Machine) OnPhaseChange(h PhaseChangeHandler) { m.state.AddHandler(h) }

// WaitPhase waits until pred holds for the current phase or ctx is done.
func (m *Machine) WaitPhase(ctx context.Context, pred func(Phase) bool) error {
	return m.state.WaitPhase(ctx, pred)
}

// ControlSeen is closed once the first RTS or CTS of the current run was dispatched.
func (m *Machine) ControlSeen() <-chan struct{} { return m.controlSeen.Load().ch }

// DataSeen is closed once the first data frame of the current run was dispatched.
func (m *Machine) DataSeen() <-chan struct{} { return m.dataSeen.Load().ch }

// BeginRun resets the per-run state and enters Undetermined.
//
// If an RTS was answered while idle the peer stays ResponderWaiting and ControlSeen is
// closed right away.
func (m *Machine) BeginRun() {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.pongSent.Store(false)
	m.firstControl.Store(false)
	m.firstData.Store(false)
	m.controlSeen.Store(newLatch())
	m.dataSeen.Store(newLatch())

	if m.earlyRTS.Swap(false) && m.state.Phase() == ResponderWaiting {
		m.logger.Info("run starts as responder, RTS received before run start")
		m.controlSeen.Load().fire()
	} else {
		_, _, _, _ = m.state.Apply(Event{Kind: EventBegin}, m.self)
	}

	m.testActive.Store(true)
}

// Stop ends the current run and enters Idle.
func (m *Machine) Stop() {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.testActive.Store(false)
	m.earlyRTS.Store(false)
	_, _, _, _ = m.state.Apply(Event{Kind: EventHalt}, m.self)
}

// ClaimSender makes this peer sender after a quiet negotiation window and queues its RTS.
//
// It returns nil if this peer is already sender, ErrNotSender if it became responder, and
// ErrRunInactive outside a run.
func (m *Machine) ClaimSender(ctx context.Context) error {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	if !m.testActive.Load() {
		return ErrRunInactive
	}

	switch m.state.Phase() {
	case SenderWaiting, SenderActive:
		return nil
	case ResponderWaiting:
		return ErrNotSender
	case Idle:
		return ErrRunInactive
	}

	if _, _, _, err := m.state.Apply(Event{Kind: EventClaim}, m.self); err != nil {
		return err
	}

	return m.enqueue(ctx, m.ids.NewRTS())
}

// Resend queues the control frame of the current role again: RTS for a sender or an
// undetermined peer, which claims the sender role, and CTS for a responder.
func (m *Machine) Resend(ctx context.Context) (message.Kind, error) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	if !m.testActive.Load() {
		return 0, ErrRunInactive
	}

	switch m.state.Phase() {
	case Undetermined:
		if _, _, _, err := m.state.Apply(Event{Kind: EventClaim}, m.self); err != nil {
			return 0, err
		}
		return message.RTS, m.enqueue(ctx, m.ids.NewRTS())
	case SenderWaiting, SenderActive:
		return message.RTS, m.enqueue(ctx, m.ids.NewRTS())
	case ResponderWaiting:
		return message.CTS, m.enqueue(ctx, m.ids.NewCTS())
	default:
		return 0, ErrRunInactive
	}
}

// DispatchFirst dispatches msg synchronously if it is the first control frame, or the first data
// frame, of the current run. It reports whether msg was dispatched.
func (m *Machine) DispatchFirst(ctx context.Context, msg *message.Message) bool {
	if !m.testActive.Load() {
		return false
	}

	flag := &m.firstData
	if msg.Kind().IsControl() {
		flag = &m.firstControl
	}
	if !flag.CompareAndSwap(false, true) {
		return false
	}

	m.Dispatch(ctx, msg)

	return true
}

// Dispatch applies a received frame. Frames authored by this peer are ignored.
func (m *Machine) Dispatch(ctx context.Context, msg *message.Message) {
	if msg.AuthoredBy(m.self) {
		return
	}
	m.counters.IncReceived()

	ev, ok := eventOf(msg)
	if !ok {
		m.logger.Debug("ignore data frame with unknown payload", "id", msg.ID())
		return
	}

	m.dispatchMu.Lock()
	prev, next, act, err := m.state.Apply(ev, m.self)
	if err == nil {
		if prev == Idle && next == ResponderWaiting {
			m.earlyRTS.Store(true)
		}
		m.reply(ctx, act, msg)
	} else if ev.Kind == EventRTS {
		m.logger.Info("ignore RTS, the other peer defers", "from", ev.From, "phase", prev)
	}
	m.dispatchMu.Unlock()

	if !m.testActive.Load() {
		return
	}
	switch {
	case ev.Kind == EventRTS || ev.Kind == EventCTS:
		m.controlSeen.Load().fire()
	case expectedData(next, ev.Kind):
		m.dataSeen.Load().fire()
	}
}

// expectedData reports whether a data event belongs to the run in phase p: PINGs reach a
// responder, PONGs reach a sender. Anything else is a leftover of another run.
func expectedData(p Phase, kind EventKind) bool {
	switch kind {
	case EventPing:
		return p == ResponderWaiting
	case EventPong:
		return p.Role() == RoleSender
	default:
		return false
	}
}

// reply must be called with dispatchMu held.
func (m *Machine) reply(ctx context.Context, act Action, cause *message.Message) {
	switch act {
	case ReplyCTS:
		if err := m.enqueue(ctx, m.ids.NewCTS()); err != nil {
			m.logger.Warn("failed to queue CTS", "rts", cause.ID(), "error", err)
		}
	case ReplyPong:
		if !m.testActive.Load() || !m.pongSent.CompareAndSwap(false, true) {
			return
		}
		if err := m.enqueue(ctx, m.ids.NewPong(m.frameSize)); err != nil {
			m.logger.Warn("failed to queue PONG", "ping", cause.ID(), "error", err)
		}
	case NoAction:
	}
}

func (m *Machine) enqueue(ctx context.Context, msg *message.Message) error {
	if err := m.out.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s %s: %w", msg.Kind(), msg.ID(), err)
	}

	return nil
}

func eventOf(msg *message.Message) (Event, bool) {
	ev := Event{From: msg.Author()}
	switch {
	case msg.Kind() == message.RTS:
		ev.Kind = EventRTS
	case msg.Kind() == message.CTS:
		ev.Kind = EventCTS
	case msg.IsPing():
		ev.Kind = EventPing
	case msg.IsPong():
		ev.Kind = EventPong
	default:
		return ev, false
	}

	return ev, true
}

// latch is a one-shot event.
type latch struct {
	once sync.Once
	ch   chan struct{}
}

func newLatch() *latch { return &latch{ch: make(chan struct{})} }

func (l *latch) fire() { l.once.Do(func() { close(l.ch) }) }
