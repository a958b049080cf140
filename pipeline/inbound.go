package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-pingpong/internal/pool"
	"github.com/arloliu/go-pingpong/internal/queue"
	"github.com/arloliu/go-pingpong/internal/task"
	"github.com/arloliu/go-pingpong/logger"
	"github.com/arloliu/go-pingpong/message"
	"github.com/arloliu/go-pingpong/metrics"
)

// DefaultHighWater is the default inbound queue length that triggers a backlog warning.
const DefaultHighWater = 10000

// Dispatcher consumes decoded frames. It is implemented by protocol.Machine.
type Dispatcher interface {
	// DispatchFirst dispatches msg synchronously if it is the first frame of its class in the
	// current run, and reports whether it did.
	DispatchFirst(ctx context.Context, msg *message.Message) bool
	// Dispatch applies msg.
	Dispatch(ctx context.Context, msg *message.Message)
}

// InboundConfig holds the collaborators and limits of an Inbound pipeline.
type InboundConfig struct {
	// Self is the name of this peer; frames with its id prefix are discarded.
	Self       string
	Dispatcher Dispatcher
	Log        *metrics.CSVLogger
	Counters   *metrics.Counters
	// Active is the shared experiment flag.
	Active *atomic.Bool
	// IFS bounds the idle wait of the dispatcher task.
	IFS time.Duration
	// HighWater defaults to DefaultHighWater.
	HighWater int
	Logger    logger.Logger
}

// Inbound is the received frame pipeline.
//
// The queue is unbounded: a backlog beyond the high-water mark is reported once per run, and
// frames are never dropped for lack of space.
type Inbound struct {
	self       string
	dispatcher Dispatcher
	log        *metrics.CSVLogger
	counters   *metrics.Counters
	active     *atomic.Bool
	ifs        time.Duration
	highWater  int
	logger     logger.Logger

	queue    queue.Queue[*message.Message]
	wake     chan struct{}
	hwWarned atomic.Bool
}

// NewInbound creates an Inbound pipeline. Call Start to launch its dispatcher task.
func NewInbound(cfg InboundConfig) (*Inbound, error) {
	if cfg.Self == "" {
		return nil, errors.New("peer name is empty")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is nil")
	}
	if cfg.Active == nil {
		return nil, errors.New("active flag is nil")
	}
	if cfg.IFS <= 0 {
		return nil, fmt.Errorf("invalid inter-frame spacing: %v", cfg.IFS)
	}
	if cfg.HighWater <= 0 {
		cfg.HighWater = DefaultHighWater
	}
	if cfg.Counters == nil {
		cfg.Counters = &metrics.Counters{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}

	return &Inbound{
		self:       cfg.Self,
		dispatcher: cfg.Dispatcher,
		log:        cfg.Log,
		counters:   cfg.Counters,
		active:     cfg.Active,
		ifs:        cfg.IFS,
		highWater:  cfg.HighWater,
		logger:     cfg.Logger,
		queue:      queue.NewLockFreeQueue[*message.Message](),
		wake:       make(chan struct{}, 1),
	}, nil
}

// Start launches the dispatcher task on mgr.
func (in *Inbound) Start(mgr *task.Manager) error {
	return mgr.Start("inbound", func() bool {
		return in.step(mgr.Context())
	}, nil)
}

// Receive accepts one frame from the transport. It is safe to call from any goroutine.
//
// Malformed and self-authored frames are counted and dropped. The first control frame and the
// first data frame of a run are dispatched before Receive returns; every other frame is queued.
func (in *Inbound) Receive(data []byte, arrival time.Time) {
	if !in.active.Load() {
		return
	}

	msg, err := message.Decode(data, arrival.UnixMilli())
	if err != nil {
		in.counters.IncDecodeErrors()
		in.logger.Warn("drop malformed frame", "error", err)

		return
	}

	if msg.AuthoredBy(in.self) {
		in.counters.IncSelfFiltered()
		return
	}

	if in.dispatcher.DispatchFirst(context.Background(), msg) {
		in.logFrame(msg)
		return
	}

	in.queue.Enqueue(msg)
	if n := in.queue.Length(); n >= in.highWater && in.hwWarned.CompareAndSwap(false, true) {
		in.logger.Warn("inbound backlog above high-water mark", "length", n, "high_water", in.highWater)
	}

	select {
	case in.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued frames.
func (in *Inbound) Len() int { return in.queue.Length() }

// Drain discards every queued frame and returns how many were discarded.
func (in *Inbound) Drain() int { return in.queue.Drain() }

// ResetRun re-arms the backlog warning.
func (in *Inbound) ResetRun() { in.hwWarned.Store(false) }

// step is one iteration of the dispatcher task.
func (in *Inbound) step(ctx context.Context) bool {
	if msg, ok := in.queue.Dequeue(); ok {
		in.dispatcher.Dispatch(ctx, msg)
		in.logFrame(msg)

		return true
	}

	if !in.active.Load() {
		return false
	}

	_, err := pool.Wait(ctx, in.wake, pollInterval(in.ifs))

	return err == nil
}

func (in *Inbound) logFrame(msg *message.Message) {
	if in.log != nil {
		in.log.LogMessage(msg, msg.ArrivedAtMs(), msg.SizeBytes())
	}
}
