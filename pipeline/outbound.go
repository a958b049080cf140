package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/ratelimit"

	"github.com/arloliu/go-pingpong/internal/pool"
	"github.com/arloliu/go-pingpong/internal/task"
	"github.com/arloliu/go-pingpong/logger"
	"github.com/arloliu/go-pingpong/message"
	"github.com/arloliu/go-pingpong/metrics"
)

const (
	// DefaultOutboundQueueSize is the default capacity of the outbound queue.
	DefaultOutboundQueueSize = 4096
	// DefaultEnqueueTimeout is the default bound of one Enqueue wait on a full queue.
	DefaultEnqueueTimeout = 100 * time.Millisecond
)

// Sender hands encoded frames to the link.
type Sender interface {
	// Send transmits data. expectResponse asks the link for an acknowledged write.
	Send(ctx context.Context, data []byte, expectResponse bool) error
	// Viable reports whether at least one connection can still carry frames.
	Viable() bool
}

// OutboundConfig holds the collaborators and limits of an Outbound pipeline.
type OutboundConfig struct {
	Sender   Sender
	Log      *metrics.CSVLogger
	Counters *metrics.Counters
	// Active is the shared experiment flag.
	Active *atomic.Bool
	// IFS is the inter-frame spacing.
	IFS time.Duration
	// QueueSize defaults to DefaultOutboundQueueSize.
	QueueSize int
	// EnqueueTimeout defaults to DefaultEnqueueTimeout.
	EnqueueTimeout time.Duration
	// StrictPacing releases at most one frame per IFS.
	StrictPacing bool
	Logger       logger.Logger
}

// Outbound is the paced outbound frame pipeline.
type Outbound struct {
	sender         Sender
	log            *metrics.CSVLogger
	counters       *metrics.Counters
	active         *atomic.Bool
	ifs            time.Duration
	enqueueTimeout time.Duration
	limiter        ratelimit.Limiter
	logger         logger.Logger

	queue     chan *message.Message
	firstData atomic.Bool

	dead     atomic.Bool
	deadErr  error
	done     chan struct{}
	doneOnce sync.Once
}

// NewOutbound creates an Outbound pipeline. Call Start to launch its sender task.
func NewOutbound(cfg OutboundConfig) (*Outbound, error) {
	if cfg.Sender == nil {
		return nil, errors.New("sender is nil")
	}
	if cfg.Active == nil {
		return nil, errors.New("active flag is nil")
	}
	if cfg.IFS <= 0 {
		return nil, fmt.Errorf("invalid inter-frame spacing: %v", cfg.IFS)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultOutboundQueueSize
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if cfg.Counters == nil {
		cfg.Counters = &metrics.Counters{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}

	o := &Outbound{
		sender:         cfg.Sender,
		log:            cfg.Log,
		counters:       cfg.Counters,
		active:         cfg.Active,
		ifs:            cfg.IFS,
		enqueueTimeout: cfg.EnqueueTimeout,
		logger:         cfg.Logger,
		queue:          make(chan *message.Message, cfg.QueueSize),
		done:           make(chan struct{}),
	}
	if cfg.StrictPacing {
		o.limiter = ratelimit.New(1, ratelimit.Per(cfg.IFS), ratelimit.WithoutSlack)
	}

	return o, nil
}

// Start launches the sender task on mgr.
func (o *Outbound) Start(mgr *task.Manager) error {
	return mgr.Start("outbound", func() bool {
		return o.step(mgr.Context())
	}, nil)
}

// Enqueue queues msg for sending. On a full queue it waits at most the enqueue timeout and
// then fails with ErrQueueFull.
func (o *Outbound) Enqueue(ctx context.Context, msg *message.Message) error {
	if o.dead.Load() {
		return ErrLinkLost
	}

	select {
	case o.queue <- msg:
		return nil
	default:
	}

	t := pool.GetTimer(o.enqueueTimeout)
	defer pool.PutTimer(t)

	select {
	case o.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return ErrQueueFull
	}
}

// Len returns the number of queued frames.
func (o *Outbound) Len() int { return len(o.queue) }

// Drain discards every queued frame and returns how many were discarded.
func (o *Outbound) Drain() int {
	n := 0
	for {
		select {
		case <-o.queue:
			n++
		default:
			return n
		}
	}
}

// ResetRun makes the next data frame request a response again.
func (o *Outbound) ResetRun() { o.firstData.Store(false) }

// Dead reports whether the pipeline stopped because the link was lost.
func (o *Outbound) Dead() bool { return o.dead.Load() }

// Done is closed when the pipeline stops because the link was lost.
func (o *Outbound) Done() <-chan struct{} { return o.done }

// Err returns an error wrapping ErrLinkLost once the pipeline is dead, nil before.
func (o *Outbound) Err() error {
	if !o.dead.Load() {
		return nil
	}

	return o.deadErr
}

// step is one iteration of the sender task.
func (o *Outbound) step(ctx context.Context) bool {
	if o.dead.Load() {
		return false
	}

	msg, ok := o.next(ctx)
	if !ok {
		return o.active.Load() && ctx.Err() == nil
	}

	if o.limiter != nil {
		o.limiter.Take()
	}
	o.send(ctx, msg)

	return !o.dead.Load()
}

// next waits at most one poll interval for a queued frame.
func (o *Outbound) next(ctx context.Context) (*message.Message, bool) {
	select {
	case msg := <-o.queue:
		return msg, true
	default:
	}

	t := pool.GetTimer(pollInterval(o.ifs))
	defer pool.PutTimer(t)

	select {
	case msg := <-o.queue:
		return msg, true
	case <-ctx.Done():
		return nil, false
	case <-t.C:
		return nil, false
	}
}

func (o *Outbound) send(ctx context.Context, msg *message.Message) {
	data := message.Encode(msg)
	expectResponse := msg.Kind().IsControl() || o.firstData.CompareAndSwap(false, true)

	if o.log != nil {
		o.log.LogMessage(msg, time.Now().UnixMilli(), len(data))
	}

	if msg.Kind().IsControl() {
		o.logger.Debug("send control frame", "id", msg.ID(), "kind", msg.Kind())
	}

	err := o.sender.Send(ctx, data, expectResponse)
	if err == nil {
		o.counters.IncSent()
		return
	}

	o.counters.IncSendErrors()
	if o.sender.Viable() {
		if n := o.counters.SendErrors.Load(); n == 1 || n%100 == 0 {
			o.logger.Warn("drop frame after send failure", "id", msg.ID(), "send_errors", n, "error", err)
		}

		return
	}

	o.markDead(err)
}

func (o *Outbound) markDead(cause error) {
	o.doneOnce.Do(func() {
		o.deadErr = fmt.Errorf("%w: %w", ErrLinkLost, cause)
		o.dead.Store(true)
		o.logger.Error("outbound pipeline stopped, link lost", "error", cause)
		close(o.done)
	})
}
