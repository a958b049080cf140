// Package bench runs a half-duplex throughput experiment between benchmark peers.
//
// An Experiment owns the protocol machine and both frame pipelines of one peer. It discovers
// and connects the trusted peers through a transport, runs the configured number of timed runs,
// writes one pair of CSV logs per run and always leaves the link in a clean state, also when
// the experiment fails.
//
// Example Usage:
//
//	cfg, _ := bench.NewConfig(bench.WithDuration(10*time.Second), bench.WithRuns(3))
//	exp, _ := bench.NewExperiment("pi1", link, cfg)
//	reports, err := exp.Run(ctx)
package bench

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-pingpong/internal/pool"
	"github.com/arloliu/go-pingpong/internal/task"
	"github.com/arloliu/go-pingpong/logger"
	"github.com/arloliu/go-pingpong/message"
	"github.com/arloliu/go-pingpong/metrics"
	"github.com/arloliu/go-pingpong/pipeline"
	"github.com/arloliu/go-pingpong/protocol"
	"github.com/arloliu/go-pingpong/transport"
)

const (
	stopTimeout  = 2 * time.Second
	resetTimeout = 10 * time.Second
)

// Experiment is the run controller of one benchmark peer.
type Experiment struct {
	cfg        *Config
	peer       string
	deviceName string
	link       transport.Transport
	logger     logger.Logger

	ids      *message.IDGenerator
	counters *metrics.Counters
	csv      *metrics.CSVLogger
	conns    *ConnectionSet
	machine  *protocol.Machine
	out      *pipeline.Outbound
	in       *pipeline.Inbound

	active  atomic.Bool
	started atomic.Bool
	taskMgr *task.Manager
}

// NewExperiment creates the experiment of peer over link. The peer name prefixes every frame id
// this peer authors, so it must be unique among the peers of the experiment.
func NewExperiment(peer string, link transport.Transport, cfg *Config) (*Experiment, error) {
	if peer == "" || strings.ContainsAny(peer, "[]") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPeerName, peer)
	}
	if link == nil {
		return nil, errors.New("transport is nil")
	}
	if cfg == nil {
		return nil, ErrConfigNil
	}

	e := &Experiment{
		cfg:        cfg,
		peer:       peer,
		deviceName: strings.TrimSuffix(cfg.trustPattern, "*") + peer,
		link:       link,
		logger:     cfg.logger.With("peer", peer),
		ids:        message.NewIDGenerator(peer),
		counters:   &metrics.Counters{},
		conns:      NewConnectionSet(),
	}
	e.csv = metrics.NewCSVLogger(cfg.logBufferSize, e.logger)

	var err error
	e.out, err = pipeline.NewOutbound(pipeline.OutboundConfig{
		Sender:       e.conns,
		Log:          e.csv,
		Counters:     e.counters,
		Active:       &e.active,
		IFS:          cfg.ifs,
		QueueSize:    cfg.outboundQueueSize,
		StrictPacing: cfg.strictPacing,
		Logger:       e.logger.With("pipeline", "outbound"),
	})
	if err != nil {
		return nil, err
	}

	e.machine, err = protocol.NewMachine(protocol.MachineConfig{
		IDs:       e.ids,
		Out:       e.out,
		Counters:  e.counters,
		FrameSize: cfg.frameSize,
		Logger:    e.logger.With("component", "protocol"),
	})
	if err != nil {
		return nil, err
	}

	e.in, err = pipeline.NewInbound(pipeline.InboundConfig{
		Self:       peer,
		Dispatcher: e.machine,
		Log:        e.csv,
		Counters:   e.counters,
		Active:     &e.active,
		IFS:        cfg.ifs,
		Logger:     e.logger.With("pipeline", "inbound"),
	})
	if err != nil {
		return nil, err
	}

	e.machine.OnPhaseChange(func(prev, next protocol.Phase) {
		e.logger.Debug("phase changed", "from", prev, "to", next)
	})
	link.OnReceive(e.in.Receive)
	link.SetStatusSource(e.StatusJSON)

	return e, nil
}

// Peer returns the peer name.
func (e *Experiment) Peer() string { return e.peer }

// DeviceName returns the name this peer advertises.
func (e *Experiment) DeviceName() string { return e.deviceName }

// Counters returns the frame counters of the experiment.
func (e *Experiment) Counters() *metrics.Counters { return e.counters }

// Machine returns the protocol machine of the experiment.
func (e *Experiment) Machine() *protocol.Machine { return e.machine }

// Run runs the whole experiment: it starts the pipelines, sets up the connections, runs every
// configured run and cleans up. The reports of the completed runs are returned also on failure.
//
// Canceling ctx stops the experiment; cleanup still runs.
func (e *Experiment) Run(ctx context.Context) (reports []RunReport, err error) {
	if !e.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}

	e.logger.Info("start experiment",
		"runs", e.cfg.runs,
		"duration", e.cfg.duration,
		"delay", e.cfg.interRunDelay,
		"size", e.cfg.frameSize,
		"ifs", e.cfg.ifs,
		"range", e.cfg.rangeID,
	)

	e.active.Store(true)
	e.taskMgr = task.NewManager(ctx, e.logger)
	defer e.cleanup()

	// frames queued before the link is up, such as the CTS answering an early RTS, wait in the
	// outbound queue until the sender task starts
	if err := e.in.Start(e.taskMgr); err != nil {
		return nil, err
	}

	if err := pool.Sleep(ctx, e.cfg.settleDelay); err != nil {
		return nil, err
	}

	peers, err := e.discover(ctx)
	if err != nil {
		return nil, err
	}

	if err := e.connect(ctx, peers); err != nil {
		return nil, err
	}

	if err := e.out.Start(e.taskMgr); err != nil {
		return nil, err
	}

	if err := pool.Sleep(ctx, e.cfg.stabilizeDelay); err != nil {
		return nil, err
	}

	for n := 1; n <= e.cfg.runs; n++ {
		report, err := e.runOnce(ctx, n)
		reports = append(reports, report)
		if err != nil {
			return reports, fmt.Errorf("run %d: %w", n, err)
		}

		if n < e.cfg.runs {
			e.logger.Info("wait before next run", "delay", e.cfg.interRunDelay)
			if err := pool.Sleep(ctx, e.cfg.interRunDelay); err != nil {
				return reports, err
			}
		}
	}

	e.logger.Info("experiment complete", "runs", len(reports))

	return reports, nil
}

// discover scans for trusted peers, resetting the link between empty attempts.
func (e *Experiment) discover(ctx context.Context) ([]transport.PeerHandle, error) {
	for attempt := 1; attempt <= e.cfg.discoveryRetries; attempt++ {
		found, err := e.link.Discover(ctx, e.cfg.trustPattern, e.cfg.discoveryTimeout)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			e.logger.Warn("discovery failed", "attempt", attempt, "error", err)
		}

		peers := found[:0]
		for _, p := range found {
			if p.Name != e.deviceName && transport.Trusted(e.cfg.trustPattern, p.Name) {
				peers = append(peers, p)
			}
		}
		if len(peers) > 0 {
			e.logger.Info("discovered trusted peers", "count", len(peers), "peers", peers)
			return peers, nil
		}

		e.logger.Warn("no trusted peers found", "attempt", attempt, "max_attempts", e.cfg.discoveryRetries)
		if attempt < e.cfg.discoveryRetries {
			if err := e.resetLink(ctx); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("%w after %d attempts", ErrNoPeers, e.cfg.discoveryRetries)
}

// connect connects every peer, retrying with a link reset until at least one connection holds.
func (e *Experiment) connect(ctx context.Context, peers []transport.PeerHandle) error {
	for attempt := 1; attempt <= e.cfg.connectRetries; attempt++ {
		for _, p := range peers {
			c, err := e.link.Connect(ctx, p)
			if err != nil {
				e.logger.Warn("failed to connect peer", "peer", p, "attempt", attempt, "error", err)
				continue
			}
			e.conns.Add(c)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if n := e.conns.Len(); n > 0 {
			e.logger.Info("connected peers", "connected", n, "discovered", len(peers))
			return nil
		}

		if attempt < e.cfg.connectRetries {
			if err := e.resetLink(ctx); err != nil {
				return err
			}
			_ = e.conns.CloseAll()
		}
	}

	return fmt.Errorf("%w after %d attempts", ErrNoConnections, e.cfg.connectRetries)
}

func (e *Experiment) resetLink(ctx context.Context) error {
	e.logger.Info("reset link interface")
	if err := e.link.ResetLinkInterface(ctx); err != nil {
		e.logger.Warn("failed to reset link interface", "error", err)
	}

	return pool.Sleep(ctx, e.cfg.resetDelay)
}

// cleanup stops the pipelines, flushes the logs, closes the connections and resets the link.
func (e *Experiment) cleanup() {
	e.active.Store(false)
	e.machine.Stop()

	if err := e.csv.Close(); err != nil {
		e.logger.Error("failed to flush frame logs", "error", err)
	}

	if n := e.in.Drain(); n > 0 {
		e.logger.Info("discard queued inbound frames", "count", n)
	}
	if n := e.out.Drain(); n > 0 {
		e.logger.Info("discard queued outbound frames", "count", n)
	}

	e.taskMgr.Stop()
	e.taskMgr.WaitTimeout(stopTimeout)

	if err := e.conns.CloseAll(); err != nil {
		e.logger.Warn("failed to close connections", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()
	if err := e.link.ResetLinkInterface(ctx); err != nil {
		e.logger.Warn("failed to reset link interface", "error", err)
	}

	e.logger.Info("experiment stopped",
		"sent", e.counters.Sent.Load(),
		"received", e.counters.Received.Load(),
		"send_errors", e.counters.SendErrors.Load(),
		"decode_errors", e.counters.DecodeErrors.Load(),
	)
}
