package bench

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/arloliu/go-pingpong/internal/pool"
	"github.com/arloliu/go-pingpong/internal/task"
	"github.com/arloliu/go-pingpong/logger"
	"github.com/arloliu/go-pingpong/pipeline"
	"github.com/arloliu/go-pingpong/protocol"
)

const (
	// pacerLead is the number of queued outbound frames at which the pacer stops queueing PINGs.
	pacerLead = 16
	// pacerPoll is the shortest wait of the pacer for the queue to fall below pacerLead.
	pacerPoll = 50 * time.Microsecond
)

// RunReport is the outcome of one run.
type RunReport struct {
	// Run is the 1-based run number.
	Run int
	// Role is the role this peer held when the run ended.
	Role protocol.Role
	// Sent is the number of frames handed to the transport during the run.
	Sent uint64
	// Received is the number of frames dispatched during the run.
	Received uint64
	// Negotiation is the time spent in the negotiation window.
	Negotiation time.Duration
	// Elapsed is the length of the measurement window.
	Elapsed time.Duration
	// RecoveryAttempts is the number of control frame resends of a stalled run.
	RecoveryAttempts int
	// Recovered reports whether data arrived after a resend.
	Recovered bool
	// InboundLog and OutboundLog are the CSV files of the run.
	InboundLog  string
	OutboundLog string
}

// runOnce runs one negotiation and measurement window.
func (e *Experiment) runOnce(ctx context.Context, n int) (RunReport, error) {
	l := e.logger.With("run", n)
	report := RunReport{Run: n}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.out.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	e.resetRun()
	report.InboundLog, report.OutboundLog = e.logPaths(n)
	if err := e.csv.SetRun(report.InboundLog, report.OutboundLog); err != nil {
		l.Warn("failed to flush previous frame logs", "error", err)
	}
	e.machine.BeginRun()

	l.Info("start run", "of", e.cfg.runs, "inbound_log", report.InboundLog, "outbound_log", report.OutboundLog)

	runMgr := task.NewManager(ctx, l)
	defer func() {
		runMgr.Stop()
		runMgr.WaitTimeout(stopTimeout)
	}()

	start := time.Now()
	if err := e.negotiate(ctx, l, runMgr); err != nil {
		return e.finishRun(report, l, start, start), e.runErr(err)
	}
	measureStart := time.Now()
	report.Negotiation = measureStart.Sub(start)
	deadline := measureStart.Add(e.cfg.duration)

	if err := runMgr.StartInterval("progress", func() bool {
		l.Info("run progress",
			"phase", e.machine.Phase(),
			"sent", e.counters.RunSent(),
			"received", e.counters.RunReceived(),
			"outbound_queue", e.out.Len(),
			"inbound_queue", e.in.Len(),
		)
		return true
	}, e.cfg.progressInterval, false); err != nil {
		l.Warn("failed to start progress report", "error", err)
	}

	attempts, recovered, err := e.watchStall(ctx, l, deadline)
	report.RecoveryAttempts = attempts
	report.Recovered = recovered
	if err == nil {
		err = pool.Sleep(ctx, time.Until(deadline))
	}

	return e.finishRun(report, l, start, measureStart), e.runErr(err)
}

// resetRun clears the per-run state of the pipelines and counters.
func (e *Experiment) resetRun() {
	in, out := e.in.Drain(), e.out.Drain()
	if in > 0 || out > 0 {
		e.logger.Debug("discard frames of previous run", "inbound", in, "outbound", out)
	}
	e.counters.ResetRun()
	e.in.ResetRun()
	e.out.ResetRun()
}

func (e *Experiment) logPaths(n int) (inbound string, outbound string) {
	base := fmt.Sprintf("throughput_test_%s_%d_run_%d", e.peer, time.Now().Unix(), n)
	dir := e.cfg.RangeDir()

	return filepath.Join(dir, base+"_inbound.csv"), filepath.Join(dir, base+"_outbound.csv")
}

// negotiate waits for a control frame of the other peer during a random window, then claims
// the sender role unless an RTS made this peer responder. A sender starts its pacing task.
func (e *Experiment) negotiate(ctx context.Context, l logger.Logger, runMgr *task.Manager) error {
	window := e.cfg.negotiationWindow()
	l.Info("wait for control frame before claiming the sender role", "window", window)

	seen, err := pool.Wait(ctx, e.machine.ControlSeen(), window)
	if err != nil {
		return err
	}

	switch err := e.machine.ClaimSender(ctx); {
	case errors.Is(err, protocol.ErrNotSender):
		l.Info("become responder", "control_seen", seen)
		return nil
	case err != nil:
		return err
	}

	l.Info("become sender, RTS queued", "control_seen", seen)

	return e.startPacer(l, runMgr)
}

// startPacer starts the task that queues PING frames while this peer is clear to send.
func (e *Experiment) startPacer(l logger.Logger, runMgr *task.Manager) error {
	cleared := false

	return runMgr.Start("pacer", func() bool {
		ctx := runMgr.Context()
		if !cleared {
			err := e.machine.WaitPhase(ctx, func(p protocol.Phase) bool {
				return p.ClearToSend() || p.Role() != protocol.RoleSender
			})
			if err != nil || !e.machine.Phase().ClearToSend() {
				return false
			}
			cleared = true
			l.Info("clear to send, start PING sequence")
		}

		if !e.active.Load() || !e.machine.TestActive() || !e.machine.Phase().ClearToSend() {
			return false
		}

		// a control frame queued now waits behind at most pacerLead PINGs
		if e.out.Len() >= pacerLead {
			return pool.Sleep(ctx, max(e.cfg.ifs, pacerPoll)) == nil
		}

		err := e.out.Enqueue(ctx, e.ids.NewPing(e.cfg.frameSize))
		if err == nil || errors.Is(err, pipeline.ErrQueueFull) {
			return true
		}
		if !errors.Is(err, context.Canceled) {
			l.Warn("stop PING sequence", "error", err)
		}

		return false
	}, nil)
}

// watchStall waits for the first data frame of the run and resends the control frame of the
// current role when none arrives. It never extends the run past deadline.
func (e *Experiment) watchStall(ctx context.Context, l logger.Logger, deadline time.Time) (attempts int, recovered bool, err error) {
	seen, err := pool.Wait(ctx, e.machine.DataSeen(), min(e.cfg.StallTimeout(), time.Until(deadline)))
	if err != nil || seen {
		return 0, false, err
	}

	for attempts < e.cfg.recoveryAttempts && time.Now().Before(deadline) {
		attempts++
		e.counters.IncRecoveries()

		kind, resendErr := e.machine.Resend(ctx)
		if resendErr != nil {
			l.Warn("failed to resend control frame", "attempt", attempts, "error", resendErr)
		} else {
			l.Warn("no data frame observed, control frame resent", "kind", kind, "attempt", attempts)
		}

		seen, err = pool.Wait(ctx, e.machine.DataSeen(), min(e.cfg.RecoveryWindow(), time.Until(deadline)))
		if err != nil {
			return attempts, false, err
		}
		if seen {
			l.Info("protocol recovery succeeded", "attempt", attempts)
			return attempts, true, nil
		}
	}

	l.Warn("protocol recovery failed, continue with partial data", "attempts", attempts)

	return attempts, false, nil
}

// finishRun ends the run and fills in the counters of report.
func (e *Experiment) finishRun(report RunReport, l logger.Logger, start, measureStart time.Time) RunReport {
	report.Role = e.machine.Phase().Role()
	e.machine.Stop()
	if n := e.out.Drain(); n > 0 {
		l.Debug("discard unsent frames", "count", n)
	}

	report.Elapsed = time.Since(measureStart)
	report.Sent = e.counters.RunSent()
	report.Received = e.counters.RunReceived()

	if err := e.csv.SetRun("", ""); err != nil {
		l.Error("failed to flush frame logs", "error", err)
	}

	l.Info("run complete",
		"role", report.Role,
		"total", time.Since(start),
		"elapsed", report.Elapsed,
		"sent", report.Sent,
		"received", report.Received,
		"recovery_attempts", report.RecoveryAttempts,
	)

	return report
}

// runErr maps a canceled run to the link loss that canceled it.
func (e *Experiment) runErr(err error) error {
	if err == nil {
		return nil
	}
	if linkErr := e.out.Err(); linkErr != nil && errors.Is(err, context.Canceled) {
		return linkErr
	}

	return err
}
