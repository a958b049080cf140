package metrics

import (
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters contains the atomic frame counters of a peer.
// Totals cover the lifetime of the peer; the run values are cleared by ResetRun.
type Counters struct {
	// Sent indicates the number of frames handed to the transport.
	Sent atomic.Uint64
	// Received indicates the number of frames dispatched to the protocol machine.
	Received atomic.Uint64
	// SendErrors indicates the number of frames the transport failed to send.
	SendErrors atomic.Uint64
	// DecodeErrors indicates the number of malformed frames dropped.
	DecodeErrors atomic.Uint64
	// SelfFiltered indicates the number of self-authored frames discarded on receive.
	SelfFiltered atomic.Uint64
	// Recoveries indicates the number of stall recovery attempts.
	Recoveries atomic.Uint64

	runSent     atomic.Uint64
	runReceived atomic.Uint64
}

// IncSent counts one sent frame.
func (c *Counters) IncSent() {
	c.Sent.Add(1)
	c.runSent.Add(1)
}

// IncReceived counts one received frame.
func (c *Counters) IncReceived() {
	c.Received.Add(1)
	c.runReceived.Add(1)
}

// IncSendErrors counts one frame the transport failed to send.
func (c *Counters) IncSendErrors() { c.SendErrors.Add(1) }

// IncDecodeErrors counts one received frame that could not be decoded.
func (c *Counters) IncDecodeErrors() { c.DecodeErrors.Add(1) }

// IncSelfFiltered counts one received frame authored by this peer.
func (c *Counters) IncSelfFiltered() { c.SelfFiltered.Add(1) }

// IncRecoveries counts one control frame resend of a stalled run.
func (c *Counters) IncRecoveries() { c.Recoveries.Add(1) }

// RunSent returns the frames sent since the last ResetRun.
func (c *Counters) RunSent() uint64 { return c.runSent.Load() }

// RunReceived returns the frames received since the last ResetRun.
func (c *Counters) RunReceived() uint64 { return c.runReceived.Load() }

// ResetRun clears the per-run counters.
func (c *Counters) ResetRun() {
	c.runSent.Store(0)
	c.runReceived.Store(0)
}

// Register exposes the counters to reg, labeled with the peer name.
func (c *Counters) Register(reg prometheus.Registerer, peer string) error {
	labels := prometheus.Labels{"peer": peer}
	counter := func(name, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "pingpong",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "pingpong",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(v.Load()) })
	}

	collectors := []prometheus.Collector{
		counter("frames_sent_total", "Frames handed to the transport.", &c.Sent),
		counter("frames_received_total", "Frames dispatched to the protocol machine.", &c.Received),
		counter("send_errors_total", "Frames the transport failed to send.", &c.SendErrors),
		counter("decode_errors_total", "Malformed frames dropped on receive.", &c.DecodeErrors),
		counter("self_filtered_total", "Self-authored frames discarded on receive.", &c.SelfFiltered),
		counter("recoveries_total", "Stall recovery attempts.", &c.Recoveries),
		gauge("run_frames_sent", "Frames sent in the current run.", &c.runSent),
		gauge("run_frames_received", "Frames received in the current run.", &c.runReceived),
	}

	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	return nil
}
