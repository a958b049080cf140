package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		require.Len(t, mf.GetMetric(), 1)
		m := mf.GetMetric()[0]
		require.Equal(t, "peer", m.GetLabel()[0].GetName())
		require.Equal(t, "P1", m.GetLabel()[0].GetValue())
		switch mf.GetType() {
		case dto.MetricType_COUNTER:
			return m.GetCounter().GetValue()
		case dto.MetricType_GAUGE:
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)

	return 0
}

func TestCounters_ResetRun(t *testing.T) {
	require := require.New(t)

	var c Counters
	c.IncSent()
	c.IncSent()
	c.IncReceived()
	require.EqualValues(2, c.RunSent())
	require.EqualValues(1, c.RunReceived())

	c.ResetRun()
	require.Zero(c.RunSent())
	require.Zero(c.RunReceived())
	require.EqualValues(2, c.Sent.Load())
	require.EqualValues(1, c.Received.Load())
}

func TestCounters_Register(t *testing.T) {
	require := require.New(t)

	var c Counters
	reg := prometheus.NewRegistry()
	require.NoError(c.Register(reg, "P1"))

	c.IncSent()
	c.IncSent()
	c.IncSent()
	c.IncSendErrors()
	c.IncDecodeErrors()
	c.IncSelfFiltered()
	c.IncRecoveries()
	c.ResetRun()
	c.IncSent()

	require.InDelta(4.0, gatherValue(t, reg, "pingpong_frames_sent_total"), 0)
	require.InDelta(1.0, gatherValue(t, reg, "pingpong_run_frames_sent"), 0)
	require.InDelta(1.0, gatherValue(t, reg, "pingpong_send_errors_total"), 0)
	require.InDelta(1.0, gatherValue(t, reg, "pingpong_recoveries_total"), 0)

	// a second registration of the same peer collides
	var other Counters
	require.Error(other.Register(reg, "P1"))
}
