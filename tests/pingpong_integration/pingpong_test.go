// Package pingponginteg contains integration tests that run two complete benchmark peers
// against each other over an in-memory frame link.
//
// Each peer is a real bench.Experiment with its own pipelines, state machine and CSV logger.
// The tests check the properties that only hold for a pair: every run ends with exactly one
// sender and one responder, and both sides leave well-formed per-run logs behind.
package pingponginteg

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/arloliu/go-pingpong/bench"
	"github.com/arloliu/go-pingpong/logger"
	"github.com/arloliu/go-pingpong/protocol"
	"github.com/arloliu/go-pingpong/transport/memlink"
)

const (
	testRuns      = 2
	testDuration  = 400 * time.Millisecond
	testFrameSize = 80
)

type peerResult struct {
	name    string
	exp     *bench.Experiment
	reports []bench.RunReport
}

// runPair runs pi1 and pi2 to completion on hub. windows gives the negotiation window of each peer.
func runPair(t *testing.T, hub *memlink.Hub, outDir string, windows map[string][2]time.Duration) map[string]*peerResult {
	t.Helper()

	results := make(map[string]*peerResult, 2)
	for i, name := range []string{"pi1", "pi2"} {
		ep := hub.Endpoint(bench.DefaultTrustPattern + name)
		t.Cleanup(func() { _ = ep.Close() })

		w := windows[name]
		cfg, err := bench.NewConfig(
			bench.WithOutputDir(outDir),
			bench.WithRange("integration"),
			bench.WithRuns(testRuns),
			bench.WithDuration(testDuration),
			bench.WithInterRunDelay(100*time.Millisecond),
			bench.WithFrameSize(testFrameSize),
			bench.WithIFS(500*time.Microsecond),
			bench.WithStrictPacing(true),
			bench.WithNegotiationWindow(w[0], w[1]),
			bench.WithSettleDelay(0),
			bench.WithStabilizeDelay(0),
			bench.WithResetDelay(0),
			bench.WithDiscoveryTimeout(500*time.Millisecond),
			bench.WithLogger(logger.NewPermissiveMockLogger()),
			bench.WithRandSource(rand.NewSource(int64(i+1))),
		)
		require.NoError(t, err)

		exp, err := bench.NewExperiment(name, ep, cfg)
		require.NoError(t, err)
		results[name] = &peerResult{name: name, exp: exp}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, res := range results {
		g.Go(func() error {
			reports, err := res.exp.Run(gctx)
			res.reports = reports

			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, res := range results {
		require.Len(t, res.reports, testRuns, res.name)
	}

	return results
}

// rolesPerRun returns, for every run, the peer that sent and the peer that responded.
func rolesPerRun(t *testing.T, results map[string]*peerResult) (senders, responders []*peerResult) {
	t.Helper()

	for run := 0; run < testRuns; run++ {
		var sender, responder *peerResult
		for _, res := range results {
			switch res.reports[run].Role {
			case protocol.RoleSender:
				require.Nil(t, sender, "run %d has two senders", run+1)
				sender = res
			case protocol.RoleResponder:
				require.Nil(t, responder, "run %d has two responders", run+1)
				responder = res
			default:
				require.Failf(t, "undetermined role", "peer %s run %d", res.name, run+1)
			}
		}
		require.NotNil(t, sender, "run %d has no sender", run+1)
		require.NotNil(t, responder, "run %d has no responder", run+1)

		senders = append(senders, sender)
		responders = append(responders, responder)
	}

	return senders, responders
}

func readLog(t *testing.T, path string) []string {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestPair_EarlierWindowSends(t *testing.T) {
	require := require.New(t)

	outDir := t.TempDir()
	results := runPair(t, memlink.NewHub(), outDir, map[string][2]time.Duration{
		"pi1": {50 * time.Millisecond, 60 * time.Millisecond},
		"pi2": {400 * time.Millisecond, 410 * time.Millisecond},
	})

	senders, responders := rolesPerRun(t, results)
	for run := 0; run < testRuns; run++ {
		sender := senders[run].reports[run]
		responder := responders[run].reports[run]

		require.Equal("pi1", senders[run].name, "run %d", run+1)
		require.Greater(sender.Sent, responder.Sent, "run %d", run+1)
		require.Positive(responder.Received, "run %d", run+1)
		// CTS then exactly one PONG
		require.Equal(uint64(2), responder.Sent, "run %d", run+1)
		require.GreaterOrEqual(sender.Received, uint64(2), "run %d", run+1)
		require.Zero(sender.RecoveryAttempts, "run %d", run+1)
	}

	for _, res := range results {
		for _, r := range res.reports {
			require.Equal(filepath.Join(outDir, "ranges", "integration"), filepath.Dir(r.InboundLog))
			require.Contains(filepath.Base(r.InboundLog), "throughput_test_"+res.name+"_")

			for _, path := range []string{r.InboundLog, r.OutboundLog} {
				lines := readLog(t, path)
				require.Equal("message_id,timestamp_ms,message_length", lines[0], path)
				require.GreaterOrEqual(len(lines), 2, path)
			}
		}
	}

	// the responder's outbound log matches its send counter
	resp := results["pi2"].reports[0]
	require.Len(readLog(t, resp.OutboundLog), int(resp.Sent)+1)
}

func TestPair_SimultaneousClaimsResolve(t *testing.T) {
	require := require.New(t)

	window := [2]time.Duration{50 * time.Millisecond, 50 * time.Millisecond}
	results := runPair(t, memlink.NewHub(), t.TempDir(), map[string][2]time.Duration{
		"pi1": window,
		"pi2": window,
	})

	senders, responders := rolesPerRun(t, results)
	for run := 0; run < testRuns; run++ {
		require.NotEqual(senders[run].name, responders[run].name)
		require.Positive(responders[run].reports[run].Received, "run %d", run+1)
	}
}

func TestPair_LossyLink(t *testing.T) {
	hub := memlink.NewHub()
	hub.SetSeed(7)
	hub.SetCondition(memlink.NetworkCondition{
		DropRate: 0.05,
		DelayMin: 0,
		DelayMax: time.Millisecond,
	})

	results := runPair(t, hub, t.TempDir(), map[string][2]time.Duration{
		"pi1": {50 * time.Millisecond, 60 * time.Millisecond},
		"pi2": {400 * time.Millisecond, 410 * time.Millisecond},
	})

	senders, responders := rolesPerRun(t, results)
	for run := 0; run < testRuns; run++ {
		require.Positive(t, senders[run].reports[run].Sent, "run %d", run+1)
		require.Positive(t, responders[run].reports[run].Received, "run %d", run+1)
	}
}
