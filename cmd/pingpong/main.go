// Command pingpong runs the half-duplex throughput benchmark on one peer.
//
// Two or more hosts run pingpong with each other in their peer tables. Every run, the peers
// negotiate which of them sends with an RTS/CTS handshake, the sender floods padded PING
// frames for the run duration and both sides write per-run CSV logs.
//
// Examples:
//
//	# peer pi1, talking to pi2
//	pingpong pi1 --listen :9000 --peer pi2=10.0.0.2:9000
//
//	# short runs, Prometheus metrics on :2112
//	pingpong pi1 -d 10 -r 5 -s 200 --peer pi2=10.0.0.2:9000 --metrics-addr :2112
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arloliu/go-pingpong/bench"
	"github.com/arloliu/go-pingpong/logger"
	"github.com/arloliu/go-pingpong/transport/udplink"
)

const shutdownTimeout = 3 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := defaultOptions()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "pingpong [peer-name]",
		Short:         "Half-duplex RTS/CTS throughput benchmark peer",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				if err := mergeFile(cfgFile, cmd.Flags(), &opts); err != nil {
					return err
				}
			}
			if len(args) == 1 {
				opts.Peer = args[0]
			}
			if opts.Peer == "" {
				host, err := os.Hostname()
				if err != nil {
					return fmt.Errorf("peer name not given and hostname unavailable: %w", err)
				}
				opts.Peer = host
			}
			if err := opts.validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, &opts)
		},
	}

	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Config file (YAML)")
	opts.bindFlags(cmd.Flags())

	return cmd
}

func run(ctx context.Context, opts *options) error {
	level := logger.InfoLevel
	if opts.Verbose {
		level = logger.DebugLevel
	}
	l := logger.NewSlog(level, false)
	logger.SetDefault(l)

	cfg, err := bench.NewConfig(opts.benchOptions(l)...)
	if err != nil {
		return err
	}

	peers, err := opts.peerTable()
	if err != nil {
		return err
	}

	link, err := udplink.New(ctx, udplink.Config{
		Name:         bench.DefaultTrustPattern + opts.Peer,
		Listen:       opts.Listen,
		Peers:        peers,
		ResetCommand: opts.ResetCommand,
		Logger:       l,
	})
	if err != nil {
		return err
	}
	defer link.Close()

	exp, err := bench.NewExperiment(opts.Peer, link, cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if err := exp.Counters().Register(reg, opts.Peer); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	srvCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	if opts.MetricsAddr != "" {
		srv := newHTTPServer(opts.MetricsAddr, reg, exp)
		g.Go(func() error {
			l.Info("serve metrics", "address", opts.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-srvCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer stopServer()

		reports, err := exp.Run(gctx)
		for _, r := range reports {
			l.Info("run report",
				"run", r.Run,
				"role", r.Role,
				"sent", r.Sent,
				"received", r.Received,
				"elapsed", r.Elapsed,
				"recovery_attempts", r.RecoveryAttempts,
				"inbound_log", r.InboundLog,
				"outbound_log", r.OutboundLog,
			)
		}

		return err
	})

	return g.Wait()
}

func newHTTPServer(addr string, reg *prometheus.Registry, exp *bench.Experiment) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(exp.StatusJSON())
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
