package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-pingpong/bench"
	"github.com/arloliu/go-pingpong/logger"
	"github.com/arloliu/go-pingpong/transport"
)

// options holds the command settings. A YAML config file uses the same keys as the flags.
type options struct {
	Peer           string   `yaml:"peer"`
	Duration       int      `yaml:"duration"`
	Runs           int      `yaml:"runs"`
	Wait           int      `yaml:"wait"`
	Size           int      `yaml:"size"`
	Range          string   `yaml:"range"`
	InnerFrameTime float64  `yaml:"inner-frame-time"`
	Listen         string   `yaml:"listen"`
	Peers          []string `yaml:"peer-table"`
	Output         string   `yaml:"output"`
	MetricsAddr    string   `yaml:"metrics-addr"`
	StrictPacing   bool     `yaml:"strict-pacing"`
	ResetCommand   []string `yaml:"reset-command"`
	Verbose        bool     `yaml:"verbose"`
}

func defaultOptions() options {
	return options{
		Duration:       30,
		Runs:           3,
		Wait:           5,
		Size:           100,
		Range:          "default",
		InnerFrameTime: 4.5,
		Listen:         ":9000",
		Output:         ".",
	}
}

func (o *options) bindFlags(fs *pflag.FlagSet) {
	fs.IntVarP(&o.Duration, "duration", "d", o.Duration, "Test duration in seconds")
	fs.IntVarP(&o.Runs, "runs", "r", o.Runs, "Number of test runs")
	fs.IntVarP(&o.Wait, "wait", "w", o.Wait, "Delay between runs in seconds")
	fs.IntVarP(&o.Size, "size", "s", o.Size, "Message size in bytes")
	fs.StringVar(&o.Range, "range", o.Range, "Range identifier for organizing logs")
	fs.Float64Var(&o.InnerFrameTime, "inner-frame-time", o.InnerFrameTime, "Inner frame time in microseconds")
	fs.StringVar(&o.Listen, "listen", o.Listen, "Local UDP address of the frame link")
	fs.StringArrayVar(&o.Peers, "peer", o.Peers, "Peer table entry name=host:port (repeatable)")
	fs.StringVarP(&o.Output, "output", "o", o.Output, "Root directory of the CSV logs")
	fs.StringVar(&o.MetricsAddr, "metrics-addr", o.MetricsAddr, "Serve /metrics and /status on this address")
	fs.BoolVar(&o.StrictPacing, "strict-pacing", o.StrictPacing, "Release at most one frame per inner frame time")
	fs.StringArrayVar(&o.ResetCommand, "reset-command", o.ResetCommand, "Link reset command and arguments")
	fs.BoolVarP(&o.Verbose, "verbose", "v", o.Verbose, "Enable debug logs")
}

// loadFile reads the YAML file at path on top of o.
func loadFile(path string, o *options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, o); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	return nil
}

// mergeFile loads the YAML file at path and keeps the values of the flags set on the command line.
func mergeFile(path string, fs *pflag.FlagSet, o *options) error {
	fromFile := *o
	if err := loadFile(path, &fromFile); err != nil {
		return err
	}

	flagged := *o
	*o = fromFile
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "duration":
			o.Duration = flagged.Duration
		case "runs":
			o.Runs = flagged.Runs
		case "wait":
			o.Wait = flagged.Wait
		case "size":
			o.Size = flagged.Size
		case "range":
			o.Range = flagged.Range
		case "inner-frame-time":
			o.InnerFrameTime = flagged.InnerFrameTime
		case "listen":
			o.Listen = flagged.Listen
		case "peer":
			o.Peers = flagged.Peers
		case "output":
			o.Output = flagged.Output
		case "metrics-addr":
			o.MetricsAddr = flagged.MetricsAddr
		case "strict-pacing":
			o.StrictPacing = flagged.StrictPacing
		case "reset-command":
			o.ResetCommand = flagged.ResetCommand
		case "verbose":
			o.Verbose = flagged.Verbose
		}
	})

	return nil
}

// validate checks every numeric setting against its bound.
func (o *options) validate() error {
	switch {
	case o.Duration <= 0:
		return errors.New("test duration must be positive")
	case o.Runs <= 0:
		return errors.New("number of runs must be positive")
	case o.Wait < 0:
		return errors.New("delay between runs cannot be negative")
	case o.Size <= 0:
		return errors.New("message size must be positive")
	case o.InnerFrameTime <= 0 || math.IsNaN(o.InnerFrameTime) || math.IsInf(o.InnerFrameTime, 0):
		return errors.New("inner frame time must be positive")
	}

	return nil
}

// peerTable parses the name=host:port entries. Names without the trust prefix get it.
func (o *options) peerTable() ([]transport.PeerHandle, error) {
	peers := make([]transport.PeerHandle, 0, len(o.Peers))
	for _, entry := range o.Peers {
		name, addr, ok := strings.Cut(entry, "=")
		if !ok || name == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer entry %q, want name=host:port", entry)
		}
		if !strings.HasPrefix(name, bench.DefaultTrustPattern) {
			name = bench.DefaultTrustPattern + name
		}
		peers = append(peers, transport.PeerHandle{Name: name, Address: addr})
	}

	return peers, nil
}

func (o *options) ifs() time.Duration {
	return time.Duration(o.InnerFrameTime * float64(time.Microsecond))
}

func (o *options) benchOptions(l logger.Logger) []bench.Option {
	return []bench.Option{
		bench.WithDuration(time.Duration(o.Duration) * time.Second),
		bench.WithRuns(o.Runs),
		bench.WithInterRunDelay(time.Duration(o.Wait) * time.Second),
		bench.WithFrameSize(o.Size),
		bench.WithRange(o.Range),
		bench.WithIFS(o.ifs()),
		bench.WithOutputDir(o.Output),
		bench.WithStrictPacing(o.StrictPacing),
		bench.WithLogger(l),
	}
}
