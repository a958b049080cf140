package bench

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/arloliu/go-pingpong/logger"
	"github.com/arloliu/go-pingpong/metrics"
	"github.com/arloliu/go-pingpong/pipeline"
)

// DefaultTrustPattern is the name prefix of benchmark peers.
const DefaultTrustPattern = "PiChat-"

// Config represents the parameters of a benchmark experiment.
type Config struct {
	// duration is the measurement window of one run.
	// Defaults to 30 seconds.
	duration time.Duration

	// runs is the number of runs of the experiment.
	// Defaults to 3.
	runs int

	// interRunDelay is the pause between two runs.
	// Defaults to 5 seconds.
	interRunDelay time.Duration

	// frameSize is the padding target of data frames in bytes.
	// Defaults to 100.
	frameSize int

	// rangeID groups the log files of an experiment under ranges/<rangeID>.
	// Defaults to "default".
	rangeID string

	// ifs is the inter-frame spacing of the outbound pipeline.
	// Defaults to 4.5 microseconds.
	ifs time.Duration

	// strictPacing releases at most one outbound frame per ifs instead of polling with it.
	// Defaults to false.
	strictPacing bool

	// outputDir is the root directory of the log files.
	// Defaults to the working directory.
	outputDir string

	// negotiationMin and negotiationMax bound the random negotiation window of a run.
	// Defaults to [1s, 10s).
	negotiationMin time.Duration
	negotiationMax time.Duration

	// stallTimeout is how long a run waits for the first data frame before recovering.
	// Defaults to half the run duration.
	stallTimeout time.Duration

	// recoveryAttempts is the number of control frame resends of a stalled run.
	// Defaults to 1.
	recoveryAttempts int

	// recoveryWindow is the wait for data after each resend.
	// Defaults to min(5s, 10% of the run duration).
	recoveryWindow time.Duration

	// discoveryRetries and connectRetries bound the link setup attempts.
	// Defaults to 3 each.
	discoveryRetries int
	connectRetries   int

	// discoveryTimeout is the scan time of one discovery attempt.
	// Defaults to 15 seconds.
	discoveryTimeout time.Duration

	// settleDelay is the wait between starting the pipelines and the first discovery.
	// Defaults to 3 seconds.
	settleDelay time.Duration

	// stabilizeDelay is the wait between connecting and the first run.
	// Defaults to 5 seconds.
	stabilizeDelay time.Duration

	// resetDelay is the wait after a link reset before the next setup attempt.
	// Defaults to 3 seconds.
	resetDelay time.Duration

	// trustPattern is the name prefix a discovered peer must carry.
	// Defaults to DefaultTrustPattern.
	trustPattern string

	// logBufferSize is the record count per direction that triggers a CSV flush.
	// Defaults to metrics.DefaultBufferLimit.
	logBufferSize int

	// outboundQueueSize is the capacity of the outbound queue.
	// Defaults to pipeline.DefaultOutboundQueueSize.
	outboundQueueSize int

	// progressInterval is the period of the progress log of an active run.
	// Defaults to 1 second.
	progressInterval time.Duration

	logger logger.Logger
	rng    *rand.Rand
}

// NewConfig creates a new Config with default values and applies opts.
//
// The opts parameter is a variadic argument that accepts a list of Option functions to customize the configuration.
// Returns a pointer to the initialized Config and an error if any option failed to validate.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		duration:          30 * time.Second,
		runs:              3,
		interRunDelay:     5 * time.Second,
		frameSize:         100,
		rangeID:           "default",
		ifs:               4500 * time.Nanosecond,
		outputDir:         ".",
		negotiationMin:    1 * time.Second,
		negotiationMax:    10 * time.Second,
		recoveryAttempts:  1,
		discoveryRetries:  3,
		connectRetries:    3,
		discoveryTimeout:  15 * time.Second,
		settleDelay:       3 * time.Second,
		stabilizeDelay:    5 * time.Second,
		resetDelay:        3 * time.Second,
		trustPattern:      DefaultTrustPattern,
		logBufferSize:     metrics.DefaultBufferLimit,
		outboundQueueSize: pipeline.DefaultOutboundQueueSize,
		progressInterval:  1 * time.Second,
		logger:            logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.rng == nil {
		cfg.rng = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec
	}

	return cfg, nil
}

// Duration returns the measurement window of one run.
func (cfg *Config) Duration() time.Duration { return cfg.duration }

// Runs returns the number of runs.
func (cfg *Config) Runs() int { return cfg.runs }

// FrameSize returns the data frame padding target.
func (cfg *Config) FrameSize() int { return cfg.frameSize }

// IFS returns the inter-frame spacing.
func (cfg *Config) IFS() time.Duration { return cfg.ifs }

// RangeDir returns the directory the log files of this experiment are written to.
func (cfg *Config) RangeDir() string {
	return filepath.Join(cfg.outputDir, "ranges", cfg.rangeID)
}

// StallTimeout returns the wait for the first data frame of a run before recovery starts.
func (cfg *Config) StallTimeout() time.Duration {
	if cfg.stallTimeout > 0 {
		return min(cfg.stallTimeout, cfg.duration)
	}

	return cfg.duration / 2
}

// RecoveryWindow returns the wait for data after one control frame resend.
func (cfg *Config) RecoveryWindow() time.Duration {
	if cfg.recoveryWindow > 0 {
		return cfg.recoveryWindow
	}

	return min(5*time.Second, cfg.duration/10)
}

// negotiationWindow picks the negotiation window of one run, uniform in [negotiationMin, negotiationMax).
func (cfg *Config) negotiationWindow() time.Duration {
	span := cfg.negotiationMax - cfg.negotiationMin
	if span <= 0 {
		return cfg.negotiationMin
	}

	return cfg.negotiationMin + time.Duration(cfg.rng.Int63n(int64(span)))
}

// Option represents a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc struct {
	name      string
	applyFunc func(*Config) error
}

func (o *optFunc) apply(cfg *Config) error {
	if cfg == nil {
		return ErrConfigNil
	}
	if err := o.applyFunc(cfg); err != nil {
		return fmt.Errorf("%s: %w", o.name, err)
	}

	return nil
}

func newOptFunc(name string, f func(*Config) error) *optFunc {
	return &optFunc{name: name, applyFunc: f}
}

// WithDuration sets the measurement window of one run. It must be positive.
func WithDuration(d time.Duration) Option {
	return newOptFunc("WithDuration", func(cfg *Config) error {
		if d <= 0 {
			return errors.New("duration must be positive")
		}
		cfg.duration = d

		return nil
	})
}

// WithRuns sets the number of runs. It must be positive.
func WithRuns(n int) Option {
	return newOptFunc("WithRuns", func(cfg *Config) error {
		if n <= 0 {
			return errors.New("number of runs must be positive")
		}
		cfg.runs = n

		return nil
	})
}

// WithInterRunDelay sets the pause between two runs. It can't be negative.
func WithInterRunDelay(d time.Duration) Option {
	return newOptFunc("WithInterRunDelay", func(cfg *Config) error {
		if d < 0 {
			return errors.New("delay between runs cannot be negative")
		}
		cfg.interRunDelay = d

		return nil
	})
}

// WithFrameSize sets the padding target of data frames in bytes.
func WithFrameSize(size int) Option {
	return newOptFunc("WithFrameSize", func(cfg *Config) error {
		if size <= 0 || size > 65507 {
			return errors.New("frame size is out of range [1, 65507]")
		}
		cfg.frameSize = size

		return nil
	})
}

// WithRange sets the range identifier the log files are grouped by.
func WithRange(id string) Option {
	return newOptFunc("WithRange", func(cfg *Config) error {
		if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
			return fmt.Errorf("invalid range identifier %q", id)
		}
		cfg.rangeID = id

		return nil
	})
}

// WithIFS sets the inter-frame spacing. It must be positive.
func WithIFS(d time.Duration) Option {
	return newOptFunc("WithIFS", func(cfg *Config) error {
		if d <= 0 {
			return errors.New("inter-frame spacing must be positive")
		}
		cfg.ifs = d

		return nil
	})
}

// WithStrictPacing makes the outbound pipeline release at most one frame per IFS.
func WithStrictPacing(enabled bool) Option {
	return newOptFunc("WithStrictPacing", func(cfg *Config) error {
		cfg.strictPacing = enabled
		return nil
	})
}

// WithOutputDir sets the root directory of the log files.
func WithOutputDir(dir string) Option {
	return newOptFunc("WithOutputDir", func(cfg *Config) error {
		if dir == "" {
			return errors.New("output directory is empty")
		}
		cfg.outputDir = dir

		return nil
	})
}

// WithNegotiationWindow sets the bounds of the random negotiation window, 0 < minWait <= maxWait <= 60s.
func WithNegotiationWindow(minWait, maxWait time.Duration) Option {
	return newOptFunc("WithNegotiationWindow", func(cfg *Config) error {
		if minWait <= 0 || maxWait < minWait || maxWait > time.Minute {
			return fmt.Errorf("negotiation window [%v, %v) is out of range (0, 1m]", minWait, maxWait)
		}
		cfg.negotiationMin = minWait
		cfg.negotiationMax = maxWait

		return nil
	})
}

// WithStallTimeout sets the wait for the first data frame of a run before recovery starts.
// It is capped by the run duration.
func WithStallTimeout(d time.Duration) Option {
	return newOptFunc("WithStallTimeout", func(cfg *Config) error {
		if d <= 0 {
			return errors.New("stall timeout must be positive")
		}
		cfg.stallTimeout = d

		return nil
	})
}

// WithRecoveryAttempts sets the number of control frame resends of a stalled run.
func WithRecoveryAttempts(n int) Option {
	return newOptFunc("WithRecoveryAttempts", func(cfg *Config) error {
		if n < 1 || n > 3 {
			return errors.New("recovery attempts is out of range [1, 3]")
		}
		cfg.recoveryAttempts = n

		return nil
	})
}

// WithRecoveryWindow sets the wait for data after each resend.
func WithRecoveryWindow(d time.Duration) Option {
	return newOptFunc("WithRecoveryWindow", func(cfg *Config) error {
		if d <= 0 || d > 5*time.Second {
			return errors.New("recovery window is out of range (0, 5s]")
		}
		cfg.recoveryWindow = d

		return nil
	})
}

// WithDiscoveryRetries sets the number of discovery attempts.
func WithDiscoveryRetries(n int) Option {
	return newOptFunc("WithDiscoveryRetries", func(cfg *Config) error {
		if n < 1 || n > 10 {
			return errors.New("discovery retries is out of range [1, 10]")
		}
		cfg.discoveryRetries = n

		return nil
	})
}

// WithConnectRetries sets the number of connection attempts.
func WithConnectRetries(n int) Option {
	return newOptFunc("WithConnectRetries", func(cfg *Config) error {
		if n < 1 || n > 10 {
			return errors.New("connect retries is out of range [1, 10]")
		}
		cfg.connectRetries = n

		return nil
	})
}

// WithDiscoveryTimeout sets the scan time of one discovery attempt.
func WithDiscoveryTimeout(d time.Duration) Option {
	return newOptFunc("WithDiscoveryTimeout", func(cfg *Config) error {
		if d <= 0 {
			return errors.New("discovery timeout must be positive")
		}
		cfg.discoveryTimeout = d

		return nil
	})
}

// WithSettleDelay sets the wait between starting the pipelines and the first discovery.
func WithSettleDelay(d time.Duration) Option {
	return newOptFunc("WithSettleDelay", func(cfg *Config) error {
		if d < 0 {
			return errors.New("settle delay cannot be negative")
		}
		cfg.settleDelay = d

		return nil
	})
}

// WithStabilizeDelay sets the wait between connecting and the first run.
func WithStabilizeDelay(d time.Duration) Option {
	return newOptFunc("WithStabilizeDelay", func(cfg *Config) error {
		if d < 0 {
			return errors.New("stabilize delay cannot be negative")
		}
		cfg.stabilizeDelay = d

		return nil
	})
}

// WithResetDelay sets the wait after a link reset.
func WithResetDelay(d time.Duration) Option {
	return newOptFunc("WithResetDelay", func(cfg *Config) error {
		if d < 0 {
			return errors.New("reset delay cannot be negative")
		}
		cfg.resetDelay = d

		return nil
	})
}

// WithTrustPattern sets the name prefix a discovered peer must carry.
func WithTrustPattern(pattern string) Option {
	return newOptFunc("WithTrustPattern", func(cfg *Config) error {
		if strings.TrimSuffix(pattern, "*") == "" {
			return errors.New("trust pattern is empty")
		}
		cfg.trustPattern = pattern

		return nil
	})
}

// WithLogBufferSize sets the record count per direction that triggers a CSV flush.
func WithLogBufferSize(n int) Option {
	return newOptFunc("WithLogBufferSize", func(cfg *Config) error {
		if n < 1 || n > 1_000_000 {
			return errors.New("log buffer size is out of range [1, 1000000]")
		}
		cfg.logBufferSize = n

		return nil
	})
}

// WithOutboundQueueSize sets the capacity of the outbound queue.
func WithOutboundQueueSize(n int) Option {
	return newOptFunc("WithOutboundQueueSize", func(cfg *Config) error {
		if n < 1 || n > 1_000_000 {
			return errors.New("outbound queue size is out of range [1, 1000000]")
		}
		cfg.outboundQueueSize = n

		return nil
	})
}

// WithProgressInterval sets the period of the progress log of an active run.
func WithProgressInterval(d time.Duration) Option {
	return newOptFunc("WithProgressInterval", func(cfg *Config) error {
		if d <= 0 {
			return errors.New("progress interval must be positive")
		}
		cfg.progressInterval = d

		return nil
	})
}

// WithLogger sets the logger of the experiment.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", func(cfg *Config) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}

// WithRandSource sets the source of the negotiation windows.
func WithRandSource(src rand.Source) Option {
	return newOptFunc("WithRandSource", func(cfg *Config) error {
		if src == nil {
			return errors.New("rand source is nil")
		}
		cfg.rng = rand.New(src) //nolint:gosec

		return nil
	})
}
