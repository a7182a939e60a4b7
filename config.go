package nrfprog

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the retry budgets and settle delays of the bridge protocol.
// The defaults are what the Bus Pirate firmware needs; tests shrink them.
type Config struct {
	// HandshakeAttempts is how often the reset byte is sent while waiting for
	// the binary mode signature.
	HandshakeAttempts int

	// ResetAttempts bounds the return to normal mode.
	ResetAttempts int

	// CommandSettle is slept after every single command byte.
	CommandSettle time.Duration

	// TransactionSettle is slept before the ack of a write-only SPI transaction.
	TransactionSettle time.Duration

	// BufferSettle is slept before the ack of read and program transactions,
	// while the bridge buffers the SPI data.
	BufferSettle time.Duration

	// AckAttempts and AckPollInterval bound the wait for an ack byte.
	AckAttempts     int
	AckPollInterval time.Duration

	// ByteReadRetries bounds the retries for a single streamed byte of a
	// block read, StatusByteRetries for the status byte of a poll.
	ByteReadRetries   int
	StatusByteRetries int
	ByteRetryBackoff  time.Duration

	// StatusPollAttempts bounds the status-register polling after an erase
	// or program.
	StatusPollAttempts int

	// Strict turns ReadStarvation and StatusPollExhausted into errors.
	Strict bool

	Logger logrus.FieldLogger

	// Progress, if set, is told about every block handled by the programmer.
	Progress ProgressFunc
}

// ProgressFunc receives the phase name, the block just finished and the block
// count of the phase.
type ProgressFunc func(phase string, block, total int)

func DefaultConfig() Config {
	return Config{
		HandshakeAttempts:  25,
		ResetAttempts:      25,
		CommandSettle:      10 * time.Millisecond,
		TransactionSettle:  time.Millisecond,
		BufferSettle:       200 * time.Millisecond,
		AckAttempts:        50,
		AckPollInterval:    250 * time.Millisecond,
		ByteReadRetries:    10,
		StatusByteRetries:  25,
		ByteRetryBackoff:   time.Millisecond,
		StatusPollAttempts: 25,
	}
}

type Option func(*Config)

// WithConfig replaces the whole configuration. Options after it still apply.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		logger, progress := c.Logger, c.Progress
		*c = cfg
		if c.Logger == nil {
			c.Logger = logger
		}
		if c.Progress == nil {
			c.Progress = progress
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Config) { c.Logger = l }
}

func WithStrict(strict bool) Option {
	return func(c *Config) { c.Strict = strict }
}

func WithProgress(fn ProgressFunc) Option {
	return func(c *Config) { c.Progress = fn }
}

func buildConfig(opts []Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		discard := logrus.New()
		discard.Out = io.Discard
		cfg.Logger = discard
	}
	return cfg
}

func (c *Config) progress(phase string, block, total int) {
	if c.Progress != nil {
		c.Progress(phase, block, total)
	}
}
