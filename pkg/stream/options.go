package stream

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-metrics"
	"github.com/jonboulle/clockwork"
)

var (
	MetricPublishedCount   = []string{"hubmesh", "stream", "published", "count"}
	MetricDeliveredCount   = []string{"hubmesh", "stream", "delivered", "count"}
	MetricRedeliveredCount = []string{"hubmesh", "stream", "redelivered", "count"}
	MetricDroppedCount     = []string{"hubmesh", "stream", "dropped", "count"}
)

type config struct {
	logHandler     slog.Handler
	msink          metrics.MetricSink
	metricLabels   []metrics.Label
	clock          clockwork.Clock
	retention      int
	retentionTTL   time.Duration
	maxRedelivery  uint64
	redeliveryWait time.Duration
}

func defaultConfig() config {
	return config{
		clock:          clockwork.NewRealClock(),
		retention:      1024,
		retentionTTL:   10 * time.Minute,
		maxRedelivery:  5,
		redeliveryWait: 50 * time.Millisecond,
	}
}

func (c *config) logger() *slog.Logger {
	if c.logHandler != nil {
		return slog.New(c.logHandler)
	}
	return slog.Default()
}

func (c *config) sink() metrics.MetricSink {
	if c.msink != nil {
		return c.msink
	}
	return metrics.Default()
}

func (c *config) redelivery() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.redeliveryWait
	exp.MaxInterval = 40 * c.redeliveryWait
	exp.MaxElapsedTime = 0
	return backoff.WithMaxRetries(exp, c.maxRedelivery)
}

// Option to pass to the provider constructors.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink chooses where delivery metrics go.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to every metric.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithClock overrides the clock, mostly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) error {
		if clock != nil {
			c.clock = clock
		}
		return nil
	}
}

// WithRetention bounds how many messages per topic an in-process broker
// keeps around for replays.
func WithRetention(messages int) Option {
	return func(c *config) error {
		if messages < 0 {
			return ErrInvalidCfg
		}
		c.retention = messages
		return nil
	}
}

// WithRetentionTTL controls how long the etcd provider keeps events.
func WithRetentionTTL(ttl time.Duration) Option {
	return func(c *config) error {
		if ttl < 2*time.Second {
			return ErrInvalidCfg
		}
		c.retentionTTL = ttl
		return nil
	}
}

// WithRedelivery controls how many times a failing handler is retried
// before the message is dropped, and the initial wait between attempts.
func WithRedelivery(maxRetries uint64, initialWait time.Duration) Option {
	return func(c *config) error {
		if initialWait <= 0 {
			return ErrInvalidCfg
		}
		c.maxRedelivery = maxRetries
		c.redeliveryWait = initialWait
		return nil
	}
}

func applyOptions(opts []Option) (config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}
