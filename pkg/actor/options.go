package actor

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/jonboulle/clockwork"
)

var (
	MetricCallCount         = []string{"hubmesh", "actor", "call", "count"}
	MetricActivationCount   = []string{"hubmesh", "actor", "activation", "count"}
	MetricDeactivationCount = []string{"hubmesh", "actor", "deactivation", "count"}
	MetricStateOpCount      = []string{"hubmesh", "actor", "state", "op", "count"}
	MetricStateConflict     = []string{"hubmesh", "actor", "state", "conflict", "count"}
)

type config struct {
	logHandler      slog.Handler
	msink           metrics.MetricSink
	metricLabels    []metrics.Label
	clock           clockwork.Clock
	idleTimeout     time.Duration
	stateTimeout    time.Duration
	conflictRetries uint64
}

// Option to pass to `NewRuntime`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink chooses where runtime metrics go.
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

// WithClock drives idle collection and entity timers.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) error {
		if clock != nil {
			c.clock = clock
		}
		return nil
	}
}

// WithIdleTimeout controls how long an activation nobody calls stays in
// memory.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 2 * time.Minute
		}
		if timeout < 0 {
			return ErrInvalidCfg
		}
		c.idleTimeout = timeout
		return nil
	}
}

// WithStateTimeout bounds a single storage round trip issued by a
// `Conflated` wrapper.
func WithStateTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		if timeout < 0 {
			return ErrInvalidCfg
		}
		c.stateTimeout = timeout
		return nil
	}
}

// WithConflictRetries controls how many times a conflicting write is
// re-read and retried.
func WithConflictRetries(retries uint64) Option {
	return func(c *config) error {
		c.conflictRetries = retries
		return nil
	}
}
