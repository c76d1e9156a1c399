package hubmesh

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultSweepInterval       = 15 * time.Second
	DefaultStalenessMultiplier = 3
	DefaultOperationTimeout    = 30 * time.Second
	DefaultFanOutLimit         = 64
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	clock        clockwork.Clock

	serverID         string
	heartbeat        time.Duration
	sweep            time.Duration
	staleness        int
	operationTimeout time.Duration
	fanOutLimit      int
	unicastReplicas  int
}

func newConfig(opts []Option) (config, error) {
	cfg := config{
		clock:            clockwork.NewRealClock(),
		heartbeat:        DefaultHeartbeatInterval,
		sweep:            DefaultSweepInterval,
		staleness:        DefaultStalenessMultiplier,
		operationTimeout: DefaultOperationTimeout,
		fanOutLimit:      DefaultFanOutLimit,
		unicastReplicas:  1,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return cfg, err
		}
	}
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	return cfg, nil
}

func (c *config) logger() *slog.Logger {
	if c.logHandler != nil {
		return slog.New(c.logHandler)
	}
	return slog.Default()
}

func (c *config) labels(extra ...metrics.Label) []metrics.Label {
	return append(extra, c.metricLabels...)
}

// Option to pass to `NewCoordinator` and `RegisterEntities`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the coordinator and the entities.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithClock drives heartbeats and directory sweeps.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) error {
		if clock != nil {
			c.clock = clock
		}
		return nil
	}
}

// WithServerID overrides the randomly generated server id. It MUST be
// unique in the cluster and must not contain ':'.
func WithServerID(id string) Option {
	return func(c *config) error {
		if err := validateServerID(id); err != nil {
			return err
		}
		c.serverID = id
		return nil
	}
}

// WithHeartbeatInterval controls how often a coordinator reports to the
// server directory. The directory must be configured with the same value
// since it derives its staleness threshold from it.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 {
			return ErrInvalidCfg
		}
		c.heartbeat = interval
		return nil
	}
}

// WithSweepInterval controls how often the server directory looks for
// stale servers.
func WithSweepInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 {
			return ErrInvalidCfg
		}
		c.sweep = interval
		return nil
	}
}

// WithStalenessMultiplier sets after how many missed heartbeats a server
// is evicted.
func WithStalenessMultiplier(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return ErrInvalidCfg
		}
		c.staleness = n
		return nil
	}
}

// WithOperationTimeout bounds every entity call and publish issued by the
// coordinator.
func WithOperationTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = DefaultOperationTimeout
		}
		if timeout < 0 {
			return ErrInvalidCfg
		}
		c.operationTimeout = timeout
		return nil
	}
}

// WithFanOutLimit caps how many deliveries a group or broadcast send runs
// concurrently.
func WithFanOutLimit(limit int) Option {
	return func(c *config) error {
		if limit == 0 {
			limit = DefaultFanOutLimit
		}
		if limit < 0 {
			return ErrInvalidCfg
		}
		c.fanOutLimit = limit
		return nil
	}
}

// WithUnicastReplicas spreads the unicast traffic of a server over n
// topics. Connections are assigned to a shard by hashing their id.
func WithUnicastReplicas(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return ErrInvalidCfg
		}
		c.unicastReplicas = n
		return nil
	}
}
