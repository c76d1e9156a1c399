package gossip

import (
	"crypto/tls"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/jonboulle/clockwork"
	"github.com/raskyld/hubmesh/pkg/stream"
)

const (
	DefaultReorderWait = 500 * time.Millisecond
	DefaultSendLimit   = 16
)

type config struct {
	mlCfg        *memberlist.Config
	trCfg        TransportConfig
	useQUIC      bool
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	neighbours   []string
	clock        clockwork.Clock
	reorderWait  time.Duration
	sendLimit    int
	streamOpts   []stream.Option
}

func defaultConfig() config {
	return config{
		mlCfg:       memberlist.DefaultLANConfig(),
		clock:       clockwork.NewRealClock(),
		reorderWait: DefaultReorderWait,
		sendLimit:   DefaultSendLimit,
	}
}

// Option to pass to `NewProvider`.
type Option func(*config) error

// WithListenOn specifies the interface gossip binds. A zero port picks a
// free one.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		c.mlCfg.AdvertisePort = port
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithAdvertise overrides the address other members use to reach us.
func WithAdvertise(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.AdvertiseAddr = addr
		c.mlCfg.AdvertisePort = port
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		c.streamOpts = append(c.streamOpts, stream.WithLog(handler))
		return nil
	}
}

// WithHostname specifies the name exposed to other members. It MUST be
// unique in the cluster and, with TLS, match the name resolved from our
// certificate.
func WithHostname(hostname string) Option {
	return func(c *config) error {
		if hostname != "" {
			c.mlCfg.Name = hostname
		}
		return nil
	}
}

// WithMetricLabels adds static labels to every metric, memberlist's
// included.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels
		c.streamOpts = append(c.streamOpts, stream.WithMetricLabels(labels))

		// memberlist still emits through armon/go-metrics.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithMetricSink chooses where the provider and its transport emit.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		c.streamOpts = append(c.streamOpts, stream.WithMetricSink(ms))
		return nil
	}
}

// WithTLSConfig carries gossip over QUIC instead of memberlist's TCP and
// UDP transport. Use mTLS, peers are named after their certificate.
func WithTLSConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TLSConfig = tlsConf.Clone()
		c.useQUIC = true
		return nil
	}
}

// WithHostnameResolver changes how QUIC peers are named from their
// certificates.
func WithHostnameResolver(resolver HostnameResolver) Option {
	return func(c *config) error {
		c.trCfg.HostnameResolver = resolver
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.trCfg.DialTimeout = timeout
		c.mlCfg.TCPTimeout = timeout
		return nil
	}
}

// WithGracePeriod controls how much time the QUIC transport waits on
// shutdown for streams to flush.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		c.trCfg.GracePeriod = period
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to join the
// cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithClock overrides the clock driving the reorder buffers.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) error {
		if clock != nil {
			c.clock = clock
			c.streamOpts = append(c.streamOpts, stream.WithClock(clock))
		}
		return nil
	}
}

// WithReorderWait bounds how long a frame waits for a missing predecessor
// before the gap is skipped.
func WithReorderWait(wait time.Duration) Option {
	return func(c *config) error {
		if wait <= 0 {
			return ErrInvalidCfg
		}
		c.reorderWait = wait
		return nil
	}
}

// WithSendLimit bounds how many members a publish sends to concurrently.
func WithSendLimit(limit int) Option {
	return func(c *config) error {
		if limit < 1 {
			return ErrInvalidCfg
		}
		c.sendLimit = limit
		return nil
	}
}

// WithStreamOptions forwards options to the local broker delivering to
// subscribers of this member.
func WithStreamOptions(opts ...stream.Option) Option {
	return func(c *config) error {
		c.streamOpts = append(c.streamOpts, opts...)
		return nil
	}
}

// WithMemberlistConfig replaces the memberlist configuration, for example
// with `memberlist.DefaultLocalConfig()`. Apply it before other options.
func WithMemberlistConfig(mlCfg *memberlist.Config) Option {
	return func(c *config) error {
		if mlCfg == nil {
			return ErrInvalidCfg
		}
		c.mlCfg = mlCfg
		return nil
	}
}
