// Package gossip spreads topics across a cluster of processes without a
// shared broker.
//
// Members discover each other with memberlist. A publish is delivered to
// the local subscribers then sent to every other member, which delivers it
// to its own subscribers. Frames from one member on one topic are
// delivered in publish order, a gap left by a lost frame is skipped after
// the reorder wait. Subscription handles are persisted like any other
// provider but nothing replays what a member missed while it was away.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/hubmesh/pkg/state"
	"github.com/raskyld/hubmesh/pkg/stream"
	"github.com/raskyld/hubmesh/pkg/wire"
	"golang.org/x/sync/errgroup"
)

const leaveTimeout = 5 * time.Second

type Provider struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink
	local  *stream.MemoryProvider
	ml     *memberlist.Memberlist
	epoch  string

	outLk  sync.Mutex
	outSeq map[stream.Topic]uint64

	inLk    sync.Mutex
	inbound map[seqKey]*sequencer

	lk         sync.Mutex
	shutdown   bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

var _ stream.Provider = (*Provider)(nil)

// NewProvider starts a memberlist member. Handles are persisted in store.
// Call Join to meet the rest of the cluster.
func NewProvider(store state.Store, opts ...Option) (*Provider, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	local, err := stream.NewMemoryProvider(store, cfg.streamOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	p := newProvider(cfg, local)

	handler := cfg.logHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}
	mlCfg := p.cfg.mlCfg
	mlCfg.LogOutput = nil
	mlCfg.Logger = slog.NewLogLogger(handler, slog.LevelDebug)
	mlCfg.Delegate = &delegate{p: p}
	mlCfg.Events = &events{
		logger: p.logger,
		msink:  p.msink,
		labels: p.cfg.metricLabels,
	}

	var tr *Transport
	if p.cfg.useQUIC {
		trCfg := &p.cfg.trCfg
		trCfg.BindAddr = mlCfg.BindAddr
		trCfg.BindPort = mlCfg.BindPort
		if trCfg.MetricSink == nil {
			trCfg.MetricSink = p.msink
		}
		tr, err = NewTransport(trCfg)
		if err != nil {
			p.abort()
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		if mlCfg.BindPort == 0 {
			mlCfg.BindPort = tr.LocalPort()
		}
		if mlCfg.AdvertisePort == 0 {
			mlCfg.AdvertisePort = tr.LocalPort()
		}
		mlCfg.Transport = tr
		// Packets must fit in a datagram.
		mlCfg.UDPBufferSize = MaxDatagramSize
	}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		if tr != nil {
			tr.Shutdown()
		}
		p.abort()
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	p.ml = ml
	p.logger.Info("gossip member started",
		LabelPeerName.L(ml.LocalNode().Name),
		"addr", ml.LocalNode().Address(),
		LabelOrigin.L(p.epoch),
	)
	return p, nil
}

func newProvider(cfg config, local *stream.MemoryProvider) *Provider {
	p := &Provider{
		cfg:        cfg,
		local:      local,
		epoch:      uuid.Must(uuid.NewV7()).String(),
		outSeq:     make(map[stream.Topic]uint64),
		inbound:    make(map[seqKey]*sequencer),
		shutdownCh: make(chan struct{}),
	}
	if cfg.logHandler != nil {
		p.logger = slog.New(cfg.logHandler)
	} else {
		p.logger = slog.Default()
	}
	if cfg.msink != nil {
		p.msink = cfg.msink
	} else {
		p.msink = metrics.Default()
	}

	p.wg.Add(1)
	go p.handleGaps()
	return p
}

// abort releases what newProvider started.
func (p *Provider) abort() {
	p.lk.Lock()
	p.shutdown = true
	close(p.shutdownCh)
	p.lk.Unlock()
	p.wg.Wait()
	p.local.Close()
}

// Join contacts neighbours, or the ones given with WithNeighbours when
// called without arguments.
func (p *Provider) Join(neighbours ...string) error {
	if len(neighbours) == 0 {
		neighbours = p.cfg.neighbours
	}
	if len(neighbours) == 0 {
		return nil
	}
	if p.closed() {
		return ErrClosed
	}

	joined, err := p.ml.Join(neighbours)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoin, err)
	}
	if joined != len(neighbours) {
		p.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(neighbours),
		)
	} else {
		p.logger.Info("cluster joined", "neighbours", joined)
	}
	return nil
}

// Addr is where other members can join us.
func (p *Provider) Addr() string {
	return p.ml.LocalNode().Address()
}

// Members lists the names of the live members, ourselves included.
func (p *Provider) Members() []string {
	nodes := p.ml.Members()
	names := make([]string, 0, len(nodes))
	for _, node := range nodes {
		names = append(names, node.Name)
	}
	slices.Sort(names)
	return names
}

// Epoch identifies the sequence space of the local broker.
func (p *Provider) Epoch() string {
	return p.local.Epoch()
}

func (p *Provider) closed() bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.shutdown
}

// Publish delivers to local subscribers then sends the frame to every
// other member. Members which could not be reached are reported in the
// returned error, the local delivery stands.
func (p *Provider) Publish(ctx context.Context, topic stream.Topic, data []byte) error {
	if err := topic.Validate(); err != nil {
		return err
	}
	if p.closed() {
		return stream.ErrClosed
	}

	p.outLk.Lock()
	if err := p.local.Publish(ctx, topic, data); err != nil {
		p.outLk.Unlock()
		return err
	}
	p.outSeq[topic]++
	frame := wire.Frame{
		Origin:    p.epoch,
		Namespace: topic.Namespace,
		Key:       topic.Key,
		Seq:       p.outSeq[topic],
		Data:      data,
	}
	p.outLk.Unlock()

	msg := wire.AppendDelimited(nil, frame.Marshal())
	self := p.ml.LocalNode().Name
	labels := append([]metrics.Label{LabelNamespace.M(topic.Namespace)}, p.cfg.metricLabels...)

	var (
		errsLk sync.Mutex
		errs   []error
	)
	var g errgroup.Group
	g.SetLimit(p.cfg.sendLimit)
	for _, node := range p.ml.Members() {
		if node.Name == self {
			continue
		}
		g.Go(func() error {
			if err := p.ml.SendReliable(node, msg); err != nil {
				p.msink.IncrCounterWithLabels(
					MetricFrameOutErrorCount, 1,
					append([]metrics.Label{LabelPeerName.M(node.Name)}, labels...),
				)
				errsLk.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", node.Name, err))
				errsLk.Unlock()
				return nil
			}
			p.msink.IncrCounterWithLabels(MetricFrameOutCount, 1, labels)
			return nil
		})
	}
	g.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", stream.ErrPublish, errors.Join(errs...))
	}
	return nil
}

func (p *Provider) Subscribe(ctx context.Context, topic stream.Topic, owner string, h stream.Handler) (stream.Handle, error) {
	return p.local.Subscribe(ctx, topic, owner, h)
}

func (p *Provider) Resume(ctx context.Context, handle stream.Handle, h stream.Handler) error {
	return p.local.Resume(ctx, handle, h)
}

func (p *Provider) Unsubscribe(ctx context.Context, handle stream.Handle) error {
	return p.local.Unsubscribe(ctx, handle)
}

func (p *Provider) Handles(ctx context.Context, topic stream.Topic, owner string) ([]stream.Handle, error) {
	return p.local.Handles(ctx, topic, owner)
}

// Close leaves the cluster then stops local deliveries.
func (p *Provider) Close() error {
	p.lk.Lock()
	if p.shutdown {
		p.lk.Unlock()
		return nil
	}
	p.shutdown = true
	close(p.shutdownCh)
	p.lk.Unlock()

	start := time.Now()
	var errs []error
	if err := p.ml.Leave(leaveTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := p.ml.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	p.wg.Wait()
	if err := p.local.Close(); err != nil {
		errs = append(errs, err)
	}
	p.logger.Info("gossip member stopped", "duration", time.Since(start))
	return errors.Join(errs...)
}

func (p *Provider) receive(frame *wire.Frame) {
	topic := stream.Topic{Namespace: frame.Namespace, Key: frame.Key}
	if err := topic.Validate(); err != nil {
		p.rejectFrame("topic", err)
		return
	}
	if frame.Origin == "" {
		p.rejectFrame("origin", ErrFrame)
		return
	}
	if frame.Origin == p.epoch {
		return
	}

	now := p.cfg.clock.Now()
	p.inLk.Lock()
	defer p.inLk.Unlock()
	if p.closed() {
		return
	}

	key := seqKey{origin: frame.Origin, topic: topic}
	seq, ok := p.inbound[key]
	if !ok {
		seq = newSequencer(now)
		p.inbound[key] = seq
	}
	p.deliver(topic, seq.offer(frame, now))
}

// deliver must be called with inLk held so frames of one origin reach the
// local broker in order.
func (p *Provider) deliver(topic stream.Topic, frames []*wire.Frame) {
	labels := append([]metrics.Label{LabelNamespace.M(topic.Namespace)}, p.cfg.metricLabels...)
	for _, frame := range frames {
		if err := p.local.Publish(context.Background(), topic, frame.Data); err != nil {
			p.logger.Warn("could not deliver frame locally",
				LabelTopic.L(topic.String()),
				LabelOrigin.L(frame.Origin),
				LabelError.L(err),
			)
			continue
		}
		p.msink.IncrCounterWithLabels(MetricFrameInCount, 1, labels)
	}
}

func (p *Provider) rejectFrame(reason string, err error) {
	p.msink.IncrCounterWithLabels(
		MetricFrameInErrorCount, 1,
		append([]metrics.Label{LabelError.M(reason)}, p.cfg.metricLabels...),
	)
	p.logger.Warn("rejected gossip frame", "reason", reason, LabelError.L(err))
}

// handleGaps skips gaps older than the reorder wait and forgets idle
// sequencers.
func (p *Provider) handleGaps() {
	defer p.wg.Done()

	period := max(p.cfg.reorderWait/2, 10*time.Millisecond)
	idleTTL := max(time.Minute, 20*p.cfg.reorderWait)
	ticker := p.cfg.clock.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
		case <-p.shutdownCh:
			return
		}

		now := p.cfg.clock.Now()
		p.inLk.Lock()
		for key, seq := range p.inbound {
			ready, skipped := seq.expire(now, p.cfg.reorderWait)
			if skipped > 0 {
				p.msink.IncrCounterWithLabels(
					MetricFrameSkippedCount, float32(skipped),
					append([]metrics.Label{LabelNamespace.M(key.topic.Namespace)}, p.cfg.metricLabels...),
				)
				p.logger.Warn("skipped lost frames",
					LabelTopic.L(key.topic.String()),
					LabelOrigin.L(key.origin),
					"count", skipped,
				)
			}
			p.deliver(key.topic, ready)
			if seq.idle(now, idleTTL) {
				delete(p.inbound, key)
			}
		}
		p.inLk.Unlock()
	}
}
