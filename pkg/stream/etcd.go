package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/hubmesh/pkg/state"
	etcd "go.etcd.io/etcd/client/v3"
)

// etcdEpoch is shared by every EtcdProvider: revisions are cluster-wide.
const etcdEpoch = "etcd"

// EtcdProvider stores events as leased keys and delivers them through
// watches. A subscription resumes from its last acknowledged revision, so
// events published while nobody was attached are replayed as long as
// their lease is alive.
type EtcdProvider struct {
	cfg      config
	logger   *slog.Logger
	client   *etcd.Client
	registry *Registry

	leaseLk      sync.Mutex
	lease        etcd.LeaseID
	leaseGranted time.Time

	lk     sync.Mutex
	subs   map[string]*subscription
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Provider = (*EtcdProvider)(nil)

// NewEtcdProvider keeps events in client and handles in store.
func NewEtcdProvider(client *etcd.Client, store state.Store, opts ...Option) (*EtcdProvider, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdProvider{
		cfg:      cfg,
		logger:   cfg.logger(),
		client:   client,
		registry: NewRegistry(store),
		subs:     make(map[string]*subscription),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func eventsPrefix(topic Topic) string {
	return state.StreamsNamespace + "events/" +
		url.PathEscape(topic.Namespace) + "/" +
		url.PathEscape(topic.Key) + "/"
}

func (ep *EtcdProvider) currentLease(ctx context.Context) (etcd.LeaseID, error) {
	ep.leaseLk.Lock()
	defer ep.leaseLk.Unlock()

	if ep.lease != 0 && ep.cfg.clock.Since(ep.leaseGranted) < ep.cfg.retentionTTL/2 {
		return ep.lease, nil
	}
	resp, err := ep.client.Grant(ctx, int64(ep.cfg.retentionTTL/time.Second))
	if err != nil {
		return 0, err
	}
	ep.lease = resp.ID
	ep.leaseGranted = ep.cfg.clock.Now()
	return ep.lease, nil
}

func (ep *EtcdProvider) Publish(ctx context.Context, topic Topic, data []byte) error {
	if err := topic.Validate(); err != nil {
		return err
	}
	ep.lk.Lock()
	closed := ep.closed
	ep.lk.Unlock()
	if closed {
		return ErrClosed
	}

	lease, err := ep.currentLease(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	key := eventsPrefix(topic) + uuid.Must(uuid.NewV7()).String()
	if _, err := ep.client.Put(ctx, key, string(data), etcd.WithLease(lease)); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	ep.cfg.sink().IncrCounterWithLabels(
		MetricPublishedCount, 1,
		append([]metrics.Label{{Name: "namespace", Value: topic.Namespace}}, ep.cfg.metricLabels...),
	)
	return nil
}

func (ep *EtcdProvider) Subscribe(ctx context.Context, topic Topic, owner string, h Handler) (Handle, error) {
	if err := topic.Validate(); err != nil {
		return Handle{}, err
	}

	resp, err := ep.client.Get(ctx, eventsPrefix(topic), etcd.WithPrefix(), etcd.WithCountOnly())
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %w", ErrSubscribe, err)
	}

	handle := Handle{
		ID:      uuid.Must(uuid.NewV4()).String(),
		Topic:   topic,
		Owner:   owner,
		Epoch:   etcdEpoch,
		LastSeq: uint64(resp.Header.Revision),
	}
	if err := ep.registry.Save(ctx, handle); err != nil {
		return Handle{}, fmt.Errorf("%w: %w", ErrSubscribe, err)
	}
	if err := ep.attach(handle, h); err != nil {
		_ = ep.registry.Delete(context.WithoutCancel(ctx), handle)
		return Handle{}, err
	}
	return handle, nil
}

func (ep *EtcdProvider) Resume(ctx context.Context, handle Handle, h Handler) error {
	stored, err := ep.registry.Load(ctx, handle)
	if err != nil {
		return err
	}
	return ep.attach(stored, h)
}

func (ep *EtcdProvider) attach(handle Handle, h Handler) error {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	if ep.closed {
		return ErrClosed
	}
	if sub, ok := ep.subs[handle.ID]; ok {
		sub.swap(h)
		return nil
	}

	from := handle.LastSeq
	if handle.Epoch != etcdEpoch {
		from = 0
	}

	sub := newSubscription(ep.ctx, &ep.cfg, ep.registry, handle, h, etcdEpoch, from)
	ep.subs[handle.ID] = sub

	ep.wg.Add(2)
	go func() {
		defer ep.wg.Done()
		sub.run()
	}()
	go func() {
		defer ep.wg.Done()
		ep.watch(sub, handle.Topic, from)
	}()
	return nil
}

func (ep *EtcdProvider) watch(sub *subscription, topic Topic, from uint64) {
	prefix := eventsPrefix(topic)
	rev := int64(from) + 1

	for {
		ctx := etcd.WithRequireLeader(sub.ctx)
		wch := ep.client.Watch(ctx, prefix, etcd.WithPrefix(), etcd.WithRev(rev), etcd.WithFilterDelete())
		for resp := range wch {
			if resp.CompactRevision != 0 {
				sub.logger.Warn(
					"events were compacted before delivery",
					"from", rev,
					"compact_revision", resp.CompactRevision,
				)
				rev = resp.CompactRevision
				break
			}
			if err := resp.Err(); err != nil {
				sub.logger.Warn("watch failed", "error", err)
				break
			}
			for _, ev := range resp.Events {
				rev = ev.Kv.ModRevision + 1
				if !ev.IsCreate() {
					continue
				}
				sub.push(Message{
					Topic: topic,
					Seq:   uint64(ev.Kv.ModRevision),
					Data:  ev.Kv.Value,
				})
			}
		}

		select {
		case <-sub.ctx.Done():
			return
		case <-ep.cfg.clock.After(time.Second):
		}
	}
}

func (ep *EtcdProvider) Unsubscribe(ctx context.Context, handle Handle) error {
	ep.lk.Lock()
	if sub, ok := ep.subs[handle.ID]; ok {
		sub.stop()
		delete(ep.subs, handle.ID)
	}
	ep.lk.Unlock()

	return ep.registry.Delete(ctx, handle)
}

func (ep *EtcdProvider) Handles(ctx context.Context, topic Topic, owner string) ([]Handle, error) {
	return ep.registry.List(ctx, topic, owner)
}

// Close stops watches and waits for in-flight deliveries. The etcd client
// is left open.
func (ep *EtcdProvider) Close() error {
	ep.lk.Lock()
	if ep.closed {
		ep.lk.Unlock()
		return nil
	}
	ep.closed = true
	ep.cancel()
	ep.lk.Unlock()

	ep.wg.Wait()
	return nil
}
