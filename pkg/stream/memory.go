package stream

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gofrs/uuid/v5"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/hubmesh/pkg/state"
)

type memoryTopic struct {
	seq      uint64
	retained []Message
	subs     map[string]*subscription
}

// MemoryProvider is an in-process broker. Sequences are local to the
// provider instance so its epoch changes on every construction.
type MemoryProvider struct {
	cfg      config
	logger   *slog.Logger
	registry *Registry
	epoch    string

	lk     sync.Mutex
	topics map[Topic]*memoryTopic
	subs   map[string]*subscription
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Provider = (*MemoryProvider)(nil)

// NewMemoryProvider persists handles in store.
func NewMemoryProvider(store state.Store, opts ...Option) (*MemoryProvider, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryProvider{
		cfg:      cfg,
		logger:   cfg.logger(),
		registry: NewRegistry(store),
		epoch:    uuid.Must(uuid.NewV4()).String(),
		topics:   make(map[Topic]*memoryTopic),
		subs:     make(map[string]*subscription),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Epoch identifies the sequence space of this broker.
func (mp *MemoryProvider) Epoch() string {
	return mp.epoch
}

func (mp *MemoryProvider) topic(t Topic) *memoryTopic {
	mt, ok := mp.topics[t]
	if !ok {
		mt = &memoryTopic{subs: make(map[string]*subscription)}
		mp.topics[t] = mt
	}
	return mt
}

func (mp *MemoryProvider) Publish(ctx context.Context, topic Topic, data []byte) error {
	if err := topic.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	mp.lk.Lock()
	defer mp.lk.Unlock()
	if mp.closed {
		return ErrClosed
	}

	mt := mp.topic(topic)
	mt.seq++
	msg := Message{Topic: topic, Seq: mt.seq, Data: bytes.Clone(data)}
	if mp.cfg.retention > 0 {
		mt.retained = append(mt.retained, msg)
		if over := len(mt.retained) - mp.cfg.retention; over > 0 {
			clear(mt.retained[:over])
			mt.retained = mt.retained[over:]
		}
	}
	for _, sub := range mt.subs {
		sub.push(msg)
	}

	mp.cfg.sink().IncrCounterWithLabels(
		MetricPublishedCount, 1,
		append([]metrics.Label{{Name: "namespace", Value: topic.Namespace}}, mp.cfg.metricLabels...),
	)
	return nil
}

func (mp *MemoryProvider) Subscribe(ctx context.Context, topic Topic, owner string, h Handler) (Handle, error) {
	if err := topic.Validate(); err != nil {
		return Handle{}, err
	}

	mp.lk.Lock()
	if mp.closed {
		mp.lk.Unlock()
		return Handle{}, ErrClosed
	}
	handle := Handle{
		ID:      uuid.Must(uuid.NewV4()).String(),
		Topic:   topic,
		Owner:   owner,
		Epoch:   mp.epoch,
		LastSeq: mp.topic(topic).seq,
	}
	mp.lk.Unlock()

	if err := mp.registry.Save(ctx, handle); err != nil {
		return Handle{}, fmt.Errorf("%w: %w", ErrSubscribe, err)
	}

	// Replay from the sequence captured above so nothing published while
	// the handle was being saved is lost.
	if err := mp.attach(handle, h); err != nil {
		_ = mp.registry.Delete(context.WithoutCancel(ctx), handle)
		return Handle{}, err
	}
	return handle, nil
}

func (mp *MemoryProvider) Resume(ctx context.Context, handle Handle, h Handler) error {
	stored, err := mp.registry.Load(ctx, handle)
	if err != nil {
		return err
	}
	return mp.attach(stored, h)
}

func (mp *MemoryProvider) attach(handle Handle, h Handler) error {
	mp.lk.Lock()
	defer mp.lk.Unlock()
	if mp.closed {
		return ErrClosed
	}

	if sub, ok := mp.subs[handle.ID]; ok {
		sub.swap(h)
		return nil
	}

	from := handle.LastSeq
	if handle.Epoch != mp.epoch {
		from = 0
	}

	mt := mp.topic(handle.Topic)
	sub := newSubscription(mp.ctx, &mp.cfg, mp.registry, handle, h, mp.epoch, from)
	for _, msg := range mt.retained {
		if msg.Seq > from {
			sub.push(msg)
		}
	}
	mt.subs[handle.ID] = sub
	mp.subs[handle.ID] = sub

	mp.wg.Add(1)
	go func() {
		defer mp.wg.Done()
		sub.run()
	}()
	return nil
}

func (mp *MemoryProvider) Unsubscribe(ctx context.Context, handle Handle) error {
	mp.lk.Lock()
	if sub, ok := mp.subs[handle.ID]; ok {
		sub.stop()
		delete(mp.subs, handle.ID)
		if mt, ok := mp.topics[handle.Topic]; ok {
			delete(mt.subs, handle.ID)
		}
	}
	mp.lk.Unlock()

	return mp.registry.Delete(ctx, handle)
}

func (mp *MemoryProvider) Handles(ctx context.Context, topic Topic, owner string) ([]Handle, error) {
	return mp.registry.List(ctx, topic, owner)
}

// Close stops every subscription and waits for in-flight deliveries.
// Handles stay persisted.
func (mp *MemoryProvider) Close() error {
	mp.lk.Lock()
	if mp.closed {
		mp.lk.Unlock()
		return nil
	}
	mp.closed = true
	mp.cancel()
	mp.lk.Unlock()

	mp.wg.Wait()
	return nil
}
