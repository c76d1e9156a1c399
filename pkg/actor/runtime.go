// Package actor is a small in-process stand-in for a virtual actor
// runtime.
//
// An entity is addressed by a kind and a key. The runtime activates it
// lazily on the first call, keeps it while it is referenced and collects
// it once it has been idle for a while or asked to be deactivated. Calls
// to a kind take turns on a per-activation lock unless the kind was
// registered with [Reentrant], in which case the entity guards its own
// memory and relies on [Conflated] to batch storage round trips.
package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/jonboulle/clockwork"
	"github.com/raskyld/hubmesh/pkg/state"
	"github.com/raskyld/hubmesh/pkg/stream"
)

// Entity is whatever a Factory returns. It may implement Activator and
// Deactivator to hook into its lifecycle.
type Entity any

type Activator interface {
	OnActivate(ctx context.Context) error
}

type Deactivator interface {
	OnDeactivate(ctx context.Context)
}

// Factory builds the in-memory instance of an entity. It must not block,
// loading state belongs in OnActivate.
type Factory func(ectx *Context) (Entity, error)

type kindEntry struct {
	name      string
	factory   Factory
	reentrant bool
}

type KindOption func(*kindEntry)

// Reentrant lets calls to an activation run concurrently.
func Reentrant() KindOption {
	return func(k *kindEntry) {
		k.reentrant = true
	}
}

type activation struct {
	kind *kindEntry
	key  string
	ectx *Context

	// init guards entity and ready, ready is also written under
	// Runtime.lk.
	init   chan struct{}
	ready  bool
	entity Entity

	turn chan struct{}

	// guarded by Runtime.lk
	refs           int
	lastUsed       time.Time
	idleDeactivate bool
	keepAlive      bool
	deactivating   bool
	gone           chan struct{}

	timerLk sync.Mutex
	timers  []*Timer
}

func (act *activation) id() string {
	return act.kind.name + "/" + act.key
}

type Runtime struct {
	cfg     config
	logger  *slog.Logger
	store   state.Store
	streams stream.Provider

	lk     sync.Mutex
	kinds  map[string]*kindEntry
	acts   map[string]*activation
	closed bool

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewRuntime creates a runtime whose entities persist their records in
// the entities namespace of store and subscribe through streams.
func NewRuntime(store state.Store, streams stream.Provider, opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		cfg: config{
			clock:           clockwork.NewRealClock(),
			idleTimeout:     2 * time.Minute,
			stateTimeout:    30 * time.Second,
			conflictRetries: 8,
		},
		store:      state.Prefixed(store, state.EntitiesNamespace),
		streams:    streams,
		kinds:      make(map[string]*kindEntry),
		acts:       make(map[string]*activation),
		shutdownCh: make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(&rt.cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if rt.cfg.logHandler != nil {
		rt.logger = slog.New(rt.cfg.logHandler)
	} else {
		rt.logger = slog.Default()
	}
	if rt.cfg.msink == nil {
		rt.cfg.msink = metrics.Default()
	}

	rt.wg.Add(1)
	go rt.collectIdle()

	return rt, nil
}

// Register makes kind addressable.
func (rt *Runtime) Register(kind string, factory Factory, opts ...KindOption) error {
	entry := &kindEntry{name: kind, factory: factory}
	for _, opt := range opts {
		opt(entry)
	}

	rt.lk.Lock()
	defer rt.lk.Unlock()
	if _, exists := rt.kinds[kind]; exists {
		return fmt.Errorf("%w: %s", ErrKindConflict, kind)
	}
	rt.kinds[kind] = entry
	return nil
}

func (rt *Runtime) Streams() stream.Provider {
	return rt.streams
}

func (rt *Runtime) Clock() clockwork.Clock {
	return rt.cfg.clock
}

// Active reports whether kind/key currently has an activation.
func (rt *Runtime) Active(kind, key string) bool {
	rt.lk.Lock()
	defer rt.lk.Unlock()
	act, ok := rt.acts[kind+"/"+key]
	return ok && act.ready && !act.deactivating
}

// Call runs fn against the activation of kind/key, activating it first if
// needed.
func Call[E any](ctx context.Context, rt *Runtime, kind, key string, fn func(ctx context.Context, e E) error) error {
	act, err := rt.acquire(ctx, kind, key)
	if err != nil {
		return err
	}
	defer rt.release(act)

	entity, ok := act.entity.(E)
	if !ok {
		return fmt.Errorf("%w: %s is %T", ErrEntityType, kind, act.entity)
	}

	if !act.kind.reentrant {
		select {
		case act.turn <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		defer func() { <-act.turn }()
	}

	rt.cfg.msink.IncrCounterWithLabels(MetricCallCount, 1, rt.labels(kind))
	return fn(ctx, entity)
}

// CallValue is Call for operations returning a value.
func CallValue[E, R any](ctx context.Context, rt *Runtime, kind, key string, fn func(ctx context.Context, e E) (R, error)) (R, error) {
	var result R
	err := Call(ctx, rt, kind, key, func(ctx context.Context, e E) error {
		var err error
		result, err = fn(ctx, e)
		return err
	})
	return result, err
}

func (rt *Runtime) labels(kind string) []metrics.Label {
	return append([]metrics.Label{{Name: "kind", Value: kind}}, rt.cfg.metricLabels...)
}

func (rt *Runtime) acquire(ctx context.Context, kind, key string) (*activation, error) {
	var act *activation
	for act == nil {
		rt.lk.Lock()
		if rt.closed {
			rt.lk.Unlock()
			return nil, ErrClosed
		}
		entry, ok := rt.kinds[kind]
		if !ok {
			rt.lk.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
		}

		existing, ok := rt.acts[kind+"/"+key]
		switch {
		case ok && existing.deactivating:
			gone := existing.gone
			rt.lk.Unlock()
			select {
			case <-gone:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case ok:
			act = existing
		default:
			act = rt.newActivation(entry, key)
			rt.acts[act.id()] = act
		}
		act.refs++
		rt.lk.Unlock()
	}

	select {
	case act.init <- struct{}{}:
	case <-ctx.Done():
		rt.release(act)
		return nil, ctx.Err()
	}
	defer func() { <-act.init }()

	if act.ready {
		return act, nil
	}

	entity, err := act.kind.factory(act.ectx)
	if err == nil {
		act.entity = entity
		if activator, ok := entity.(Activator); ok {
			err = activator.OnActivate(ctx)
		}
	}
	if err != nil {
		act.stopTimers()
		act.entity = nil
		rt.release(act)
		return nil, fmt.Errorf("%w: %s: %w", ErrActivation, act.id(), err)
	}

	rt.lk.Lock()
	act.ready = true
	rt.lk.Unlock()
	rt.cfg.msink.IncrCounterWithLabels(MetricActivationCount, 1, rt.labels(kind))
	act.ectx.logger.Debug("activated")
	return act, nil
}

func (rt *Runtime) newActivation(entry *kindEntry, key string) *activation {
	act := &activation{
		kind:     entry,
		key:      key,
		init:     make(chan struct{}, 1),
		turn:     make(chan struct{}, 1),
		lastUsed: rt.cfg.clock.Now(),
		gone:     make(chan struct{}),
	}
	act.ectx = &Context{
		rt:     rt,
		act:    act,
		logger: rt.logger.With("entity_kind", entry.name, "entity_key", key),
	}
	return act
}

func (rt *Runtime) release(act *activation) {
	rt.lk.Lock()
	act.refs--
	act.lastUsed = rt.cfg.clock.Now()
	if act.refs > 0 || act.deactivating {
		rt.lk.Unlock()
		return
	}

	if !act.ready {
		// Failed activation, nothing to tear down.
		if rt.acts[act.id()] == act {
			delete(rt.acts, act.id())
		}
		rt.lk.Unlock()
		return
	}

	if !act.idleDeactivate || act.keepAlive {
		rt.lk.Unlock()
		return
	}
	act.deactivating = true
	rt.lk.Unlock()

	rt.deactivate(act)
}

// deactivate must be called once act is marked deactivating.
func (rt *Runtime) deactivate(act *activation) {
	act.stopTimers()

	if deactivator, ok := act.entity.(Deactivator); ok {
		ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.stateTimeout)
		deactivator.OnDeactivate(ctx)
		cancel()
	}

	rt.lk.Lock()
	if rt.acts[act.id()] == act {
		delete(rt.acts, act.id())
	}
	close(act.gone)
	rt.lk.Unlock()

	rt.cfg.msink.IncrCounterWithLabels(MetricDeactivationCount, 1, rt.labels(act.kind.name))
	act.ectx.logger.Debug("deactivated")
}

func (rt *Runtime) collectIdle() {
	defer rt.wg.Done()

	period := rt.cfg.idleTimeout / 2
	if period <= 0 {
		period = time.Second
	}
	ticker := rt.cfg.clock.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-rt.shutdownCh:
			return
		case <-ticker.Chan():
		}

		var idle []*activation
		rt.lk.Lock()
		for _, act := range rt.acts {
			if act.refs > 0 || !act.ready || act.keepAlive || act.deactivating {
				continue
			}
			if rt.cfg.clock.Since(act.lastUsed) >= rt.cfg.idleTimeout {
				act.deactivating = true
				idle = append(idle, act)
			}
		}
		rt.lk.Unlock()

		for _, act := range idle {
			rt.deactivate(act)
		}
	}
}

// Close deactivates every entity and stops background tasks. Calls in
// flight are not awaited.
func (rt *Runtime) Close() error {
	rt.lk.Lock()
	if rt.closed {
		rt.lk.Unlock()
		return nil
	}
	rt.closed = true
	close(rt.shutdownCh)
	var remaining []*activation
	for _, act := range rt.acts {
		if act.ready && !act.deactivating {
			act.deactivating = true
			remaining = append(remaining, act)
		}
	}
	rt.lk.Unlock()

	rt.wg.Wait()
	for _, act := range remaining {
		rt.deactivate(act)
	}
	rt.logger.Info("runtime closed", "deactivated", len(remaining))
	return nil
}
