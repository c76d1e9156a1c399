package actor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/raskyld/hubmesh/pkg/state"
	"github.com/raskyld/hubmesh/pkg/stream"
)

// Context is what an entity knows about itself and the runtime hosting it.
// It lives as long as the activation.
type Context struct {
	rt     *Runtime
	act    *activation
	logger *slog.Logger
}

func (c *Context) Kind() string {
	return c.act.kind.name
}

func (c *Context) Key() string {
	return c.act.key
}

// Identity is the stable name of the entity, used as subscription owner.
func (c *Context) Identity() string {
	return c.act.id()
}

func (c *Context) Runtime() *Runtime {
	return c.rt
}

func (c *Context) Logger() *slog.Logger {
	return c.logger
}

func (c *Context) Clock() clockwork.Clock {
	return c.rt.cfg.clock
}

func (c *Context) Streams() stream.Provider {
	return c.rt.streams
}

// Store is scoped to the entities namespace; StateKey is the entity's own
// record in it.
func (c *Context) Store() state.Store {
	return c.rt.store
}

func (c *Context) StateKey() string {
	return c.act.id()
}

// DeactivateOnIdle collects the activation as soon as no call references
// it anymore.
func (c *Context) DeactivateOnIdle() {
	c.rt.lk.Lock()
	defer c.rt.lk.Unlock()
	c.act.idleDeactivate = true
}

// CancelDeactivation reverts DeactivateOnIdle.
func (c *Context) CancelDeactivation() {
	c.rt.lk.Lock()
	defer c.rt.lk.Unlock()
	c.act.idleDeactivate = false
}

// KeepAlive exempts the activation from idle collection.
func (c *Context) KeepAlive() {
	c.rt.lk.Lock()
	defer c.rt.lk.Unlock()
	c.act.keepAlive = true
}

// Timer is a recurring callback bound to an activation.
type Timer struct {
	stopCh chan struct{}
	once   sync.Once
}

// Stop is idempotent and does not wait for a running callback.
func (t *Timer) Stop() {
	t.once.Do(func() { close(t.stopCh) })
}

// RegisterTimer runs fn every period, as a regular call to the entity, until
// the timer is stopped or the activation goes away. Errors are logged.
func (c *Context) RegisterTimer(name string, period time.Duration, fn func(ctx context.Context) error) *Timer {
	timer := &Timer{stopCh: make(chan struct{})}
	ticker := c.rt.cfg.clock.NewTicker(period)

	c.act.timerLk.Lock()
	c.act.timers = append(c.act.timers, timer)
	c.act.timerLk.Unlock()

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-timer.stopCh:
				return
			case <-c.rt.shutdownCh:
				return
			case <-ticker.Chan():
			}
			if err := c.rt.fireTimer(c.act, period, fn); err != nil {
				c.logger.Warn("timer callback failed", "timer", name, "error", err)
			}
		}
	}()
	return timer
}

func (act *activation) stopTimers() {
	act.timerLk.Lock()
	defer act.timerLk.Unlock()
	for _, timer := range act.timers {
		timer.Stop()
	}
	act.timers = nil
}

func (rt *Runtime) fireTimer(act *activation, budget time.Duration, fn func(ctx context.Context) error) error {
	rt.lk.Lock()
	if rt.closed || !act.ready || act.deactivating || rt.acts[act.id()] != act {
		rt.lk.Unlock()
		return nil
	}
	act.refs++
	rt.lk.Unlock()
	defer rt.release(act)

	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	if !act.kind.reentrant {
		select {
		case act.turn <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		defer func() { <-act.turn }()
	}
	return fn(ctx)
}
