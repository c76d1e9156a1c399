package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/hubmesh/pkg/state"
	"github.com/raskyld/hubmesh/pkg/wire"
)

type opKind uint8

const (
	opRead opKind = iota + 1
	opWrite
	opClear
)

func (k opKind) String() string {
	switch k {
	case opRead:
		return "read"
	case opWrite:
		return "write"
	case opClear:
		return "clear"
	default:
		return "unknown"
	}
}

type conflatedOp struct {
	kind    opKind
	started chan struct{}
	done    chan struct{}
	err     error
}

func newConflatedOp(kind opKind) *conflatedOp {
	return &conflatedOp{
		kind:    kind,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Binding ties a Conflated wrapper to the memory of its entity. Every
// callback must do its own locking.
type Binding[T any] struct {
	// Snapshot returns the record to persist, it is called when the
	// underlying write starts.
	Snapshot func() T
	// Load receives the stored record after a read. Reads finding the
	// version memory already reflects skip it.
	Load func(record T, exists bool)
	// Merge, when set, folds a record written by someone else into memory
	// before a conflicting write is retried. Without it the local record
	// wins.
	Merge func(stored T)
	// IsEmpty, when set, turns a Clear into a Write if memory was refilled
	// by a merge.
	IsEmpty func(record T) bool
}

// Conflated persists one entity record and coalesces concurrent requests.
//
// At most one storage operation runs at a time and at most one more waits
// behind it. A caller asking for the same kind as the waiting operation
// joins it, a read may also join a running read. Any other caller either
// takes the free waiting slot or waits for it. Since a write persists
// whatever memory holds when it starts, a caller returning from Write only
// knows that its own mutation is durable, possibly along with others.
type Conflated[T any] struct {
	ectx    *Context
	binding Binding[T]

	// only touched by the goroutine draining operations
	version state.Version
	loaded  bool

	lk      sync.Mutex
	running *conflatedOp
	queued  *conflatedOp
}

func NewConflated[T any](ectx *Context, binding Binding[T]) *Conflated[T] {
	return &Conflated[T]{
		ectx:    ectx,
		binding: binding,
	}
}

func (c *Conflated[T]) Read(ctx context.Context) error {
	return c.do(ctx, opRead)
}

func (c *Conflated[T]) Write(ctx context.Context) error {
	return c.do(ctx, opWrite)
}

func (c *Conflated[T]) Clear(ctx context.Context) error {
	return c.do(ctx, opClear)
}

func (c *Conflated[T]) do(ctx context.Context, kind opKind) error {
	for {
		c.lk.Lock()
		var op *conflatedOp
		switch {
		case c.queued != nil && c.queued.kind == kind:
			op = c.queued
		case c.queued == nil && c.running != nil && c.running.kind == opRead && kind == opRead:
			op = c.running
		case c.running == nil:
			op = newConflatedOp(kind)
			c.running = op
			go c.drain(op)
		case c.queued == nil:
			op = newConflatedOp(kind)
			c.queued = op
		default:
			blocker := c.queued
			c.lk.Unlock()
			select {
			case <-blocker.started:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		c.lk.Unlock()

		select {
		case <-op.done:
			return op.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Conflated[T]) drain(op *conflatedOp) {
	for op != nil {
		close(op.started)
		op.err = c.execute(op.kind)
		close(op.done)

		c.lk.Lock()
		op = c.queued
		c.queued = nil
		c.running = op
		c.lk.Unlock()
	}
}

func (c *Conflated[T]) execute(kind opKind) error {
	rt := c.ectx.rt
	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.stateTimeout)
	defer cancel()

	rt.cfg.msink.IncrCounterWithLabels(
		MetricStateOpCount, 1,
		append(rt.labels(c.ectx.Kind()), metrics.Label{Name: "op", Value: kind.String()}),
	)

	var err error
	switch kind {
	case opRead:
		_, err = c.refresh(ctx, false)
	case opWrite:
		err = c.retry(ctx, c.writeOnce)
	case opClear:
		err = c.retry(ctx, c.clearOnce)
	}
	if err != nil {
		c.ectx.logger.Warn("state operation failed", "op", kind.String(), "error", err)
	}
	return err
}

// refresh loads the stored record. When merging, it hands it to Merge
// instead of Load.
func (c *Conflated[T]) refresh(ctx context.Context, merging bool) (bool, error) {
	entry, err := c.ectx.Store().Read(ctx, c.ectx.StateKey())
	if err != nil {
		return false, err
	}
	if !merging && c.loaded && entry.Version == c.version {
		return entry.Exists(), nil
	}

	var record T
	if entry.Exists() {
		if err := wire.Unmarshal(entry.Value, &record); err != nil {
			return false, err
		}
	}
	c.version = entry.Version

	switch {
	case !merging:
		c.binding.Load(record, entry.Exists())
		c.loaded = true
	case entry.Exists() && c.binding.Merge != nil:
		c.binding.Merge(record)
	}
	return entry.Exists(), nil
}

func (c *Conflated[T]) retry(ctx context.Context, attempt func(ctx context.Context) error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 5 * time.Millisecond
	exp.MaxInterval = 500 * time.Millisecond
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, c.ectx.rt.cfg.conflictRetries), ctx)

	err := backoff.Retry(func() error {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, state.ErrConflict) {
			return backoff.Permanent(err)
		}

		rt := c.ectx.rt
		rt.cfg.msink.IncrCounterWithLabels(MetricStateConflict, 1, rt.labels(c.ectx.Kind()))
		if _, rerr := c.refresh(ctx, true); rerr != nil {
			return rerr
		}
		return err
	}, policy)

	if errors.Is(err, state.ErrConflict) {
		return fmt.Errorf("%w: %w", ErrStateConflict, err)
	}
	return err
}

func (c *Conflated[T]) writeOnce(ctx context.Context) error {
	buf, err := wire.Marshal(c.binding.Snapshot())
	if err != nil {
		return backoff.Permanent(err)
	}
	version, err := c.ectx.Store().Write(ctx, c.ectx.StateKey(), buf, c.version)
	if err != nil {
		return err
	}
	c.version = version
	return nil
}

func (c *Conflated[T]) clearOnce(ctx context.Context) error {
	if c.binding.IsEmpty != nil && !c.binding.IsEmpty(c.binding.Snapshot()) {
		return c.writeOnce(ctx)
	}
	if err := c.ectx.Store().Clear(ctx, c.ectx.StateKey(), c.version); err != nil {
		return err
	}
	c.version = 0
	return nil
}
