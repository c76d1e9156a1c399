package hubmesh

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raskyld/hubmesh/pkg/actor"
	"github.com/raskyld/hubmesh/pkg/wire"
	"golang.org/x/sync/errgroup"
)

// entityEnv is shared by every entity registered on a runtime.
type entityEnv struct {
	cfg    config
	logger *slog.Logger
	rt     *actor.Runtime
}

// RegisterEntities makes the routing, group and directory kinds
// addressable on rt. It must be called once per runtime, before any
// coordinator uses it.
func RegisterEntities(rt *actor.Runtime, opts ...Option) error {
	cfg, err := newConfig(opts)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	env := &entityEnv{cfg: cfg, logger: cfg.logger(), rt: rt}

	if err := rt.Register(EntityRouting, env.newRoutingEntity); err != nil {
		return err
	}
	if err := rt.Register(EntityGroup, env.newGroupEntity, actor.Reentrant()); err != nil {
		return err
	}
	return rt.Register(EntityDirectory, env.newDirectoryEntity, actor.Reentrant())
}

func callRouting(ctx context.Context, rt *actor.Runtime, key RoutingKey, fn func(ctx context.Context, re *routingEntity) error) error {
	return actor.Call(ctx, rt, EntityRouting, key.String(), fn)
}

func callGroup(ctx context.Context, rt *actor.Runtime, key GroupKey, fn func(ctx context.Context, ge *groupEntity) error) error {
	return actor.Call(ctx, rt, EntityGroup, key.String(), fn)
}

func callDirectory(ctx context.Context, rt *actor.Runtime, fn func(ctx context.Context, de *directoryEntity) error) error {
	return actor.Call(ctx, rt, EntityDirectory, directoryKey, fn)
}

// fanOut runs send for every target with at most limit in flight. Failures
// are logged and counted, never returned.
func fanOut(ctx context.Context, cfg *config, logger *slog.Logger, targets []string, send func(ctx context.Context, target string) error) {
	if len(targets) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(cfg.fanOutLimit)
	for _, target := range targets {
		g.Go(func() error {
			if err := send(ctx, target); err != nil {
				cfg.msink.IncrCounterWithLabels(MetricFanOutErrorCount, 1, cfg.labels())
				logger.Warn("fan-out delivery failed", LabelTarget.L(target), LabelError.L(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// deliverLocal writes to a connection of this process. Aborted
// connections are skipped silently.
func deliverLocal(ctx context.Context, cfg *config, conn Conn, inv *wire.Invocation, metric []string) error {
	if conn.Aborted() {
		return nil
	}
	if err := conn.Write(ctx, inv); err != nil {
		cfg.msink.IncrCounterWithLabels(MetricDeliveryErrorCount, 1, cfg.labels())
		return fmt.Errorf("connection %s: %w", conn.ID(), err)
	}
	cfg.msink.IncrCounterWithLabels(metric, 1, cfg.labels())
	return nil
}
