package hubmesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/raskyld/hubmesh/pkg/actor"
)

type directoryRecord struct {
	// Servers maps a server id to its last heartbeat, in unix nanoseconds.
	Servers map[string]int64 `codec:"servers"`
}

// directoryEntity is the cluster-wide liveness registry of servers.
//
// A sweep timer owned by the entity evicts servers which stopped
// heartbeating and publishes one event on the failure topic of each.
type directoryEntity struct {
	env    *entityEnv
	ectx   *actor.Context
	logger *slog.Logger

	lk      sync.Mutex
	servers map[string]int64
	// evicted remembers the last heartbeat of removed servers, a merge
	// only brings them back with a newer one.
	evicted map[string]int64
	state   *actor.Conflated[directoryRecord]
	sweeper *actor.Timer
}

func (env *entityEnv) newDirectoryEntity(ectx *actor.Context) (actor.Entity, error) {
	de := &directoryEntity{
		env:     env,
		ectx:    ectx,
		logger:  env.logger.With("entity", EntityDirectory),
		servers: make(map[string]int64),
		evicted: make(map[string]int64),
	}
	de.state = actor.NewConflated(ectx, actor.Binding[directoryRecord]{
		Snapshot: func() directoryRecord {
			de.lk.Lock()
			defer de.lk.Unlock()
			return directoryRecord{Servers: maps.Clone(de.servers)}
		},
		Load: func(record directoryRecord, _ bool) {
			de.lk.Lock()
			defer de.lk.Unlock()
			de.servers = make(map[string]int64, len(record.Servers))
			maps.Copy(de.servers, record.Servers)
			clear(de.evicted)
		},
		Merge: de.merge,
		IsEmpty: func(record directoryRecord) bool {
			return len(record.Servers) == 0
		},
	})
	return de, nil
}

func (de *directoryEntity) merge(stored directoryRecord) {
	de.lk.Lock()
	defer de.lk.Unlock()
	for id, seen := range stored.Servers {
		if last, ok := de.evicted[id]; ok && seen <= last {
			continue
		}
		if seen > de.servers[id] {
			de.servers[id] = seen
		}
	}
}

func (de *directoryEntity) OnActivate(ctx context.Context) error {
	if err := de.state.Read(ctx); err != nil {
		return err
	}
	de.ectx.KeepAlive()
	de.sweeper = de.ectx.RegisterTimer("sweep", de.env.cfg.sweep, de.Sweep)
	return nil
}

func (de *directoryEntity) OnDeactivate(context.Context) {
	if de.sweeper != nil {
		de.sweeper.Stop()
	}
}

// Heartbeat marks serverID alive now.
func (de *directoryEntity) Heartbeat(ctx context.Context, serverID string) error {
	now := de.ectx.Clock().Now().UnixNano()

	de.lk.Lock()
	_, known := de.servers[serverID]
	if now > de.servers[serverID] {
		de.servers[serverID] = now
	}
	delete(de.evicted, serverID)
	de.lk.Unlock()

	if !known {
		de.logger.Info("server joined", LabelServerID.L(serverID))
	}
	return de.state.Write(ctx)
}

// Unregister removes serverID without publishing a failure event.
func (de *directoryEntity) Unregister(ctx context.Context, serverID string) error {
	de.lk.Lock()
	seen, ok := de.servers[serverID]
	if ok {
		delete(de.servers, serverID)
		de.evicted[serverID] = seen
	}
	de.lk.Unlock()

	if !ok {
		return nil
	}
	de.logger.Info("server left", LabelServerID.L(serverID))
	return de.state.Write(ctx)
}

// Servers lists the servers currently considered alive.
func (de *directoryEntity) Servers() []string {
	de.lk.Lock()
	defer de.lk.Unlock()
	return slices.Sorted(maps.Keys(de.servers))
}

// Sweep evicts every server whose last heartbeat is older than the
// staleness threshold. A server is removed only once the failure event
// carrying its id is published, failed ones wait for the next sweep and
// their errors are returned. The record is persisted once.
func (de *directoryEntity) Sweep(ctx context.Context) error {
	threshold := time.Duration(de.env.cfg.staleness) * de.env.cfg.heartbeat
	deadline := de.ectx.Clock().Now().Add(-threshold).UnixNano()

	de.lk.Lock()
	stale := make(map[string]int64)
	for id, seen := range de.servers {
		if seen < deadline {
			stale[id] = seen
		}
	}
	de.lk.Unlock()

	if len(stale) == 0 {
		return nil
	}

	var errs []error
	evicted := 0
	for _, id := range slices.Sorted(maps.Keys(stale)) {
		de.logger.Warn("evicting stale server", LabelServerID.L(id), LabelDuration.L(threshold))
		if err := de.ectx.Streams().Publish(ctx, FailureTopic(id), []byte(id)); err != nil {
			de.logger.Error("could not publish server failure", LabelServerID.L(id), LabelError.L(err))
			errs = append(errs, fmt.Errorf("server %s: %w", id, err))
			continue
		}

		de.lk.Lock()
		// A heartbeat landing during the publish keeps the server.
		removed := de.servers[id] == stale[id]
		if removed {
			delete(de.servers, id)
			de.evicted[id] = stale[id]
		}
		de.lk.Unlock()
		if removed {
			evicted++
			de.env.cfg.msink.IncrCounterWithLabels(MetricEvictionCount, 1, de.env.cfg.labels())
		}
	}

	if evicted > 0 {
		errs = append(errs, de.state.Write(ctx))
	}
	return errors.Join(errs...)
}
