package hubmesh

import (
	"context"
	"log/slog"
	"sync"

	"github.com/raskyld/hubmesh/pkg/actor"
	"github.com/raskyld/hubmesh/pkg/stream"
	"github.com/raskyld/hubmesh/pkg/wire"
)

type routingRecord struct {
	Owner string `codec:"owner,omitempty"`
	// Replicas is the number of unicast shards of Owner.
	Replicas int `codec:"replicas,omitempty"`
}

// routingEntity knows which server holds a connection. It also watches
// the failure topic of that server so a crashed server disconnects its
// connections, and their groups heal.
//
// The owner changes on whichever server the connection reaches, so every
// read path reloads the record before using it.
type routingEntity struct {
	env    *entityEnv
	ectx   *actor.Context
	key    RoutingKey
	logger *slog.Logger

	lk       sync.Mutex
	record   routingRecord
	failure  stream.Handle
	watching string
	state    *actor.Conflated[routingRecord]
}

func (env *entityEnv) newRoutingEntity(ectx *actor.Context) (actor.Entity, error) {
	key, err := ParseRoutingKey(ectx.Key())
	if err != nil {
		return nil, err
	}
	re := &routingEntity{
		env:    env,
		ectx:   ectx,
		key:    key,
		logger: env.logger.With(LabelHub.L(key.Hub), LabelConnectionID.L(key.ConnectionID)),
	}
	re.state = actor.NewConflated(ectx, actor.Binding[routingRecord]{
		Snapshot: func() routingRecord {
			re.lk.Lock()
			defer re.lk.Unlock()
			return re.record
		},
		Load: func(record routingRecord, _ bool) {
			re.lk.Lock()
			defer re.lk.Unlock()
			re.record = record
		},
	})
	return re, nil
}

func (re *routingEntity) OnActivate(ctx context.Context) error {
	if err := re.state.Read(ctx); err != nil {
		return err
	}
	if owner := re.Owner(); owner != "" {
		return re.watch(ctx, owner)
	}
	return nil
}

func (re *routingEntity) Owner() string {
	re.lk.Lock()
	defer re.lk.Unlock()
	return re.record.Owner
}

// refresh reloads the record and moves the failure subscription when
// another server took the connection over.
func (re *routingEntity) refresh(ctx context.Context) error {
	if err := re.state.Read(ctx); err != nil {
		return err
	}

	re.lk.Lock()
	owner, watched := re.record.Owner, re.watching
	re.lk.Unlock()
	if owner == watched {
		return nil
	}

	re.unwatch(ctx)
	if owner == "" {
		return nil
	}
	if err := re.watch(ctx, owner); err != nil {
		re.logger.Warn("could not watch the new owner", LabelServerID.L(owner), LabelError.L(err))
	}
	return nil
}

// OnConnect records serverID as the owner. Calling it again with another
// server moves the connection.
func (re *routingEntity) OnConnect(ctx context.Context, serverID string, replicas int) error {
	re.lk.Lock()
	re.record = routingRecord{Owner: serverID, Replicas: replicas}
	watched := re.watching
	re.lk.Unlock()
	re.ectx.CancelDeactivation()

	if err := re.state.Write(ctx); err != nil {
		return err
	}

	if watched != serverID {
		re.unwatch(ctx)
		if err := re.watch(ctx, serverID); err != nil {
			return err
		}
	}
	re.logger.Debug("connection routed", LabelServerID.L(serverID))
	return nil
}

// OnDisconnect notifies the subscribers of the connection's disconnect
// topic, then forgets the owner. It is a no-op when the connection moved
// to another server than serverID in the meantime.
func (re *routingEntity) OnDisconnect(ctx context.Context, serverID, reason string) error {
	if err := re.refresh(ctx); err != nil {
		return err
	}
	if owner := re.Owner(); owner != "" && owner != serverID {
		re.logger.Debug("ignoring disconnect from a former owner", LabelServerID.L(serverID), LabelReason.L(reason))
		return nil
	}

	err := re.ectx.Streams().Publish(
		ctx,
		DisconnectTopic(re.key.ConnectionID),
		[]byte(re.key.ConnectionID),
	)
	if err != nil {
		return err
	}

	re.lk.Lock()
	re.record = routingRecord{}
	re.lk.Unlock()
	re.unwatch(ctx)

	if err := re.state.Clear(ctx); err != nil {
		return err
	}
	re.ectx.DeactivateOnIdle()
	re.logger.Debug("connection disconnected", LabelReason.L(reason))
	return nil
}

// Send publishes inv on the unicast topic of the owner. A connection
// without owner is not an error: the message is dropped.
func (re *routingEntity) Send(ctx context.Context, inv *wire.Invocation) error {
	if err := re.refresh(ctx); err != nil {
		return err
	}

	re.lk.Lock()
	record := re.record
	re.lk.Unlock()

	if record.Owner == "" {
		re.logger.Debug("dropping message for an unrouted connection", LabelTarget.L(inv.Target))
		return nil
	}

	payload, err := wire.Marshal(&wire.Unicast{
		ConnectionID: re.key.ConnectionID,
		Invocation:   inv,
	})
	if err != nil {
		return err
	}
	topic := UnicastTopic(record.Owner, ShardOf(re.key.ConnectionID, record.Replicas), record.Replicas)
	return re.ectx.Streams().Publish(ctx, topic, payload)
}

func (re *routingEntity) ownerFailed(ctx context.Context, serverID string) error {
	if err := re.refresh(ctx); err != nil {
		return err
	}
	if re.Owner() != serverID {
		return nil
	}
	return re.OnDisconnect(ctx, serverID, ReasonServerDisconnect)
}

// watch resumes the failure subscription on file for owner, or creates
// it.
func (re *routingEntity) watch(ctx context.Context, owner string) error {
	streams := re.ectx.Streams()
	topic := FailureTopic(owner)

	handles, err := streams.Handles(ctx, topic, re.ectx.Identity())
	if err != nil {
		return err
	}

	var handle stream.Handle
	if len(handles) > 0 {
		handle = handles[0]
		if err := streams.Resume(ctx, handle, re.onOwnerFailure); err != nil {
			return err
		}
		for _, extra := range handles[1:] {
			_ = streams.Unsubscribe(ctx, extra)
		}
	} else {
		handle, err = streams.Subscribe(ctx, topic, re.ectx.Identity(), re.onOwnerFailure)
		if err != nil {
			return err
		}
	}

	re.lk.Lock()
	re.failure = handle
	re.watching = owner
	re.lk.Unlock()
	return nil
}

func (re *routingEntity) unwatch(ctx context.Context) {
	re.lk.Lock()
	handle := re.failure
	re.failure = stream.Handle{}
	re.watching = ""
	re.lk.Unlock()

	if handle.ID == "" {
		return
	}
	if err := re.ectx.Streams().Unsubscribe(ctx, handle); err != nil {
		re.logger.Warn("could not drop failure subscription", LabelError.L(err))
	}
}

// onOwnerFailure goes through the runtime since the activation that
// subscribed may be gone.
func (re *routingEntity) onOwnerFailure(ctx context.Context, msg stream.Message) error {
	serverID := string(msg.Data)
	return callRouting(ctx, re.env.rt, re.key, func(ctx context.Context, current *routingEntity) error {
		return current.ownerFailed(ctx, serverID)
	})
}
