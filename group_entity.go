package hubmesh

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/raskyld/hubmesh/pkg/actor"
	"github.com/raskyld/hubmesh/pkg/stream"
	"github.com/raskyld/hubmesh/pkg/wire"
)

type groupRecord struct {
	Members []string `codec:"members"`
}

// memberChange is a local Add or Remove not persisted yet.
type memberChange struct {
	add bool
	gen uint64
}

// groupEntity is a set of connections sharing a group name or a user id.
//
// It is reentrant: memory is guarded by lk and concurrent Add/Remove calls
// share storage round trips through the Conflated wrapper. Every member is
// watched through a subscription to its disconnect topic owned by the
// group identity, so members leave on their own when they disconnect.
//
// Other processes may activate the same group, so every call starts by
// reloading the record. Memory is the stored members with the local
// changes still in flight applied on top.
type groupEntity struct {
	env    *entityEnv
	ectx   *actor.Context
	key    GroupKey
	logger *slog.Logger

	lk      sync.Mutex
	members map[string]stream.Handle
	pending map[string]memberChange
	gen     uint64
	// dropped holds local subscriptions of members removed elsewhere.
	dropped []stream.Handle
	state   *actor.Conflated[groupRecord]
}

func (env *entityEnv) newGroupEntity(ectx *actor.Context) (actor.Entity, error) {
	key, err := ParseGroupKey(ectx.Key())
	if err != nil {
		return nil, err
	}
	ge := &groupEntity{
		env:  env,
		ectx: ectx,
		key:  key,
		logger: env.logger.With(
			LabelHub.L(key.Hub),
			LabelMembership.L(string(key.Kind)),
			LabelGroup.L(key.GroupID),
		),
		members: make(map[string]stream.Handle),
		pending: make(map[string]memberChange),
	}
	ge.state = actor.NewConflated(ectx, actor.Binding[groupRecord]{
		Snapshot: ge.snapshot,
		Load: func(record groupRecord, _ bool) {
			ge.reconcile(record)
		},
		Merge: ge.reconcile,
		IsEmpty: func(record groupRecord) bool {
			return len(record.Members) == 0
		},
	})
	return ge, nil
}

func (ge *groupEntity) snapshot() groupRecord {
	ge.lk.Lock()
	defer ge.lk.Unlock()
	record := groupRecord{Members: make([]string, 0, len(ge.members))}
	for member := range ge.members {
		record.Members = append(record.Members, member)
	}
	slices.Sort(record.Members)
	return record
}

// reconcile replaces memory with stored plus the pending local changes.
// Known handles are kept.
func (ge *groupEntity) reconcile(stored groupRecord) {
	ge.lk.Lock()
	defer ge.lk.Unlock()

	next := make(map[string]stream.Handle, len(stored.Members))
	for _, member := range stored.Members {
		if change, ok := ge.pending[member]; ok && !change.add {
			continue
		}
		next[member] = ge.members[member]
	}
	for member, change := range ge.pending {
		if change.add {
			next[member] = ge.members[member]
		}
	}
	for member, handle := range ge.members {
		if _, ok := next[member]; !ok && handle.ID != "" {
			ge.dropped = append(ge.dropped, handle)
		}
	}
	ge.members = next
}

// mark records a local change and returns the token settle expects.
func (ge *groupEntity) mark(member string, add bool) uint64 {
	ge.gen++
	ge.pending[member] = memberChange{add: add, gen: ge.gen}
	return ge.gen
}

func (ge *groupEntity) settle(member string, gen uint64) {
	ge.lk.Lock()
	defer ge.lk.Unlock()
	if ge.pending[member].gen == gen {
		delete(ge.pending, member)
	}
}

// refresh reloads the record and detaches the subscriptions of members
// another process removed.
func (ge *groupEntity) refresh(ctx context.Context) error {
	err := ge.state.Read(ctx)
	ge.release(ctx)
	return err
}

func (ge *groupEntity) release(ctx context.Context) {
	ge.lk.Lock()
	dropped := ge.dropped
	ge.dropped = nil
	ge.lk.Unlock()

	for _, handle := range dropped {
		if err := ge.ectx.Streams().Unsubscribe(ctx, handle); err != nil {
			ge.logger.Warn("could not drop disconnect subscription", LabelConnectionID.L(handle.Topic.Key), LabelError.L(err))
		}
	}
}

// OnActivate reloads the members and resumes their disconnect
// subscriptions. A member whose subscription cannot be restored is kept,
// the next activation tries again.
func (ge *groupEntity) OnActivate(ctx context.Context) error {
	if err := ge.state.Read(ctx); err != nil {
		return err
	}

	members := ge.Members()
	fanOut(ctx, &ge.env.cfg, ge.logger, members, func(ctx context.Context, member string) error {
		handle, err := ge.watch(ctx, member)
		if err != nil {
			return err
		}
		ge.lk.Lock()
		if _, ok := ge.members[member]; ok {
			ge.members[member] = handle
		}
		ge.lk.Unlock()
		return nil
	})

	if len(members) == 0 {
		ge.ectx.DeactivateOnIdle()
	}
	return nil
}

// watch resumes the disconnect subscription on file for member, or
// creates it.
func (ge *groupEntity) watch(ctx context.Context, member string) (stream.Handle, error) {
	streams := ge.ectx.Streams()
	topic := DisconnectTopic(member)

	handles, err := streams.Handles(ctx, topic, ge.ectx.Identity())
	if err != nil {
		return stream.Handle{}, err
	}
	if len(handles) == 0 {
		return streams.Subscribe(ctx, topic, ge.ectx.Identity(), ge.memberDisconnected(member))
	}
	for _, extra := range handles[1:] {
		_ = streams.Unsubscribe(ctx, extra)
	}
	return handles[0], streams.Resume(ctx, handles[0], ge.memberDisconnected(member))
}

// unwatch drops every disconnect subscription of member, including the
// ones this activation never resumed.
func (ge *groupEntity) unwatch(ctx context.Context, member string, known stream.Handle) {
	streams := ge.ectx.Streams()
	handles, err := streams.Handles(ctx, DisconnectTopic(member), ge.ectx.Identity())
	if err != nil {
		ge.logger.Warn("could not list disconnect subscriptions", LabelConnectionID.L(member), LabelError.L(err))
	}
	if known.ID != "" && !slices.ContainsFunc(handles, func(h stream.Handle) bool { return h.ID == known.ID }) {
		handles = append(handles, known)
	}
	for _, handle := range handles {
		if err := streams.Unsubscribe(ctx, handle); err != nil {
			ge.logger.Warn("could not drop disconnect subscription", LabelConnectionID.L(member), LabelError.L(err))
		}
	}
}

func (ge *groupEntity) memberDisconnected(member string) stream.Handler {
	return func(ctx context.Context, _ stream.Message) error {
		return callGroup(ctx, ge.env.rt, ge.key, func(ctx context.Context, current *groupEntity) error {
			return current.Remove(ctx, member)
		})
	}
}

func (ge *groupEntity) Members() []string {
	return ge.snapshot().Members
}

// Count is the number of members once the record is reloaded.
func (ge *groupEntity) Count(ctx context.Context) (int, error) {
	if err := ge.refresh(ctx); err != nil {
		return 0, err
	}
	ge.lk.Lock()
	defer ge.lk.Unlock()
	return len(ge.members), nil
}

func (ge *groupEntity) size() int {
	ge.lk.Lock()
	defer ge.lk.Unlock()
	return len(ge.members)
}

// Add is idempotent. The member is watched before it is persisted so a
// disconnect racing the Add is not missed.
func (ge *groupEntity) Add(ctx context.Context, member string) error {
	if err := ge.refresh(ctx); err != nil {
		return err
	}

	ge.lk.Lock()
	if _, ok := ge.members[member]; ok {
		ge.lk.Unlock()
		return nil
	}
	ge.members[member] = stream.Handle{}
	gen := ge.mark(member, true)
	ge.lk.Unlock()
	defer ge.settle(member, gen)
	ge.ectx.CancelDeactivation()

	handle, err := ge.watch(ctx, member)
	if err != nil {
		ge.forget(member, gen)
		return err
	}

	ge.lk.Lock()
	_, stillMember := ge.members[member]
	if stillMember {
		ge.members[member] = handle
	}
	ge.lk.Unlock()
	if !stillMember {
		// Removed while we were subscribing.
		_ = ge.ectx.Streams().Unsubscribe(ctx, handle)
		return nil
	}

	if err := ge.state.Write(ctx); err != nil {
		ge.forget(member, gen)
		_ = ge.ectx.Streams().Unsubscribe(ctx, handle)
		return err
	}
	ge.release(ctx)
	ge.logger.Debug("member added", LabelConnectionID.L(member))
	return nil
}

// forget undoes a failed Add.
func (ge *groupEntity) forget(member string, gen uint64) {
	ge.lk.Lock()
	defer ge.lk.Unlock()
	delete(ge.members, member)
	if ge.pending[member].gen == gen {
		delete(ge.pending, member)
	}
}

// Remove is idempotent. The record is cleared once the group is empty
// and the entity may then be collected.
func (ge *groupEntity) Remove(ctx context.Context, member string) error {
	if err := ge.refresh(ctx); err != nil {
		return err
	}

	ge.lk.Lock()
	handle, ok := ge.members[member]
	if !ok {
		ge.lk.Unlock()
		return nil
	}
	delete(ge.members, member)
	gen := ge.mark(member, false)
	empty := len(ge.members) == 0
	ge.lk.Unlock()
	defer ge.settle(member, gen)

	ge.unwatch(ctx, member, handle)

	if !empty {
		if err := ge.state.Write(ctx); err != nil {
			return err
		}
		ge.release(ctx)
		return nil
	}
	if err := ge.state.Clear(ctx); err != nil {
		return err
	}
	ge.release(ctx)
	if ge.size() == 0 {
		ge.ectx.DeactivateOnIdle()
	}
	ge.logger.Debug("member removed", LabelConnectionID.L(member))
	return nil
}

// Send delivers inv to every member but excluded, through their routing
// entities. Individual failures do not fail the send.
func (ge *groupEntity) Send(ctx context.Context, inv *wire.Invocation, excluded ...string) error {
	if err := ge.refresh(ctx); err != nil {
		return err
	}
	targets := slices.DeleteFunc(ge.Members(), func(member string) bool {
		return slices.Contains(excluded, member)
	})
	fanOut(ctx, &ge.env.cfg, ge.logger, targets, func(ctx context.Context, member string) error {
		return callRouting(ctx, ge.env.rt, RoutingKey{Hub: ge.key.Hub, ConnectionID: member},
			func(ctx context.Context, re *routingEntity) error {
				return re.Send(ctx, inv)
			})
	})
	return nil
}
