package hubmesh

import (
	"context"
	"testing"
	"time"

	"github.com/raskyld/hubmesh/pkg/state"
	"github.com/raskyld/hubmesh/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var roomKey = GroupKey{Kind: NamedGroup, Hub: testHub, GroupID: "room"}

func roomIdentity() string {
	return EntityGroup + "/" + roomKey.String()
}

func addMember(ctx context.Context, cl *cluster, member string) error {
	return callGroup(ctx, cl.rt, roomKey, func(ctx context.Context, ge *groupEntity) error {
		return ge.Add(ctx, member)
	})
}

func removeMember(ctx context.Context, cl *cluster, member string) error {
	return callGroup(ctx, cl.rt, roomKey, func(ctx context.Context, ge *groupEntity) error {
		return ge.Remove(ctx, member)
	})
}

func roomCount(t *testing.T, cl *cluster) int {
	t.Helper()
	var n int
	err := callGroup(context.Background(), cl.rt, roomKey, func(ctx context.Context, ge *groupEntity) error {
		var err error
		n, err = ge.Count(ctx)
		return err
	})
	require.NoError(t, err)
	return n
}

func watchers(t *testing.T, cl *cluster, member string) []stream.Handle {
	t.Helper()
	handles, err := cl.streams.Handles(context.Background(), DisconnectTopic(member), roomIdentity())
	require.NoError(t, err)
	return handles
}

func TestGroup_ResumesWatchesAfterRestart(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()

	before := newCluster(t, store)
	require.NoError(t, addMember(ctx, before, "c1"))
	require.Len(t, watchers(t, before, "c1"), 1)
	require.NoError(t, before.rt.Close())
	require.NoError(t, before.streams.Close())

	after := newCluster(t, store)
	require.Equal(t, 1, roomCount(t, after))
	require.Len(t, watchers(t, after, "c1"), 1)

	require.NoError(t, after.streams.Publish(ctx, DisconnectTopic("c1"), []byte("c1")))
	require.Eventually(t, func() bool {
		return roomCount(t, after) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, watchers(t, after, "c1"))
}

func TestGroup_RemoveDropsSubscriptionsItDidNotResume(t *testing.T) {
	cl := newCluster(t, nil)
	other := cl.process(t)
	ctx := context.Background()

	// other holds the group while c1 joins elsewhere, it never watches c1.
	err := callGroup(ctx, other.rt, roomKey, func(ctx context.Context, ge *groupEntity) error {
		n, err := ge.Count(ctx)
		require.NoError(t, err)
		require.Zero(t, n)

		require.NoError(t, addMember(ctx, cl, "c1"))
		require.Len(t, watchers(t, cl, "c1"), 1)
		return ge.Remove(ctx, "c1")
	})
	require.NoError(t, err)

	assert.Empty(t, watchers(t, cl, "c1"))
	assert.Equal(t, 0, roomCount(t, cl))
}

func TestGroup_AddResumesSubscriptionOnFile(t *testing.T) {
	cl := newCluster(t, nil)
	ctx := context.Background()

	leftover, err := cl.streams.Subscribe(ctx, DisconnectTopic("c1"), roomIdentity(),
		func(context.Context, stream.Message) error { return nil })
	require.NoError(t, err)

	require.NoError(t, addMember(ctx, cl, "c1"))
	handles := watchers(t, cl, "c1")
	require.Len(t, handles, 1)
	assert.Equal(t, leftover.ID, handles[0].ID)

	// The resumed subscription is wired to the group.
	require.NoError(t, cl.streams.Publish(ctx, DisconnectTopic("c1"), []byte("c1")))
	require.Eventually(t, func() bool {
		return roomCount(t, cl) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGroup_ConvergesAcrossProcesses(t *testing.T) {
	cl := newCluster(t, nil)
	other := cl.process(t)
	ctx := context.Background()

	require.NoError(t, addMember(ctx, cl, "a"))
	require.NoError(t, addMember(ctx, other, "b"))
	require.NoError(t, addMember(ctx, cl, "c"))
	assert.Equal(t, 3, roomCount(t, other))

	require.NoError(t, removeMember(ctx, other, "a"))
	require.NoError(t, addMember(ctx, cl, "a"))
	assert.Equal(t, 3, roomCount(t, other))
	assert.Equal(t, 3, roomCount(t, cl))

	err := callGroup(ctx, other.rt, roomKey, func(_ context.Context, ge *groupEntity) error {
		assert.Equal(t, []string{"a", "b", "c"}, ge.Members())
		return nil
	})
	require.NoError(t, err)
}
