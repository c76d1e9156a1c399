package gossip

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/hubmesh/pkg/state"
	"github.com/raskyld/hubmesh/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMember(t *testing.T, name string, opts ...Option) *Provider {
	t.Helper()
	opts = append([]Option{
		WithMemberlistConfig(memberlist.DefaultLocalConfig()),
		WithHostname(name),
		WithListenOn("127.0.0.1", 0),
		WithLog(testLogHandler(name)),
		WithMetricSink(&metrics.BlackholeSink{}),
		WithReorderWait(200 * time.Millisecond),
		WithStreamOptions(stream.WithRedelivery(3, time.Millisecond)),
	}, opts...)
	p, err := NewProvider(state.NewMemoryStore(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func waitForMembers(t *testing.T, p *Provider, names ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(names, p.Members())
	}, 10*time.Second, 50*time.Millisecond, "got %v", p.Members())
}

func exercisePublish(t *testing.T, n1, n2 *Provider) {
	ctx := context.Background()
	require.NoError(t, n2.Join(n1.Addr()))
	waitForMembers(t, n1, "node1", "node2")
	waitForMembers(t, n2, "node1", "node2")

	var onN1, onN2 collector
	_, err := n1.Subscribe(ctx, topicA, "test", onN1.handle)
	require.NoError(t, err)
	_, err = n2.Subscribe(ctx, topicA, "test", onN2.handle)
	require.NoError(t, err)

	expected := make([]string, 0, 20)
	for i := range 20 {
		payload := fmt.Sprintf("msg-%d", i)
		expected = append(expected, payload)
		require.NoError(t, n1.Publish(ctx, topicA, []byte(payload)))
	}

	onN1.waitFor(t, expected...)
	onN2.waitFor(t, expected...)

	require.NoError(t, n2.Publish(ctx, topicA, []byte("reply")))
	onN1.waitFor(t, append(expected, "reply")...)
}

func TestProviderOverMemberlist(t *testing.T) {
	n1 := newMember(t, "node1")
	n2 := newMember(t, "node2")
	exercisePublish(t, n1, n2)
}

func TestProviderOverQUIC(t *testing.T) {
	pki := newTestPKI(t)
	n1 := newMember(t, "node1", WithTLSConfig(pki.config(t, "node1")))
	n2 := newMember(t, "node2", WithTLSConfig(pki.config(t, "node2")))
	exercisePublish(t, n1, n2)
}

func TestProviderPublishValidation(t *testing.T) {
	n1 := newMember(t, "node1")

	err := n1.Publish(context.Background(), stream.Topic{Namespace: "ALL"}, []byte("x"))
	require.ErrorIs(t, err, stream.ErrInvalidTopic)

	require.NoError(t, n1.Close())
	err = n1.Publish(context.Background(), topicA, []byte("x"))
	require.ErrorIs(t, err, stream.ErrClosed)
	require.NoError(t, n1.Close(), "closing twice is fine")
}

func TestProviderOptions(t *testing.T) {
	_, err := NewProvider(state.NewMemoryStore(), WithReorderWait(0))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = NewProvider(state.NewMemoryStore(), WithTLSConfig(nil))
	require.ErrorIs(t, err, ErrInvalidCfg)
	require.ErrorIs(t, err, ErrNoTLSConfig)
}

func TestProviderResumesHandles(t *testing.T) {
	ctx := context.Background()
	n1 := newMember(t, "node1")

	var first collector
	handle, err := n1.Subscribe(ctx, topicA, "owner", first.handle)
	require.NoError(t, err)

	handles, err := n1.Handles(ctx, topicA, "owner")
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Equal(t, handle.ID, handles[0].ID)
	assert.Equal(t, n1.Epoch(), handles[0].Epoch)

	var second collector
	require.NoError(t, n1.Resume(ctx, handle, second.handle))
	require.NoError(t, n1.Publish(ctx, topicA, []byte("after-resume")))
	second.waitFor(t, "after-resume")
	assert.Empty(t, first.received())

	require.NoError(t, n1.Unsubscribe(ctx, handle))
	handles, err = n1.Handles(ctx, topicA, "owner")
	require.NoError(t, err)
	assert.Empty(t, handles)
}
