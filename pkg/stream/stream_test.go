package stream_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/hubmesh/internal/etcdtest"
	"github.com/raskyld/hubmesh/pkg/state"
	"github.com/raskyld/hubmesh/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	lk   sync.Mutex
	msgs []stream.Message
}

func (c *collector) handle(_ context.Context, msg stream.Message) error {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) data() []string {
	c.lk.Lock()
	defer c.lk.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, msg := range c.msgs {
		out = append(out, string(msg.Data))
	}
	return out
}

func (c *collector) waitFor(t *testing.T, expected ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(expected, c.data())
	}, 5*time.Second, 10*time.Millisecond, "got %v", c.data())
}

var topicA = stream.Topic{Namespace: "ALL", Key: "chat"}

func newMemoryProvider(t *testing.T, store state.Store, opts ...stream.Option) *stream.MemoryProvider {
	t.Helper()
	opts = append([]stream.Option{
		stream.WithMetricSink(&metrics.BlackholeSink{}),
		stream.WithRedelivery(3, time.Millisecond),
	}, opts...)
	provider, err := stream.NewMemoryProvider(store, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })
	return provider
}

func TestMemoryProvider(t *testing.T) {
	t.Parallel()
	runProviderSuite(t, func(t *testing.T, store state.Store) stream.Provider {
		return newMemoryProvider(t, store)
	})
}

func TestEtcdProvider(t *testing.T) {
	t.Parallel()
	runProviderSuite(t, func(t *testing.T, store state.Store) stream.Provider {
		provider, err := stream.NewEtcdProvider(
			etcdtest.ClientForTest(t),
			store,
			stream.WithMetricSink(&metrics.BlackholeSink{}),
			stream.WithRedelivery(3, time.Millisecond),
		)
		require.NoError(t, err)
		t.Cleanup(func() { provider.Close() })
		return provider
	})
}

func TestEtcdProvider_ReplayAfterRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := etcdtest.ClientForTest(t)
	store := state.NewEtcdStore(client)

	first, err := stream.NewEtcdProvider(client, store)
	require.NoError(t, err)
	handle, err := first.Subscribe(ctx, topicA, "owner", func(context.Context, stream.Message) error { return nil })
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := stream.NewEtcdProvider(client, store)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.Publish(ctx, topicA, []byte("missed-1")))
	require.NoError(t, second.Publish(ctx, topicA, []byte("missed-2")))

	c := &collector{}
	require.NoError(t, second.Resume(ctx, handle, c.handle))
	c.waitFor(t, "missed-1", "missed-2")
}

func TestMemoryProvider_ResumeOnNewEpoch(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()

	first := newMemoryProvider(t, store)
	handle, err := first.Subscribe(ctx, topicA, "group:chat:g1", func(context.Context, stream.Message) error { return nil })
	require.NoError(t, err)
	require.NoError(t, first.Publish(ctx, topicA, []byte("before-restart")))
	require.NoError(t, first.Close())

	second := newMemoryProvider(t, store)
	require.NotEqual(t, first.Epoch(), second.Epoch())

	handles, err := second.Handles(ctx, topicA, "group:chat:g1")
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Equal(t, handle.ID, handles[0].ID)

	require.NoError(t, second.Publish(ctx, topicA, []byte("retained")))

	c := &collector{}
	require.NoError(t, second.Resume(ctx, handles[0], c.handle))
	c.waitFor(t, "retained")

	require.NoError(t, second.Publish(ctx, topicA, []byte("live")))
	c.waitFor(t, "retained", "live")

	require.Eventually(t, func() bool {
		handles, err := second.Handles(ctx, topicA, "group:chat:g1")
		return err == nil && len(handles) == 1 &&
			handles[0].Epoch == second.Epoch() && handles[0].LastSeq == 2
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryProvider_Retention(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	first := newMemoryProvider(t, store)
	handle, err := first.Subscribe(ctx, topicA, "o", func(context.Context, stream.Message) error { return nil })
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newMemoryProvider(t, store, stream.WithRetention(2))
	for _, data := range []string{"1", "2", "3"} {
		require.NoError(t, second.Publish(ctx, topicA, []byte(data)))
	}

	c := &collector{}
	require.NoError(t, second.Resume(ctx, handle, c.handle))
	c.waitFor(t, "2", "3")
}

func TestMemoryProvider_Metrics(t *testing.T) {
	ctx := context.Background()
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	provider := newMemoryProvider(t, state.NewMemoryStore(), stream.WithMetricSink(sink))

	c := &collector{}
	_, err := provider.Subscribe(ctx, topicA, "o", c.handle)
	require.NoError(t, err)
	require.NoError(t, provider.Publish(ctx, topicA, []byte("x")))
	c.waitFor(t, "x")

	require.Eventually(t, func() bool {
		return counter(sink, "hubmesh.stream.published.count;namespace=ALL") == 1 &&
			counter(sink, "hubmesh.stream.delivered.count;namespace=ALL") == 1
	}, time.Second, 10*time.Millisecond)
}

func counter(sink *metrics.InmemSink, key string) int {
	total := 0
	for _, interval := range sink.Data() {
		interval.RLock()
		if v, ok := interval.Counters[key]; ok && v.AggregateSample != nil {
			total += v.Count
		}
		interval.RUnlock()
	}
	return total
}

func runProviderSuite(t *testing.T, newProvider func(t *testing.T, store state.Store) stream.Provider) {
	t.Run("ordered delivery", func(t *testing.T) {
		ctx := context.Background()
		provider := newProvider(t, state.NewMemoryStore())

		c1, c2 := &collector{}, &collector{}
		_, err := provider.Subscribe(ctx, topicA, "one", c1.handle)
		require.NoError(t, err)
		_, err = provider.Subscribe(ctx, topicA, "two", c2.handle)
		require.NoError(t, err)

		expected := []string{"a", "b", "c", "d"}
		for _, data := range expected {
			require.NoError(t, provider.Publish(ctx, topicA, []byte(data)))
		}
		c1.waitFor(t, expected...)
		c2.waitFor(t, expected...)
	})

	t.Run("topics are isolated", func(t *testing.T) {
		ctx := context.Background()
		provider := newProvider(t, state.NewMemoryStore())

		c := &collector{}
		_, err := provider.Subscribe(ctx, topicA, "o", c.handle)
		require.NoError(t, err)

		require.NoError(t, provider.Publish(ctx, stream.Topic{Namespace: "ALL", Key: "chatty"}, []byte("other")))
		require.NoError(t, provider.Publish(ctx, topicA, []byte("mine")))
		c.waitFor(t, "mine")
	})

	t.Run("redelivery", func(t *testing.T) {
		ctx := context.Background()
		provider := newProvider(t, state.NewMemoryStore())

		var attempts atomic.Int32
		c := &collector{}
		_, err := provider.Subscribe(ctx, topicA, "o", func(ctx context.Context, msg stream.Message) error {
			if attempts.Add(1) == 1 {
				return errors.New("transient")
			}
			return c.handle(ctx, msg)
		})
		require.NoError(t, err)
		require.NoError(t, provider.Publish(ctx, topicA, []byte("retry-me")))
		c.waitFor(t, "retry-me")
		assert.Equal(t, int32(2), attempts.Load())
	})

	t.Run("poison message is dropped", func(t *testing.T) {
		ctx := context.Background()
		provider := newProvider(t, state.NewMemoryStore())

		c := &collector{}
		_, err := provider.Subscribe(ctx, topicA, "o", func(ctx context.Context, msg stream.Message) error {
			if string(msg.Data) == "poison" {
				return errors.New("cannot handle")
			}
			return c.handle(ctx, msg)
		})
		require.NoError(t, err)
		require.NoError(t, provider.Publish(ctx, topicA, []byte("poison")))
		require.NoError(t, provider.Publish(ctx, topicA, []byte("fine")))
		c.waitFor(t, "fine")
	})

	t.Run("unsubscribe from handler", func(t *testing.T) {
		ctx := context.Background()
		provider := newProvider(t, state.NewMemoryStore())

		var handle stream.Handle
		var ready sync.WaitGroup
		ready.Add(1)
		c := &collector{}
		handle, err := provider.Subscribe(ctx, topicA, "o", func(ctx context.Context, msg stream.Message) error {
			ready.Wait()
			_ = c.handle(ctx, msg)
			return provider.Unsubscribe(ctx, handle)
		})
		require.NoError(t, err)
		ready.Done()

		require.NoError(t, provider.Publish(ctx, topicA, []byte("first")))
		c.waitFor(t, "first")

		require.Eventually(t, func() bool {
			handles, err := provider.Handles(ctx, topicA, "o")
			return err == nil && len(handles) == 0
		}, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, provider.Publish(ctx, topicA, []byte("second")))
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, []string{"first"}, c.data())
	})

	t.Run("resume attached handle swaps handler", func(t *testing.T) {
		ctx := context.Background()
		provider := newProvider(t, state.NewMemoryStore())

		old, fresh := &collector{}, &collector{}
		handle, err := provider.Subscribe(ctx, topicA, "o", old.handle)
		require.NoError(t, err)
		require.NoError(t, provider.Resume(ctx, handle, fresh.handle))

		require.NoError(t, provider.Publish(ctx, topicA, []byte("x")))
		fresh.waitFor(t, "x")
		assert.Empty(t, old.data())
	})

	t.Run("handles are listed per owner", func(t *testing.T) {
		ctx := context.Background()
		provider := newProvider(t, state.NewMemoryStore())
		noop := func(context.Context, stream.Message) error { return nil }

		h1, err := provider.Subscribe(ctx, topicA, "group:hub:a", noop)
		require.NoError(t, err)
		_, err = provider.Subscribe(ctx, topicA, "group:hub:ab", noop)
		require.NoError(t, err)

		handles, err := provider.Handles(ctx, topicA, "group:hub:a")
		require.NoError(t, err)
		require.Len(t, handles, 1)
		assert.Equal(t, h1.ID, handles[0].ID)

		require.NoError(t, provider.Unsubscribe(ctx, h1))
		handles, err = provider.Handles(ctx, topicA, "group:hub:a")
		require.NoError(t, err)
		assert.Empty(t, handles)

		err = provider.Resume(ctx, h1, noop)
		require.ErrorIs(t, err, stream.ErrUnknownHandle)
	})

	t.Run("invalid topic", func(t *testing.T) {
		provider := newProvider(t, state.NewMemoryStore())
		err := provider.Publish(context.Background(), stream.Topic{Namespace: "ALL"}, nil)
		require.ErrorIs(t, err, stream.ErrInvalidTopic)
	})
}
