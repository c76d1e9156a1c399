package gossip

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/jonboulle/clockwork"
	"github.com/raskyld/hubmesh/pkg/state"
	"github.com/raskyld/hubmesh/pkg/stream"
	"github.com/raskyld/hubmesh/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var topicA = stream.Topic{Namespace: "ALL", Key: "chat"}

func frame(origin string, seq uint64, data string) *wire.Frame {
	return &wire.Frame{
		Origin:    origin,
		Namespace: topicA.Namespace,
		Key:       topicA.Key,
		Seq:       seq,
		Data:      []byte(data),
	}
}

func seqs(frames []*wire.Frame) []uint64 {
	out := make([]uint64, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Seq)
	}
	return out
}

func TestSequencerReorders(t *testing.T) {
	now := time.Now()
	s := newSequencer(now)

	assert.Empty(t, s.offer(frame("o", 2, "b"), now))
	assert.Empty(t, s.offer(frame("o", 3, "c"), now))
	assert.Equal(t, []uint64{1, 2, 3}, seqs(s.offer(frame("o", 1, "a"), now)))
	assert.True(t, s.gapSince.IsZero())

	assert.Empty(t, s.offer(frame("o", 2, "b"), now), "duplicates are dropped")
	assert.Equal(t, []uint64{4}, seqs(s.offer(frame("o", 4, "d"), now)))
}

func TestSequencerSkipsOldGaps(t *testing.T) {
	now := time.Now()
	wait := 100 * time.Millisecond
	s := newSequencer(now)

	require.Equal(t, []uint64{1}, seqs(s.offer(frame("o", 1, "a"), now)))
	assert.Empty(t, s.offer(frame("o", 3, "c"), now))
	assert.Empty(t, s.offer(frame("o", 5, "e"), now))

	ready, skipped := s.expire(now.Add(wait/2), wait)
	assert.Empty(t, ready)
	assert.Zero(t, skipped)

	ready, skipped = s.expire(now.Add(wait), wait)
	assert.Equal(t, []uint64{3}, seqs(ready))
	assert.Equal(t, uint64(1), skipped)

	// the remaining gap restarts its own timer
	ready, _ = s.expire(now.Add(wait+wait/2), wait)
	assert.Empty(t, ready)
	ready, skipped = s.expire(now.Add(2*wait), wait)
	assert.Equal(t, []uint64{5}, seqs(ready))
	assert.Equal(t, uint64(1), skipped)

	assert.Empty(t, s.offer(frame("o", 2, "b"), now.Add(2*wait)), "late frames behind a skipped gap are dropped")
	assert.False(t, s.idle(now.Add(2*wait), time.Minute))
	assert.True(t, s.idle(now.Add(2*wait+2*time.Minute), time.Minute))
}

type collector struct {
	lk   sync.Mutex
	data []string
}

func (c *collector) handle(_ context.Context, msg stream.Message) error {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.data = append(c.data, string(msg.Data))
	return nil
}

func (c *collector) received() []string {
	c.lk.Lock()
	defer c.lk.Unlock()
	return append([]string(nil), c.data...)
}

func (c *collector) waitFor(t *testing.T, expected ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(expected, c.received())
	}, 5*time.Second, 10*time.Millisecond, "got %v", c.received())
}

// newDetachedProvider has no memberlist, frames are fed with receive.
func newDetachedProvider(t *testing.T, clock clockwork.Clock, sink metrics.MetricSink) *Provider {
	t.Helper()
	cfg := defaultConfig()
	cfg.clock = clock
	cfg.msink = sink
	cfg.reorderWait = 100 * time.Millisecond

	local, err := stream.NewMemoryProvider(state.NewMemoryStore(), stream.WithMetricSink(&metrics.BlackholeSink{}))
	require.NoError(t, err)
	p := newProvider(cfg, local)
	t.Cleanup(p.abort)
	return p
}

func TestProviderOrdersInboundFrames(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := metrics.NewInmemSink(time.Minute, time.Hour)
	p := newDetachedProvider(t, clock, sink)

	var got collector
	_, err := p.Subscribe(context.Background(), topicA, "test", got.handle)
	require.NoError(t, err)

	p.receive(frame("remote", 2, "b"))
	p.receive(frame("remote", 1, "a"))
	p.receive(frame("remote", 1, "a"))
	got.waitFor(t, "a", "b")

	p.receive(frame("remote", 4, "d"))
	p.receive(frame("other", 1, "x"))
	got.waitFor(t, "a", "b", "x")

	require.Eventually(t, func() bool {
		clock.Advance(100 * time.Millisecond)
		return assert.ObjectsAreEqual([]string{"a", "b", "x", "d"}, got.received())
	}, 5*time.Second, 10*time.Millisecond, "got %v", got.received())

	data := sink.Data()
	skipped := data[len(data)-1].Counters["hubmesh.gossip.frame.skipped.count;namespace=ALL"]
	require.NotNil(t, skipped.AggregateSample)
	assert.Equal(t, 1.0, skipped.Sum)
}

func TestProviderRejectsInvalidFrames(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, time.Hour)
	p := newDetachedProvider(t, clockwork.NewFakeClock(), sink)

	d := &delegate{p: p}
	d.NotifyMsg([]byte{0xFF})
	d.NotifyMsg(wire.AppendDelimited(nil, (&wire.Frame{Origin: "o", Seq: 1}).Marshal()))

	data := sink.Data()
	counters := data[len(data)-1].Counters
	require.NotNil(t, counters["hubmesh.gossip.frame.in.error.count;error=framing"].AggregateSample)
	require.NotNil(t, counters["hubmesh.gossip.frame.in.error.count;error=topic"].AggregateSample)
}

func TestDelegateDecodesBatches(t *testing.T) {
	p := newDetachedProvider(t, clockwork.NewFakeClock(), &metrics.BlackholeSink{})

	var got collector
	_, err := p.Subscribe(context.Background(), topicA, "test", got.handle)
	require.NoError(t, err)

	var msg []byte
	msg = wire.AppendDelimited(msg, frame("remote", 1, "a").Marshal())
	msg = wire.AppendDelimited(msg, frame("remote", 2, "b").Marshal())
	(&delegate{p: p}).NotifyMsg(msg)

	got.waitFor(t, "a", "b")
}
