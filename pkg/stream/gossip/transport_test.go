package gossip

import (
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"
	"unique"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func newTestTransport(t *testing.T, pki *testPKI, name string, sink metrics.MetricSink) *Transport {
	t.Helper()
	tr, err := NewTransport(&TransportConfig{
		TLSConfig:  pki.config(t, name),
		BindAddr:   "127.0.0.1",
		MetricSink: sink,
		LogHandler: testLogHandler(name),
	})
	require.NoError(t, err, "failed to start %s", name)
	t.Cleanup(func() { tr.Shutdown() })
	return tr
}

func localAddr(tr *Transport) string {
	return fmt.Sprintf("127.0.0.1:%d", tr.LocalPort())
}

func TestTransportRequiresTLS(t *testing.T) {
	_, err := NewTransport(&TransportConfig{BindAddr: "127.0.0.1"})
	require.ErrorIs(t, err, ErrNoTLSConfig)
}

func TestTransport(t *testing.T) {
	pki := newTestPKI(t)
	n1Metrics := metrics.NewInmemSink(time.Second, 5*time.Minute)
	n2Metrics := metrics.NewInmemSink(time.Second, 5*time.Minute)
	ts1 := newTestTransport(t, pki, "node1", n1Metrics)
	ts2 := newTestTransport(t, pki, "node2", n2Metrics)

	t.Run("write datagram from n1 to n2", func(t *testing.T) {
		_, err := ts1.WriteTo([]byte("hello"), localAddr(ts2))
		require.NoError(t, err)

		select {
		case packet := <-ts2.PacketCh():
			require.Equal(t, "hello", string(packet.Buf), "unexpected packet data")
			require.Equal(t, localAddr(ts1), packet.From.String())
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out")
		}

		ts2.hostsLock.RLock()
		name, ok := ts2.addrToHost[localAddr(ts1)]
		ts2.hostsLock.RUnlock()
		require.True(t, ok, "node1 should be known by its address")
		assert.Equal(t, unique.Make(Hostname("node1")), name)
	})

	t.Run("open stream from n2 to n1", func(t *testing.T) {
		conn, err := ts2.DialTimeout(localAddr(ts1), 10*time.Second)
		require.NoError(t, err)
		defer conn.Close()

		_, err = conn.Write([]byte("abc"))
		require.NoError(t, err)

		select {
		case stream := <-ts1.StreamCh():
			defer stream.Close()
			stream.SetReadDeadline(time.Now().Add(5 * time.Second))
			buf := make([]byte, 3)
			_, err := io.ReadFull(stream, buf)
			require.NoError(t, err)
			assert.Equal(t, "abc", string(buf), "the mode byte must not leak to memberlist")
			assert.Equal(t, localAddr(ts2), stream.RemoteAddr().String())
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out")
		}
	})

	t.Run("connections are reused", func(t *testing.T) {
		_, err := ts2.WriteTo([]byte("back"), localAddr(ts1))
		require.NoError(t, err)

		select {
		case packet := <-ts1.PacketCh():
			require.Equal(t, "back", string(packet.Buf))
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out")
		}

		ts1.hostsLock.RLock()
		defer ts1.hostsLock.RUnlock()
		assert.Len(t, ts1.hostsCxs[unique.Make(Hostname("node2"))], 1)
	})
}

func TestFinalAdvertiseAddr(t *testing.T) {
	pki := newTestPKI(t)
	tr := newTestTransport(t, pki, "node1", &metrics.BlackholeSink{})

	ip, port, err := tr.FinalAdvertiseAddr("", 0)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip.String())
	assert.Equal(t, tr.LocalPort(), port)

	ip, port, err = tr.FinalAdvertiseAddr("10.0.0.7", 7000)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", ip.String())
	assert.Equal(t, 7000, port)

	_, _, err = tr.FinalAdvertiseAddr("not-an-ip", 0)
	require.ErrorIs(t, err, ErrInvalidAddr)

	anyTr, err := NewTransport(&TransportConfig{
		TLSConfig:  pki.config(t, "node2"),
		MetricSink: &metrics.BlackholeSink{},
	})
	require.NoError(t, err)
	defer anyTr.Shutdown()
	_, _, err = anyTr.FinalAdvertiseAddr("", 0)
	require.ErrorIs(t, err, ErrInvalidAddr, "binding every interface requires an explicit address")
}

func TestCommonNameResolver(t *testing.T) {
	_, err, reason := CommonNameResolver(nil)
	require.ErrorIs(t, err, ErrHostnameResolve)
	assert.NotEmpty(t, reason)

	pki := newTestPKI(t)
	cfg := pki.config(t, "node1")
	name, err, _ := CommonNameResolver([]*x509.Certificate{cfg.Certificates[0].Leaf})
	require.NoError(t, err)
	assert.Equal(t, Hostname("node1"), name)
}
