package gossip

import (
	"net"

	"github.com/quic-go/quic-go"
)

// streamWrapper turns a QUIC stream into the net.Conn memberlist expects.
type streamWrapper struct {
	localAddr  net.Addr
	remoteAddr net.Addr
	*quic.Stream
}

func (sw *streamWrapper) LocalAddr() net.Addr {
	return sw.localAddr
}

func (sw *streamWrapper) RemoteAddr() net.Addr {
	return sw.remoteAddr
}

// Close releases both directions, like closing a TCP connection.
func (sw *streamWrapper) Close() error {
	sw.Stream.CancelRead(0)
	return sw.Stream.Close()
}

func (sw *streamWrapper) garbageCollector(closer <-chan struct{}) {
	select {
	case <-sw.Context().Done():
	case <-closer:
		sw.Close()
	}
}
