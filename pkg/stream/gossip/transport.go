package gossip

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unique"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/quic-go/quic-go"
)

const defaultUDPBufferSize int = 1 << 21

// ALPN is negotiated by every QUIC connection of the transport.
const ALPN = "hubmesh-gossip"

// MaxDatagramSize is the largest memberlist packet the transport can carry
// in a single QUIC datagram.
const MaxDatagramSize = 1150

// streamModeGossip is the first byte of every stream we open.
const streamModeGossip byte = 0x01

// TransportConfig configures the QUIC transport of memberlist.
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// Otherwise, we halve the requested size until it fits.
	EnforceBufferSize bool

	// TLSConfig must enable mTLS between the peers.
	TLSConfig *tls.Config

	BindAddr string
	BindPort int

	// HostnameResolver names peers from their certificates.
	HostnameResolver HostnameResolver

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink

	// DialTimeout bounds connection establishment for packets.
	DialTimeout time.Duration

	// GracePeriod is how long Shutdown waits for streams to flush before
	// closing connections.
	GracePeriod time.Duration

	LogHandler slog.Handler
}

// Transport carries memberlist over QUIC: packets are datagrams and
// streams are QUIC streams, all multiplexed on one connection per peer.
// Peers are named after their certificate, see HostnameResolver.
type Transport struct {
	cfg    *TransportConfig
	tlsCfg *tls.Config
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam connection errors in logs
	gracefulTerm atomic.Bool
	shutdownCh   chan struct{}
	wg           sync.WaitGroup

	addrToHost map[string]unique.Handle[Hostname]
	hostsInfo  map[unique.Handle[Hostname]]Host
	hostsCxs   map[unique.Handle[Hostname]][]hostCx
	hostsLock  sync.RWMutex

	// memberlist
	packetCh chan *memberlist.Packet
	streamCh chan net.Conn

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

var _ memberlist.NodeAwareTransport = (*Transport)(nil)

type hostCx struct {
	// closeCh is closed to wake-up stream garbage collectors.
	closeCh chan struct{}
	*quic.Conn
}

func NewTransport(cfg *TransportConfig) (t *Transport, err error) {
	if cfg.TLSConfig == nil {
		return nil, ErrNoTLSConfig
	}

	tlsCfg := cfg.TLSConfig.Clone()
	if len(tlsCfg.NextProtos) == 0 {
		tlsCfg.NextProtos = []string{ALPN}
	}

	t = &Transport{
		cfg:        cfg,
		tlsCfg:     tlsCfg,
		shutdownCh: make(chan struct{}),
		addrToHost: make(map[string]unique.Handle[Hostname]),
		hostsInfo:  make(map[unique.Handle[Hostname]]Host),
		hostsCxs:   make(map[unique.Handle[Hostname]][]hostCx),
		packetCh:   make(chan *memberlist.Packet),
		streamCh:   make(chan net.Conn),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := t.negotiateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	ln, err := t.tr.Listen(t.tlsCfg, t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	t.wg.Add(1)
	go t.acceptCx()
	return t, nil
}

func (t *Transport) quicConfig() *quic.Config {
	return &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		EnableDatagrams: true,
		// memberlist opens a stream per push/pull or reliable message.
		MaxIncomingStreams:    1000,
		MaxIncomingUniStreams: -1,
		MaxIdleTimeout:        time.Minute,
		KeepAlivePeriod:       15 * time.Second,
	}
}

// LocalPort is the UDP port the transport listens on.
func (t *Transport) LocalPort() int {
	if t.udpLn == nil {
		return 0
	}
	return t.udpLn.LocalAddr().(*net.UDPAddr).Port
}

func (t *Transport) FinalAdvertiseAddr(ip string, port int) (net.IP, int, error) {
	if t.udpLn == nil {
		return nil, 0, ErrUDPNotAvailable
	}
	local := t.udpLn.LocalAddr().(*net.UDPAddr)

	advertiseAddr := local.IP
	if ip != "" {
		advertiseAddr = net.ParseIP(ip)
		if advertiseAddr == nil {
			return nil, 0, fmt.Errorf("%w: %q", ErrInvalidAddr, ip)
		}
	}
	if advertiseAddr.IsUnspecified() {
		return nil, 0, fmt.Errorf("%w: an advertise address is required when binding every interface", ErrInvalidAddr)
	}
	if ip4 := advertiseAddr.To4(); ip4 != nil {
		advertiseAddr = ip4
	}
	if port == 0 {
		port = local.Port
	}
	return advertiseAddr, port, nil
}

func (t *Transport) WriteTo(b []byte, addr string) (time.Time, error) {
	return t.WriteToAddress(b, memberlist.Address{
		Addr: addr,
	})
}

func (t *Transport) WriteToAddress(b []byte, addr memberlist.Address) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()

	mLabels := append(slices.Clone(t.cfg.MetricLabels), labelsForAddr(addr)...)
	conn, err := t.getActiveCx(ctx, addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricDatagramOutErrorCount, 1.0, mLabels)
		return time.Time{}, err
	}

	ts := time.Now()
	err = conn.SendDatagram(b)
	if err == nil {
		t.msink.IncrCounterWithLabels(MetricDatagramOutBytes, float32(len(b)), mLabels)
	} else {
		t.msink.IncrCounterWithLabels(MetricDatagramOutErrorCount, 1.0, mLabels)
	}
	return ts, err
}

func (t *Transport) PacketCh() <-chan *memberlist.Packet {
	return t.packetCh
}

func (t *Transport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return t.DialAddressTimeout(memberlist.Address{
		Addr: addr,
	}, timeout)
}

func (t *Transport) DialAddressTimeout(addr memberlist.Address, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	mLabels := append(slices.Clone(t.cfg.MetricLabels), labelsForAddr(addr)...)
	hcx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount, 1.0,
			append(mLabels, LabelError.M("no_conn_to_host")),
		)
		return nil, err
	}

	stream, err := hcx.OpenStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount, 1.0,
			append(mLabels, LabelError.M("cannot_open_stream")),
		)
		return nil, err
	}

	swrap := &streamWrapper{
		localAddr:  hcx.LocalAddr(),
		remoteAddr: hcx.RemoteAddr(),
		Stream:     stream,
	}
	go swrap.garbageCollector(hcx.closeCh)

	if _, err := stream.Write([]byte{streamModeGossip}); err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount, 1.0,
			append(mLabels, LabelError.M("cannot_send_mode")),
		)
		swrap.Close()
		return nil, fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	t.msink.IncrCounterWithLabels(MetricStreamEstOutCount, 1.0, mLabels)
	return swrap, nil
}

func (t *Transport) StreamCh() <-chan net.Conn {
	return t.streamCh
}

func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}
	close(t.shutdownCh)

	t.hostsLock.Lock()
	for _, cxs := range t.hostsCxs {
		for _, cx := range cxs {
			close(cx.closeCh)
		}
	}
	t.hostsLock.Unlock()

	// quic-go has no way to tell us when streams are drained.
	if t.cfg.GracePeriod > 0 {
		time.Sleep(t.cfg.GracePeriod)
	}

	t.hostsLock.Lock()
	for _, cxs := range t.hostsCxs {
		for _, cx := range cxs {
			QErrShutdown.Close(cx.Conn, "we are shutting down! bye!")
		}
	}
	t.hostsLock.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}
	if t.tr != nil {
		t.tr.Close()
	}
	if t.udpLn != nil {
		t.udpLn.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *Transport) negotiateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(MetricUDPBufferSizeBytes, float32(size), t.cfg.MetricLabels)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) acceptCx() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}
		if _, err := t.handleConn(conn); err != nil {
			t.logger.Warn("rejected inbound connection", LabelError.L(err))
		}
	}
}

func (t *Transport) waitForDatagrams(hcx hostCx) {
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := t.logger.With(LabelPeerAddr.L(remoteAddr.String()))
	mLabels := append(slices.Clone(t.cfg.MetricLabels), LabelPeerAddr.M(remoteAddr.String()))

	for {
		buf, err := hcx.ReceiveDatagram(ctx)
		ts := time.Now()
		if t.gracefulTerm.Load() {
			logger.Debug("datagram listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount, 1.0,
				append(mLabels, LabelError.M("unknown")),
			)
			logger.Error("error reading datagram", LabelError.L(err))
			continue
		}

		if len(buf) < 1 {
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount, 1.0,
				append(mLabels, LabelError.M("too_small")),
			)
			continue
		}

		t.msink.IncrCounterWithLabels(MetricDatagramInBytes, float32(len(buf)), mLabels)
		select {
		case t.packetCh <- &memberlist.Packet{Buf: buf, From: remoteAddr, Timestamp: ts}:
		case <-t.shutdownCh:
			return
		}
	}
}

func (t *Transport) handleStreams(hcx hostCx) {
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := t.logger.With(LabelPeerAddr.L(remoteAddr.String()))
	mLabels := append(slices.Clone(t.cfg.MetricLabels), LabelPeerAddr.M(remoteAddr.String()))

	for {
		stream, err := hcx.AcceptStream(ctx)
		if t.gracefulTerm.Load() {
			logger.Debug("stream listener gracefully shutting down")
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("connection closed", LabelError.L(context.Cause(ctx)))
				return
			}
			t.msink.IncrCounterWithLabels(
				MetricStreamEstInErrorCount, 1.0,
				append(mLabels, LabelError.M("unknown")),
			)
			logger.Warn("error accepting stream", LabelError.L(err))
			continue
		}

		swrap := &streamWrapper{
			localAddr:  hcx.LocalAddr(),
			remoteAddr: remoteAddr,
			Stream:     stream,
		}
		go swrap.garbageCollector(hcx.closeCh)
		go t.admitStream(swrap, logger.With(LabelStreamID.L(int64(stream.StreamID()))), mLabels)
	}
}

// admitStream checks the stream mode before handing the stream to
// memberlist.
func (t *Transport) admitStream(swrap *streamWrapper, logger *slog.Logger, mLabels []metrics.Label) {
	swrap.SetReadDeadline(time.Now().Add(t.cfg.DialTimeout))
	mode := make([]byte, 1)
	if _, err := io.ReadFull(swrap.Stream, mode); err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstInErrorCount, 1.0,
			append(mLabels, LabelError.M("no_mode")),
		)
		logger.Warn("error waiting for stream mode", LabelError.L(err))
		swrap.Close()
		return
	}
	swrap.SetReadDeadline(time.Time{})

	if mode[0] != streamModeGossip {
		logger.Warn("protocol violation: unknown stream mode", "mode", mode[0])
		swrap.CancelRead(QErrStreamProtocolViolation)
		swrap.CancelWrite(QErrStreamProtocolViolation)
		t.msink.IncrCounterWithLabels(
			MetricStreamEstInErrorCount, 1.0,
			append(mLabels, LabelError.M("protocol_violation")),
		)
		return
	}

	t.msink.IncrCounterWithLabels(MetricStreamEstInCount, 1.0, mLabels)
	select {
	case t.streamCh <- swrap:
	case <-t.shutdownCh:
		swrap.Close()
	}
}

func (t *Transport) getActiveCx(ctx context.Context, target memberlist.Address) (hostCx, error) {
	t.hostsLock.RLock()
	var dest unique.Handle[Hostname]
	if target.Name != "" {
		dest = unique.Make(Hostname(target.Name))
	} else {
		resolved, ok := t.addrToHost[target.Addr]
		if !ok {
			t.hostsLock.RUnlock()
			return t.dial(ctx, target.Addr)
		}
		dest = resolved
	}

	cx, hasCx := t.firstActiveCx(dest)
	t.hostsLock.RUnlock()
	if hasCx {
		return cx, nil
	}
	return t.dial(ctx, target.Addr)
}

func (t *Transport) dial(ctx context.Context, target string) (hostCx, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	cx, err := t.tr.Dial(ctx, addr, t.tlsCfg, t.quicConfig())
	if t.gracefulTerm.Load() {
		return hostCx{}, ErrShutdown
	}
	if err != nil {
		return hostCx{}, err
	}
	return t.handleConn(cx)
}

// garbageCollectCxs drops the closed connections to dest.
// The caller must hold the write lock.
func (t *Transport) garbageCollectCxs(dest unique.Handle[Hostname]) ([]hostCx, bool) {
	cxs, hasCxs := t.hostsCxs[dest]
	if !hasCxs {
		return cxs, hasCxs
	}

	cleanedUpList := make([]hostCx, 0, len(cxs))
	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			cleanedUpList = append(cleanedUpList, cx)
		}
	}

	if len(cleanedUpList) == 0 {
		delete(t.hostsCxs, dest)
		return nil, false
	}
	t.hostsCxs[dest] = cleanedUpList
	return cleanedUpList, true
}

// firstActiveCx must be called with the read lock held.
func (t *Transport) firstActiveCx(dest unique.Handle[Hostname]) (hostCx, bool) {
	for _, cx := range t.hostsCxs[dest] {
		if cx.Context().Err() == nil {
			return cx, true
		}
	}
	return hostCx{}, false
}

func (t *Transport) handleConn(conn *quic.Conn) (hostCx, error) {
	peer := conn.RemoteAddr().String()
	peerAddr, rawPort, err := net.SplitHostPort(peer)
	if err != nil {
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	peerPort, err := strconv.Atoi(rawPort)
	if err != nil {
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	logger := t.logger.With("addr", peerAddr, "port", peerPort)
	resolver := t.cfg.HostnameResolver
	if resolver == nil {
		resolver = CommonNameResolver
	}

	mLabels := append(slices.Clone(t.cfg.MetricLabels), LabelPeerAddr.M(peer))

	rsvHostname, err, uerr := resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve hostname", LabelError.L(err))
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount, 1.0,
			append(mLabels, LabelError.M("name_resolution")),
		)
		if uerr == "" {
			uerr = "unexpected error during hostname resolution"
		}
		QErrInternal.Close(conn, uerr)
		return hostCx{}, ErrHostnameResolve
	}

	mLabels = append(mLabels, LabelPeerName.M(string(rsvHostname)))
	rsvHostnameHandle := unique.Make(rsvHostname)

	t.hostsLock.Lock()
	if currentHostname, ok := t.addrToHost[peer]; ok {
		if currentHostname != rsvHostnameHandle {
			logger.Warn("a peer changed its name, updating",
				"old", currentHostname.Value(),
				"new", rsvHostname,
			)
			t.addrToHost[peer] = rsvHostnameHandle
			if cxs, ok := t.hostsCxs[currentHostname]; ok {
				delete(t.hostsCxs, currentHostname)
				t.hostsCxs[rsvHostnameHandle] = cxs
			}
			t.msink.IncrCounterWithLabels(MetricHostNameChanges, 1.0, mLabels)
		}
	} else {
		t.addrToHost[peer] = rsvHostnameHandle
		logger.Info("new peer discovered", LabelPeerName.L(rsvHostname))
	}

	hostInfo, ok := t.hostsInfo[rsvHostnameHandle]
	if ok && (hostInfo.Addr != peerAddr || hostInfo.Port != peerPort) {
		logger.Warn("a node has been migrated or there is a name conflict in the cluster",
			"oldAddr", hostInfo.Addr,
			"oldPort", hostInfo.Port,
		)
		if stale, still := t.garbageCollectCxs(rsvHostnameHandle); still {
			logger.Error("connection is still active after node migration, that's a symptom of name conflict!")
			t.msink.IncrCounterWithLabels(MetricHostConflictsCount, 1.0, mLabels)
			for _, cx := range stale {
				QErrNameConflict.Close(cx.Conn, "another peer uses the same name, check your certificates")
			}
			delete(t.hostsCxs, rsvHostnameHandle)
		}
	}
	t.hostsInfo[rsvHostnameHandle] = Host{
		Name: rsvHostnameHandle,
		Addr: peerAddr,
		Port: peerPort,
	}

	hcx := hostCx{
		closeCh: make(chan struct{}),
		Conn:    conn,
	}
	active, _ := t.garbageCollectCxs(rsvHostnameHandle)
	t.hostsCxs[rsvHostnameHandle] = append(active, hcx)
	t.hostsLock.Unlock()

	t.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, mLabels)

	go t.waitForDatagrams(hcx)
	go t.handleStreams(hcx)
	return hcx, nil
}

func labelsForAddr(addr memberlist.Address) []metrics.Label {
	labels := []metrics.Label{LabelPeerAddr.M(addr.Addr)}
	if addr.Name != "" {
		labels = append(labels, LabelPeerName.M(addr.Name))
	}
	return labels
}
