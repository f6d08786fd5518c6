package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"

	"meshrelay/internal/clock"
	"meshrelay/internal/debuglog"
	"meshrelay/internal/proto"
)

const (
	defaultMaxConnsPerIP   = 8
	defaultMaxStreamsPerIP = 64
	streamReadTimeout      = 5 * time.Second
	defaultSendTimeout     = 750 * time.Millisecond
	sendLogInterval        = 10 * time.Second
)

type QUICOptions struct {
	// Addr is the local UDP listen address.
	Addr string
	// Peers are the remote link addresses considered in radio range.
	Peers    []string
	Self     proto.PeerID
	Insecure bool
	CAPath   string
	// BeaconInterval <= 0 disables discovery beacons.
	BeaconInterval time.Duration
	// SendTimeout bounds one Send across dial and write to all peers.
	SendTimeout     time.Duration
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	Clock           clock.Clock
}

// QUICLink stands in for the radio on IP hosts: every frame goes to each
// configured peer on its own stream as one length-prefixed proto frame.
type QUICLink struct {
	opts      QUICOptions
	clientTLS *tls.Config
	pool      *clientPool
	limiter   *ipLimiter

	mu       sync.RWMutex
	handlers Handlers
	peers    []string
	listener *quic.Listener
	beacons  *clock.Ticker

	closed atomic.Bool
}

func NewQUICLink(opts QUICOptions) (*QUICLink, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.MaxConnsPerIP == 0 {
		opts.MaxConnsPerIP = defaultMaxConnsPerIP
	}
	if opts.MaxStreamsPerIP == 0 {
		opts.MaxStreamsPerIP = defaultMaxStreamsPerIP
	}
	tlsConf, err := clientTLSConfig(opts.Insecure, opts.CAPath)
	if err != nil {
		return nil, err
	}
	return &QUICLink{
		opts:      opts,
		clientTLS: tlsConf,
		pool:      newClientPool(clientConnIdle),
		limiter:   newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP),
		peers:     append([]string(nil), opts.Peers...),
	}, nil
}

func (l *QUICLink) SetHandlers(h Handlers) {
	l.mu.Lock()
	l.handlers = h
	l.mu.Unlock()
}

func (l *QUICLink) SetPeers(addrs []string) {
	l.mu.Lock()
	l.peers = append([]string(nil), addrs...)
	l.mu.Unlock()
}

func (l *QUICLink) Peers() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.peers...)
}

// Addr is the bound listen address, nil before Listen.
func (l *QUICLink) Addr() net.Addr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Listen accepts inbound frames until ctx is done or Close is called.
// ready is closed once the socket is bound.
func (l *QUICLink) Listen(ctx context.Context, ready chan<- struct{}) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(l.opts.Addr, tlsConf, &quic.Config{MaxIdleTimeout: clientConnIdle})
	if err != nil {
		debuglog.Logf("quic listen error: %v", err)
		return err
	}
	l.mu.Lock()
	l.listener = listener
	l.mu.Unlock()
	debuglog.Logf("quic listen ready: %s", listener.Addr())
	if ready != nil {
		close(ready)
	}
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || l.closed.Load() {
				return nil
			}
			debuglog.Logf("quic accept error: %v", err)
			return err
		}
		ip := remoteIP(conn.RemoteAddr())
		if !l.limiter.acquireConn(ip) {
			debuglog.RateLimitedf("quic-conn-cap-"+ip, sendLogInterval, "quic conn cap reached ip=%s", ip)
			_ = conn.CloseWithError(0, "too many connections")
			continue
		}
		go l.serveConn(ctx, conn, ip)
	}
}

func (l *QUICLink) serveConn(ctx context.Context, conn *quic.Conn, ip string) {
	defer l.limiter.releaseConn(ip)
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			debuglog.Debugf("quic accept stream error: %v", err)
			return
		}
		if !l.limiter.acquireStream(ip) {
			debuglog.RateLimitedf("quic-stream-cap-"+ip, sendLogInterval, "quic stream cap reached ip=%s", ip)
			stream.CancelRead(0)
			_ = stream.Close()
			continue
		}
		go func(s *quic.Stream) {
			defer l.limiter.releaseStream(ip)
			defer s.Close()
			_ = s.SetReadDeadline(time.Now().Add(streamReadTimeout))
			data, err := proto.ReadFrame(io.LimitReader(s, proto.MaxFrameSize+4))
			if err != nil {
				if !errors.Is(err, io.EOF) {
					debuglog.RateLimitedf("quic-bad-frame-"+ip, sendLogInterval, "quic drop frame ip=%s: %v", ip, err)
				}
				return
			}
			l.dispatch(data)
		}(stream)
	}
}

// dispatch routes discovery beacons to Sighting and everything else to
// Frame.
func (l *QUICLink) dispatch(frame []byte) {
	l.mu.RLock()
	h := l.handlers
	l.mu.RUnlock()
	if typ, _ := proto.SniffType(frame); typ == proto.MsgTypeBeacon {
		b, err := proto.DecodeBeacon(frame)
		if err != nil {
			debuglog.Debugf("quic bad beacon: %v", err)
			return
		}
		if h.Sighting != nil && proto.PeerID(b.PeerID) != l.opts.Self {
			h.Sighting(proto.PeerID(b.PeerID), b.Signal)
		}
		return
	}
	if h.Frame != nil {
		h.Frame(frame)
	}
}

// Send writes frame to every link peer in parallel. It fails only when no
// peer could be reached.
func (l *QUICLink) Send(frame []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if len(frame) > proto.MaxFrameSize {
		return fmt.Errorf("frame too large: %d", len(frame))
	}
	peers := l.Peers()
	if len(peers) == 0 {
		return nil
	}
	errs := make([]error, len(peers))
	var wg sync.WaitGroup
	for i, addr := range peers {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			ctx, cancel := withTimeout(context.Background(), l.opts.SendTimeout)
			defer cancel()
			errs[i] = l.sendTo(ctx, addr, frame)
		}(i, addr)
	}
	wg.Wait()
	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed == len(peers) {
		return fmt.Errorf("%w: %v", ErrLinkDown, errors.Join(errs...))
	}
	return nil
}

func (l *QUICLink) sendTo(ctx context.Context, addr string, frame []byte) error {
	conn, err := l.pool.get(ctx, addr, l.clientTLS, &quic.Config{MaxIdleTimeout: clientConnIdle})
	if err != nil {
		n := l.pool.recordFailure(addr)
		debuglog.RateLimitedf("quic-dial-"+addr, sendLogInterval, "quic dial %s failed (%d): %v", addr, n, err)
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		l.pool.drop(addr, conn, "open stream failed")
		l.pool.recordFailure(addr)
		return err
	}
	if err := proto.WriteFrame(stream, frame); err != nil {
		stream.CancelWrite(0)
		l.pool.drop(addr, conn, "write failed")
		l.pool.recordFailure(addr)
		return err
	}
	if err := stream.Close(); err != nil {
		l.pool.recordFailure(addr)
		return err
	}
	l.pool.resetFailures(addr)
	return nil
}

// StartBeacons announces Self to every link peer on the configured
// interval.
func (l *QUICLink) StartBeacons() error {
	if l.opts.BeaconInterval <= 0 {
		return nil
	}
	frame, err := proto.EncodeBeacon(l.opts.Self, nil)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.beacons != nil {
		return nil
	}
	l.beacons = clock.Every(l.opts.Clock, "quic-beacon", l.opts.BeaconInterval, func() {
		if err := l.Send(frame); err != nil {
			debuglog.RateLimitedf("quic-beacon", sendLogInterval, "quic beacon failed: %v", err)
		}
	})
	return nil
}

func (l *QUICLink) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.mu.Lock()
	l.beacons.Stop()
	l.beacons = nil
	listener := l.listener
	l.mu.Unlock()
	l.pool.closeAll()
	if listener != nil {
		return listener.Close()
	}
	return nil
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
