package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	defaultALPN   = "p4"
	defaultLinger = 500 * time.Millisecond
)

var (
	QErrShutdown = QuicApplicationError{
		Code:   0x1,
		Prefix: "shutdown",
	}
	QErrNoStream = QuicApplicationError{
		Code:   0x2,
		Prefix: "no stream",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// QUICNetwork carries every logical socket on its own QUIC connection with
// a single bidirectional stream.
//
// NB: a QUIC peer only learns about a stream once data is sent on it, so
// the dialing side must write first. Every p4 exchange already starts with
// the dialer sending a frame.
type QUICNetwork struct {
	// TLS is required. NextProtos defaults to "p4".
	TLS *tls.Config
	// Config is passed to quic-go as is. When nil, idle sockets are kept
	// alive.
	Config *quic.Config
	// Linger is how long a closed socket keeps its connection around so
	// the last frames can be acknowledged.
	Linger time.Duration
	// AcceptTimeout bounds the wait for the first stream of an accepted
	// connection.
	AcceptTimeout time.Duration
	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// QUIC returns a QUIC network using tlsConf.
func QUIC(tlsConf *tls.Config) *QUICNetwork {
	return &QUICNetwork{TLS: tlsConf}
}

func (n *QUICNetwork) tlsConfig() (*tls.Config, error) {
	if n.TLS == nil {
		return nil, ErrNoTLSConfig
	}
	tc := n.TLS.Clone()
	if len(tc.NextProtos) == 0 {
		tc.NextProtos = []string{defaultALPN}
	}
	return tc, nil
}

func (n *QUICNetwork) quicConfig() *quic.Config {
	if n.Config != nil {
		return n.Config
	}
	return &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		Allow0RTT:       false,
		MaxIdleTimeout:  1 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	}
}

func (n *QUICNetwork) logger() *slog.Logger {
	if n.LogHandler == nil {
		return slog.Default()
	}
	return slog.New(n.LogHandler)
}

func (n *QUICNetwork) linger() time.Duration {
	if n.Linger <= 0 {
		return defaultLinger
	}
	return n.Linger
}

// Listen binds a UDP socket on addr.
//
// Closing the returned listener also tears down the connections it
// accepted.
func (n *QUICNetwork) Listen(addr string) (net.Listener, error) {
	tc, err := n.tlsConfig()
	if err != nil {
		return nil, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	tr := &quic.Transport{Conn: udpLn}
	ln, err := tr.Listen(tc, n.quicConfig())
	if err != nil {
		tr.Close()
		udpLn.Close()
		return nil, err
	}

	timeout := n.AcceptTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	l := &quicListener{
		nw:       n,
		logger:   n.logger().With("addr", ln.Addr().String()),
		udpLn:    udpLn,
		tr:       tr,
		ln:       ln,
		timeout:  timeout,
		acceptCh: make(chan net.Conn),
		closeCh:  make(chan struct{}),
	}
	go l.acceptCx()
	return l, nil
}

// Dial opens a new QUIC connection to addr and its stream.
func (n *QUICNetwork) Dial(ctx context.Context, addr string) (net.Conn, error) {
	tc, err := n.tlsConfig()
	if err != nil {
		return nil, err
	}

	cx, err := quic.DialAddr(ctx, addr, tc, n.quicConfig())
	if err != nil {
		return nil, err
	}

	stream, err := cx.OpenStreamSync(ctx)
	if err != nil {
		QErrNoStream.Close(cx, err.Error())
		return nil, err
	}

	return n.wrap(cx, stream), nil
}

func (n *QUICNetwork) wrap(cx quic.Connection, stream quic.Stream) *streamWrapper {
	return &streamWrapper{
		cx:         cx,
		localAddr:  cx.LocalAddr(),
		remoteAddr: cx.RemoteAddr(),
		linger:     n.linger(),
		Stream:     stream,
	}
}

type quicListener struct {
	nw      *QUICNetwork
	logger  *slog.Logger
	udpLn   *net.UDPConn
	tr      *quic.Transport
	ln      *quic.Listener
	timeout time.Duration

	acceptCh  chan net.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (l *quicListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.acceptCh:
		return conn, nil
	case <-l.closeCh:
		return nil, fmt.Errorf("%w: %w", ErrClosed, net.ErrClosed)
	}
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *quicListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
		l.ln.Close()
		l.tr.Close()
		l.udpLn.Close()
	})
	return nil
}

func (l *quicListener) acceptCx() {
	for {
		cx, err := l.ln.Accept(context.Background())
		if err != nil {
			select {
			case <-l.closeCh:
			default:
				l.logger.Warn("unexpected QUIC listener closure", "error", err)
			}
			return
		}

		go l.handleConn(cx)
	}
}

func (l *quicListener) handleConn(cx quic.Connection) {
	logger := l.logger.With("remote", cx.RemoteAddr().String())

	ctx, cancel := context.WithTimeout(cx.Context(), l.timeout)
	defer cancel()

	stream, err := cx.AcceptStream(ctx)
	if err != nil {
		logger.Warn("connection opened no stream", "error", err)
		QErrNoStream.Close(cx, "expected one stream")
		return
	}

	select {
	case l.acceptCh <- l.nw.wrap(cx, stream):
	case <-l.closeCh:
		QErrShutdown.Close(cx, "listener closed")
	}
}

// streamWrapper exposes a QUIC stream as a net.Conn owning its connection.
type streamWrapper struct {
	cx         quic.Connection
	localAddr  net.Addr
	remoteAddr net.Addr
	linger     time.Duration
	closeOnce  sync.Once

	// NB: quic-go serializes Write and Close internally, we only make sure
	// Close is idempotent.
	quic.Stream
}

func (gs *streamWrapper) LocalAddr() net.Addr {
	return gs.localAddr
}

func (gs *streamWrapper) RemoteAddr() net.Addr {
	return gs.remoteAddr
}

// Close sends FIN, stops reading and closes the connection once the peer
// closed its side or the linger period expired.
func (gs *streamWrapper) Close() error {
	var err error
	gs.closeOnce.Do(func() {
		err = gs.Stream.Close()
		gs.Stream.CancelRead(0)
		go gs.garbageCollector()
	})
	return err
}

func (gs *streamWrapper) garbageCollector() {
	timer := time.NewTimer(gs.linger)
	defer timer.Stop()
	select {
	case <-gs.cx.Context().Done():
		// already closed by the peer.
	case <-timer.C:
		QErrShutdown.Close(gs.cx, "socket closed")
	}
}
