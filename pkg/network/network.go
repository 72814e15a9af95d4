// Package network provides the stream transports carrying p4 sockets.
//
// A [Network] hands out ordinary net.Conn and net.Listener values so the
// connection manager and the bootstrap code never care whether the bytes
// travel over TCP or over QUIC streams.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

var (
	ErrInvalidAddr = errors.New("network: invalid address")
	ErrClosed      = errors.New("network: listener closed")
	ErrNoTLSConfig = errors.New("network: tls.Config is required")
)

// Network opens and accepts reliable ordered byte streams.
type Network interface {
	Listen(addr string) (net.Listener, error)
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// Port extracts the port of addr.
func Port(addr net.Addr) (int, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.Port, nil
	case *net.UDPAddr:
		return a.Port, nil
	}

	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	return p, nil
}

// JoinHostPort is net.JoinHostPort for an int port.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

type tcpNetwork struct {
	dialer net.Dialer
	lc     net.ListenConfig
}

// TCP returns the plain TCP network.
func TCP() Network {
	return &tcpNetwork{}
}

func (n *tcpNetwork) Listen(addr string) (net.Listener, error) {
	return n.lc.Listen(context.Background(), "tcp", addr)
}

func (n *tcpNetwork) Dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := n.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}
