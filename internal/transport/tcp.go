// Package transport implements the raw network backend - TCP connect,
// UDS connect, TLS upgrade - plus the protocol-agnostic machinery
// layered on top of it: the generic lazy HTTPConnection that dials and
// picks HTTP/1.1 vs HTTP/2 by ALPN.
//
// Everything in this file is a deliberately thin wrapper around
// net.Dialer/tls.Client; the standard library is the transport here,
// everything above it is state machines over a Stream.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/thushan/httpcore/internal/core/ports"
)

// TCPBackend implements ports.NetworkBackend over net.Dialer.
type TCPBackend struct{}

func NewTCPBackend() *TCPBackend { return &TCPBackend{} }

func (b *TCPBackend) ConnectTCP(ctx context.Context, host string, port uint16, opts ports.DialOptions) (ports.Stream, error) {
	dialer := &net.Dialer{
		Timeout:   opts.Timeout,
		KeepAlive: opts.KeepAlive,
	}
	if opts.LocalAddress != "" {
		addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(opts.LocalAddress, "0"))
		if err != nil {
			return nil, fmt.Errorf("resolve local address %q: %w", opts.LocalAddress, err)
		}
		dialer.LocalAddr = addr
	}
	if len(opts.SocketOptions()) > 0 {
		dialer.Control = applySocketOptions(opts.SocketOptions())
	}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return nil, err
	}
	return newConnStream(conn), nil
}

func (b *TCPBackend) ConnectUnixSocket(ctx context.Context, path string, opts ports.DialOptions) (ports.Stream, error) {
	dialer := &net.Dialer{Timeout: opts.Timeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return newConnStream(conn), nil
}

// connStream adapts a net.Conn to ports.Stream, and upgrades to TLS via
// tls.Client + Handshake rather than crypto/tls's own dialer so the same
// adapter serves both direct https dials and CONNECT-tunnelled upgrades
// over an already-established stream.
type connStream struct {
	conn net.Conn
	tls  *tls.Conn // set only once StartTLS has succeeded
}

func newConnStream(conn net.Conn) *connStream {
	return &connStream{conn: conn}
}

func (s *connStream) Read(ctx context.Context, maxBytes int, timeout time.Duration) ([]byte, error) {
	if err := s.applyDeadline(timeout); err != nil {
		return nil, err
	}
	buf := make([]byte, maxBytes)
	n, err := s.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

func (s *connStream) Write(ctx context.Context, b []byte, timeout time.Duration) error {
	if err := s.applyDeadline(timeout); err != nil {
		return err
	}
	_, err := s.conn.Write(b)
	return err
}

func (s *connStream) applyDeadline(timeout time.Duration) error {
	if timeout <= 0 {
		return s.conn.SetDeadline(time.Time{})
	}
	return s.conn.SetDeadline(time.Now().Add(timeout))
}

func (s *connStream) Close() error {
	return s.conn.Close()
}

func (s *connStream) GetExtraInfo(name string) any {
	switch name {
	case "ssl_object":
		if s.tls != nil {
			return s.tls.ConnectionState()
		}
		return nil
	case "peername":
		return s.conn.RemoteAddr()
	case "sockname":
		return s.conn.LocalAddr()
	}
	return nil
}

// StartTLS performs the handshake and returns a new Stream wrapping it;
// the receiver is left untouched, so callers that hold a reference to a
// not-yet-upgraded stream never observe a half-upgraded one.
func (s *connStream) StartTLS(ctx context.Context, cfg *tls.Config, serverHostname string, timeout time.Duration) (ports.Stream, error) {
	cfg = cfg.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = serverHostname
	}

	tlsConn := tls.Client(s.conn, cfg)

	deadline := time.Now().Add(timeout)
	if timeout <= 0 {
		deadline = time.Time{}
	}
	if err := tlsConn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	_ = tlsConn.SetDeadline(time.Time{})

	return &connStream{conn: tlsConn, tls: tlsConn}, nil
}

// NegotiatedProtocol returns the ALPN protocol chosen during a completed
// TLS handshake, or "" if the stream is plaintext or not yet upgraded.
func NegotiatedProtocol(s ports.Stream) string {
	cs, ok := s.(*connStream)
	if !ok || cs.tls == nil {
		return ""
	}
	return cs.tls.ConnectionState().NegotiatedProtocol
}
