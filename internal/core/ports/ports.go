// Package ports declares the capability interfaces the transport core
// depends on but does not implement: the raw network backend and the
// Connection variants the pool multiplexes over. Treating these as
// interfaces - rather than concrete types - is what lets HTTP/1.1,
// HTTP/2, the generic lazy connection, and the two proxy connections
// share one admission algorithm in the pool without it ever inspecting a
// concrete type.
package ports

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/thushan/httpcore/internal/core/domain"
)

// Stream is a polymorphic byte stream: a plain TCP/UDS socket, or one
// already upgraded to TLS. StartTLS returns a new Stream wrapping the same
// underlying socket once the handshake completes, rather than mutating
// the receiver, so a half-upgraded stream is never observable.
type Stream interface {
	Read(ctx context.Context, maxBytes int, timeout time.Duration) ([]byte, error)
	Write(ctx context.Context, b []byte, timeout time.Duration) error
	Close() error

	// GetExtraInfo exposes backend-specific details by name, e.g.
	// "ssl_object" (non-nil only after a successful TLS upgrade) or
	// "peername"/"sockname".
	GetExtraInfo(name string) any

	// StartTLS upgrades a plain stream to TLS, offering ALPN per
	// cfg.NextProtos, with SNI serverHostname.
	StartTLS(ctx context.Context, cfg *tls.Config, serverHostname string, timeout time.Duration) (Stream, error)
}

// DialOptions carries the subset of request/pool configuration a dial
// needs: connect timeout, source address and raw socket tuning.
type DialOptions struct {
	Timeout       time.Duration
	LocalAddress  string
	KeepAlive     time.Duration
	socketOptions []SocketOption
}

// SocketOption is a raw setsockopt-style tuning knob; the network backend
// applies these after the socket is created and before it connects.
type SocketOption struct {
	Level, Name, Value int
}

func (o *DialOptions) WithSocketOptions(opts ...SocketOption) *DialOptions {
	o.socketOptions = append(o.socketOptions, opts...)
	return o
}

func (o *DialOptions) SocketOptions() []SocketOption {
	return o.socketOptions
}

// NetworkBackend is the raw transport backend: TCP connect and UDS
// connect. It is the one seam in this system that actually touches a
// socket; everything above it is state machines over a Stream.
type NetworkBackend interface {
	ConnectTCP(ctx context.Context, host string, port uint16, opts DialOptions) (Stream, error)
	ConnectUnixSocket(ctx context.Context, path string, opts DialOptions) (Stream, error)
}

// Connection is the capability set shared by the HTTP/1.1 connection, the
// HTTP/2 connection, the generic lazy HTTPConnection, and the forward/
// tunnel proxy connections. The pool only ever calls through this
// interface.
type Connection interface {
	HandleRequest(ctx context.Context, req domain.Request) (*domain.Response, error)
	Close() error
	Info() string

	CanHandleRequest(origin domain.Origin) bool
	IsAvailable() bool
	HasExpired() bool
	IsIdle() bool
	IsClosed() bool
}
