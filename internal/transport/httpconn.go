package transport

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/thushan/httpcore/internal/core/domain"
	"github.com/thushan/httpcore/internal/core/ports"
	"github.com/thushan/httpcore/internal/retry"
	"github.com/thushan/httpcore/internal/transport/http1"
	"github.com/thushan/httpcore/internal/transport/http2"
)

// Options configures a generic HTTPConnection's dialing behaviour.
type Options struct {
	Backend ports.NetworkBackend

	HTTP1Enabled bool
	HTTP2Enabled bool

	ConnectTimeout  time.Duration
	LocalAddress    string
	UnixSocketPath  string // dial a UDS instead of TCP when set
	KeepaliveExpiry time.Duration

	MaxDialRetries int // 0 disables retry; dial is attempted once

	TLSConfig *tls.Config // nil for plain http origins
}

type inner int

const (
	innerPending inner = iota // still dialing/negotiating
	innerHTTP1
	innerHTTP2
)

// HTTPConnection is the generic lazy connection: it holds no
// socket until the first request arrives, dials then picks HTTP/1.1 or
// HTTP/2 by ALPN, and from then on delegates every call to whichever
// concrete connection it became.
type HTTPConnection struct {
	origin domain.Origin
	opts   Options

	dialMu sync.Mutex // serializes the one-time dial across racing first requests

	mu      sync.Mutex
	which   inner
	http1   *http1.Conn
	http2   *http2.Conn
	dialErr error
}

func NewHTTPConnection(origin domain.Origin, opts Options) *HTTPConnection {
	return &HTTPConnection{origin: origin, opts: opts, which: innerPending}
}

func (c *HTTPConnection) CanHandleRequest(origin domain.Origin) bool { return c.origin.Equal(origin) }

func (c *HTTPConnection) Info() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.which {
	case innerHTTP1:
		return c.http1.Info()
	case innerHTTP2:
		return c.http2.Info()
	default:
		return "HTTPConnection, PENDING, origin=" + c.origin.String()
	}
}

func (c *HTTPConnection) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.which {
	case innerHTTP1:
		return c.http1.IsAvailable()
	case innerHTTP2:
		return c.http2.IsAvailable()
	default:
		return c.dialErr == nil
	}
}

func (c *HTTPConnection) IsIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.which {
	case innerHTTP1:
		return c.http1.IsIdle()
	case innerHTTP2:
		return c.http2.IsIdle()
	default:
		return true
	}
}

func (c *HTTPConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.which {
	case innerHTTP1:
		return c.http1.IsClosed()
	case innerHTTP2:
		return c.http2.IsClosed()
	default:
		return c.dialErr != nil
	}
}

func (c *HTTPConnection) HasExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.which {
	case innerHTTP1:
		return c.http1.HasExpired()
	case innerHTTP2:
		return c.http2.HasExpired()
	default:
		return false
	}
}

func (c *HTTPConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.which {
	case innerHTTP1:
		return c.http1.Close()
	case innerHTTP2:
		return c.http2.Close()
	default:
		return nil
	}
}

// HandleRequest dials and negotiates a protocol on first use (retrying
// connection establishment per opts.MaxDialRetries with internal/retry's
// backoff schedule), then delegates to the concrete connection it became.
// Retries never cross a byte of request/response traffic - only the dial
// itself is retried.
func (c *HTTPConnection) HandleRequest(ctx context.Context, req domain.Request) (*domain.Response, error) {
	c.dialMu.Lock()
	c.mu.Lock()
	already := c.which != innerPending
	c.mu.Unlock()

	if !already {
		if trace := req.Trace(); trace != nil {
			trace("httpconn.dial_started", map[string]any{"origin": c.origin.String()})
		}
		if err := c.dial(ctx, req); err != nil {
			c.dialMu.Unlock()
			return nil, err
		}
		if trace := req.Trace(); trace != nil {
			trace("httpconn.dial_completed", map[string]any{"origin": c.origin.String(), "protocol": c.protocolName()})
		}
	}
	c.dialMu.Unlock()

	c.mu.Lock()
	which := c.which
	h1, h2 := c.http1, c.http2
	c.mu.Unlock()

	switch which {
	case innerHTTP1:
		return h1.HandleRequest(ctx, req)
	case innerHTTP2:
		return h2.HandleRequest(ctx, req)
	default:
		return nil, &domain.NewConnectionRequired{}
	}
}

func (c *HTTPConnection) protocolName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.which {
	case innerHTTP1:
		return "http/1.1"
	case innerHTTP2:
		return "h2"
	default:
		return ""
	}
}

func (c *HTTPConnection) dial(ctx context.Context, req domain.Request) error {
	var lastErr error

	attempts := c.opts.MaxDialRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retry.Backoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		stream, negotiated, err := c.dialOnce(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}

		c.mu.Lock()
		if negotiated == "h2" && c.opts.HTTP2Enabled {
			h2conn, err := http2.NewConn(ctx, stream, c.origin, c.opts.KeepaliveExpiry)
			if err != nil {
				c.mu.Unlock()
				lastErr = err
				continue
			}
			c.http2 = h2conn
			c.which = innerHTTP2
		} else {
			c.http1 = http1.NewConn(stream, c.origin, c.opts.KeepaliveExpiry)
			c.which = innerHTTP1
		}
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	c.dialErr = lastErr
	c.mu.Unlock()
	// dialOnce already classified the failure (ConnectError/ConnectTimeout).
	return lastErr
}

// dialOnce performs one connect attempt: TCP/UDS connect, then - for https
// origins - a TLS upgrade offering ALPN h2/http1.1. It returns the
// negotiated ALPN protocol ("" for plaintext origins).
func (c *HTTPConnection) dialOnce(ctx context.Context, req domain.Request) (ports.Stream, string, error) {
	connectTimeout := c.opts.ConnectTimeout
	if t := req.Timeout(); t.Connect != nil {
		connectTimeout = time.Duration(*t.Connect * float64(time.Second))
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if connectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	opts := ports.DialOptions{
		Timeout:      connectTimeout,
		LocalAddress: c.opts.LocalAddress,
	}

	var stream ports.Stream
	var err error
	if c.opts.UnixSocketPath != "" {
		stream, err = c.opts.Backend.ConnectUnixSocket(dialCtx, c.opts.UnixSocketPath, opts)
	} else {
		stream, err = c.opts.Backend.ConnectTCP(dialCtx, c.origin.Host, c.origin.Port, opts)
	}
	if err != nil {
		if dialCtx.Err() != nil && connectTimeout > 0 {
			return nil, "", domain.NewConnectTimeout(c.origin.String(), connectTimeout, err)
		}
		return nil, "", domain.NewConnectError(c.origin.String(), err)
	}

	if c.origin.Scheme != domain.SchemeHTTPS {
		return stream, "", nil
	}

	cfg := c.opts.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg = cfg.Clone()
	if len(cfg.NextProtos) == 0 {
		protos := []string{"http/1.1"}
		if c.opts.HTTP2Enabled {
			protos = []string{"h2", "http/1.1"}
		}
		cfg.NextProtos = protos
	}

	tlsStream, err := stream.StartTLS(dialCtx, cfg, req.SNIHostname(), connectTimeout)
	if err != nil {
		_ = stream.Close()
		return nil, "", domain.NewConnectError(c.origin.String(), err)
	}

	return tlsStream, NegotiatedProtocol(tlsStream), nil
}
