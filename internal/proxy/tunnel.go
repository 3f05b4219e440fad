package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/thushan/httpcore/internal/core/domain"
	"github.com/thushan/httpcore/internal/core/ports"
	"github.com/thushan/httpcore/internal/transport"
	"github.com/thushan/httpcore/internal/transport/http1"
	"github.com/thushan/httpcore/internal/transport/http2"
)

// TunnelConnection issues a single CONNECT to targetOrigin over proxyConn,
// then - guarded by a per-tunnel lock so the upgrade happens exactly once
// even if two requests race to use a freshly pooled tunnel - upgrades the
// raw byte stream to TLS (for https targets) and morphs into an HTTP/1.1 or
// HTTP/2 connection, exactly as HTTPConnection does for a direct dial.
type TunnelConnection struct {
	proxyConn    ports.Connection
	proxyOrigin  domain.Origin
	target       domain.Origin
	proxyHeaders domain.Headers // merged after the CONNECT's own Host/Accept, winning on name collision

	tlsConfig       *tls.Config
	http2Enabled    bool
	keepaliveExpiry time.Duration

	once       sync.Once
	upgradeMu  sync.Mutex
	inner      ports.Connection
	upgradeErr error
}

// NewTunnelConnection builds a tunnel proxy connection. proxyHeaders is the
// already-merged header set BuildProxyHeaders produced (proxy_headers with
// Proxy-Authorization prepended, if credentials were configured); it is
// sent on the CONNECT request alongside Host and Accept.
func NewTunnelConnection(proxyConn ports.Connection, proxyOrigin, target domain.Origin, proxyHeaders domain.Headers, tlsConfig *tls.Config, http2Enabled bool, keepaliveExpiry time.Duration) *TunnelConnection {
	return &TunnelConnection{
		proxyConn:       proxyConn,
		proxyOrigin:     proxyOrigin,
		target:          target,
		proxyHeaders:    proxyHeaders,
		tlsConfig:       tlsConfig,
		http2Enabled:    http2Enabled,
		keepaliveExpiry: keepaliveExpiry,
	}
}

func (c *TunnelConnection) CanHandleRequest(origin domain.Origin) bool { return c.target.Equal(origin) }

func (c *TunnelConnection) HandleRequest(ctx context.Context, req domain.Request) (*domain.Response, error) {
	c.upgradeMu.Lock()
	c.once.Do(func() { c.upgradeErr = c.establish(ctx) })
	inner, err := c.inner, c.upgradeErr
	c.upgradeMu.Unlock()

	if err != nil {
		return nil, err
	}
	return inner.HandleRequest(ctx, req)
}

// establish sends CONNECT authority-form to the proxy, then upgrades the
// resulting raw stream for the target origin.
func (c *TunnelConnection) establish(ctx context.Context) error {
	authority := fmt.Sprintf("%s:%d", c.target.Host, c.target.Port)
	// Host/Accept are the defaults; proxy_headers override on name
	// collision and are concatenated after them.
	headers := domain.MergeHeaders(domain.Headers{
		{Name: "Host", Value: authority},
		{Name: "Accept", Value: "*/*"},
	}, c.proxyHeaders)
	connectReq := domain.NewRequest("CONNECT",
		domain.URL{Scheme: c.proxyOrigin.Scheme, Host: c.proxyOrigin.Host, Port: c.proxyOrigin.Port, Target: authority},
		headers, domain.Body{}, nil)

	resp, err := c.proxyConn.HandleRequest(ctx, connectReq)
	if err != nil {
		return err
	}
	defer resp.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason, _ := resp.Extensions.Get(domain.ExtReasonPhrase)
		_ = c.proxyConn.Close()
		return domain.NewProxyError(resp.StatusCode, fmt.Sprint(reason))
	}

	rawStream, ok := resp.NetworkStream()
	if !ok {
		return &domain.ProxyError{StatusCode: resp.StatusCode, Reason: "proxy did not expose a raw stream for CONNECT upgrade"}
	}
	stream, ok := rawStream.(ports.Stream)
	if !ok {
		return &domain.RemoteProtocolError{Err: fmt.Errorf("unexpected network_stream type %T", rawStream)}
	}

	negotiated := ""
	if c.target.Scheme == domain.SchemeHTTPS {
		cfg := c.tlsConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		cfg = cfg.Clone()
		if len(cfg.NextProtos) == 0 {
			if c.http2Enabled {
				cfg.NextProtos = []string{"h2", "http/1.1"}
			} else {
				cfg.NextProtos = []string{"http/1.1"}
			}
		}
		tlsStream, err := stream.StartTLS(ctx, cfg, c.target.Host, 0)
		if err != nil {
			return domain.NewConnectError(c.target.String(), err)
		}
		stream = tlsStream
		negotiated = transport.NegotiatedProtocol(stream)
	}

	if negotiated == "h2" && c.http2Enabled {
		h2conn, err := http2.NewConn(ctx, stream, c.target, c.keepaliveExpiry)
		if err != nil {
			return err
		}
		c.inner = h2conn
		return nil
	}

	c.inner = http1.NewConn(stream, c.target, c.keepaliveExpiry)
	return nil
}

func (c *TunnelConnection) Close() error {
	c.upgradeMu.Lock()
	defer c.upgradeMu.Unlock()
	if c.inner != nil {
		return c.inner.Close()
	}
	return c.proxyConn.Close()
}

func (c *TunnelConnection) Info() string {
	c.upgradeMu.Lock()
	defer c.upgradeMu.Unlock()
	if c.inner != nil {
		return "Tunnel(" + c.inner.Info() + ")"
	}
	return "Tunnel(PENDING, target=" + c.target.String() + ")"
}

func (c *TunnelConnection) IsAvailable() bool {
	c.upgradeMu.Lock()
	defer c.upgradeMu.Unlock()
	if c.inner != nil {
		return c.inner.IsAvailable()
	}
	return c.upgradeErr == nil
}

func (c *TunnelConnection) HasExpired() bool {
	c.upgradeMu.Lock()
	defer c.upgradeMu.Unlock()
	return c.inner != nil && c.inner.HasExpired()
}

func (c *TunnelConnection) IsIdle() bool {
	c.upgradeMu.Lock()
	defer c.upgradeMu.Unlock()
	return c.inner != nil && c.inner.IsIdle()
}

func (c *TunnelConnection) IsClosed() bool {
	c.upgradeMu.Lock()
	defer c.upgradeMu.Unlock()
	return c.inner != nil && c.inner.IsClosed()
}
