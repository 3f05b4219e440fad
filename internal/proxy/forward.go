// Package proxy implements the two proxy connection kinds: a forward
// proxy, which rewrites every request into
// absolute-form and relays it over one shared connection to the proxy, and
// a tunnel proxy, which issues CONNECT once and then hands the caller a
// plain byte stream (upgraded to TLS for https targets).
package proxy

import (
	"context"

	"github.com/thushan/httpcore/internal/core/domain"
	"github.com/thushan/httpcore/internal/core/ports"
)

// ForwardConnection rewrites requests into absolute-form and merges the
// proxy's default headers under the request's own: entries
// from defaults survive unless the request supplies the same
// case-insensitive name, in which case the request's value wins.
type ForwardConnection struct {
	inner          ports.Connection // the connection to the proxy itself
	proxyOrigin    domain.Origin
	defaultHeaders domain.Headers
}

func NewForwardConnection(inner ports.Connection, proxyOrigin domain.Origin, defaultHeaders domain.Headers) *ForwardConnection {
	return &ForwardConnection{inner: inner, proxyOrigin: proxyOrigin, defaultHeaders: defaultHeaders}
}

// CanHandleRequest always targets the proxy's own origin: a forward proxy
// connection is addressed by the proxy's origin, not the final target's,
// since every request - regardless of target - is relayed over it.
func (c *ForwardConnection) CanHandleRequest(origin domain.Origin) bool {
	return c.proxyOrigin.Equal(origin)
}

func (c *ForwardConnection) HandleRequest(ctx context.Context, req domain.Request) (*domain.Response, error) {
	rewritten := req
	rewritten.URL = domain.URL{
		Scheme: req.URL.Scheme,
		Host:   req.URL.Host,
		Port:   req.URL.Port,
		Target: req.URL.String(), // absolute-form request-target
	}
	rewritten.Headers = domain.MergeHeaders(c.defaultHeaders, req.Headers)

	return c.inner.HandleRequest(ctx, rewritten)
}

func (c *ForwardConnection) Close() error      { return c.inner.Close() }
func (c *ForwardConnection) Info() string      { return "ForwardProxy(" + c.inner.Info() + ")" }
func (c *ForwardConnection) IsAvailable() bool { return c.inner.IsAvailable() }
func (c *ForwardConnection) HasExpired() bool  { return c.inner.HasExpired() }
func (c *ForwardConnection) IsIdle() bool      { return c.inner.IsIdle() }
func (c *ForwardConnection) IsClosed() bool    { return c.inner.IsClosed() }
