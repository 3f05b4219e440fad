// Package client provides the one-shot convenience wrappers on top of
// the pool: Do for a fully-assembled Request, Get/Post for the common
// case, and Stream for callers that want the Response still open so they
// can drain its body incrementally.
package client

import (
	"context"
	"time"

	"github.com/thushan/httpcore/internal/core/domain"
)

// Requester is satisfied by *pool.Pool and by the proxy connection types,
// so Client can sit directly on top of either.
type Requester interface {
	HandleRequest(ctx context.Context, req domain.Request) (*domain.Response, error)
}

// Client is a thin convenience layer; all pooling/proxy/retry behaviour
// lives below it.
type Client struct {
	requester Requester
}

func New(requester Requester) *Client {
	return &Client{requester: requester}
}

// Stream issues req and returns the still-open Response - the caller owns
// draining and Close()ing it.
func (c *Client) Stream(ctx context.Context, req domain.Request) (*domain.Response, error) {
	return c.requester.HandleRequest(ctx, req)
}

// Do issues req and fully reads the response body before returning,
// closing the Response once it has been drained.
func (c *Client) Do(ctx context.Context, req domain.Request) (*domain.Response, []byte, error) {
	resp, err := c.requester.HandleRequest(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Close()

	body, err := resp.ReadAll()
	if err != nil {
		return resp, nil, err
	}
	return resp, body, nil
}

// Get is a convenience wrapper building a GET Request for url.
func (c *Client) Get(ctx context.Context, url domain.URL, headers domain.Headers) (*domain.Response, []byte, error) {
	req := domain.NewRequest("GET", url, headers, domain.Body{}, nil)
	return c.Do(ctx, req)
}

// Post is a convenience wrapper building a POST Request with an in-memory
// body for url.
func (c *Client) Post(ctx context.Context, url domain.URL, headers domain.Headers, body []byte) (*domain.Response, []byte, error) {
	req := domain.NewRequest("POST", url, headers, domain.NewBufferBody(body), nil)
	return c.Do(ctx, req)
}

// WithTimeout attaches the "timeout" extension to req's
// extensions, deriving connect/read/write/pool values from one overall
// duration - the common case for callers that don't need per-phase control.
func WithTimeout(req domain.Request, d time.Duration) domain.Request {
	secs := d.Seconds()
	req.Extensions = req.Extensions.Set(domain.ExtTimeout, domain.Timeouts{
		Connect: &secs, Read: &secs, Write: &secs, Pool: &secs,
	})
	return req
}
