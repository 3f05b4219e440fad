package client

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thushan/httpcore/internal/core/domain"
)

type bodyReader struct {
	r      io.Reader
	closed bool
}

func (b *bodyReader) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *bodyReader) Close() error               { b.closed = true; return nil }

// stubRequester returns a canned response and records the last request it
// saw, standing in for the pool.
type stubRequester struct {
	lastReq domain.Request
	body    *bodyReader
	closed  bool
	err     error
}

func (s *stubRequester) HandleRequest(ctx context.Context, req domain.Request) (*domain.Response, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	s.body = &bodyReader{r: strings.NewReader("payload")}
	return domain.NewResponse(200, domain.Headers{{Name: "Content-Type", Value: "text/plain"}},
		s.body, domain.Extensions{}, func() { s.closed = true }), nil
}

func TestDoReadsAndClosesResponse(t *testing.T) {
	stub := &stubRequester{}
	c := New(stub)

	url := domain.URL{Scheme: domain.SchemeHTTP, Host: "h", Port: 80, Target: "/"}
	resp, body, err := c.Do(context.Background(), domain.NewRequest("GET", url, nil, domain.Body{}, nil))
	require.NoError(t, err)

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "payload", string(body))
	assert.True(t, stub.closed, "Do must close the response once the body is drained")
	assert.True(t, stub.body.closed)
}

func TestStreamLeavesResponseOpenForTheCaller(t *testing.T) {
	stub := &stubRequester{}
	c := New(stub)

	url := domain.URL{Scheme: domain.SchemeHTTP, Host: "h", Port: 80, Target: "/"}
	resp, err := c.Stream(context.Background(), domain.NewRequest("GET", url, nil, domain.Body{}, nil))
	require.NoError(t, err)
	assert.False(t, stub.closed, "Stream hands ownership of the open response to the caller")

	body, err := resp.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	require.NoError(t, resp.Close())
	assert.True(t, stub.closed)
}

func TestGetBuildsBodylessGET(t *testing.T) {
	stub := &stubRequester{}
	c := New(stub)

	url := domain.URL{Scheme: domain.SchemeHTTP, Host: "h", Port: 80, Target: "/x"}
	_, _, err := c.Get(context.Background(), url, domain.Headers{{Name: "Accept", Value: "*/*"}})
	require.NoError(t, err)

	assert.Equal(t, "GET", stub.lastReq.Method)
	assert.True(t, stub.lastReq.Body.IsEmpty())
	assert.False(t, stub.lastReq.Headers.Has("Content-Length"))
}

func TestPostDerivesContentLength(t *testing.T) {
	stub := &stubRequester{}
	c := New(stub)

	url := domain.URL{Scheme: domain.SchemeHTTP, Host: "h", Port: 80, Target: "/x"}
	_, _, err := c.Post(context.Background(), url, nil, []byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, "POST", stub.lastReq.Method)
	v, ok := stub.lastReq.Headers.Get("Content-Length")
	require.True(t, ok)
	assert.Equal(t, "5", v)
}

func TestWithTimeoutPopulatesEveryPhase(t *testing.T) {
	url := domain.URL{Scheme: domain.SchemeHTTP, Host: "h", Port: 80, Target: "/"}
	req := WithTimeout(domain.NewRequest("GET", url, nil, domain.Body{}, nil), 2*time.Second)

	timeouts := req.Timeout()
	require.NotNil(t, timeouts.Connect)
	require.NotNil(t, timeouts.Read)
	require.NotNil(t, timeouts.Write)
	require.NotNil(t, timeouts.Pool)
	assert.Equal(t, 2.0, *timeouts.Read)
}
