package http1

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thushan/httpcore/internal/core/domain"
	"github.com/thushan/httpcore/internal/core/ports"
)

// scriptStream is a ports.Stream double: Read serves a pre-scripted server
// byte sequence, Write records everything the connection sent. Reads past
// the end of the script block until Close, mimicking a quiet socket rather
// than EOF.
type scriptStream struct {
	mu      sync.Mutex
	script  []byte
	pos     int
	written strings.Builder
	closed  chan struct{}

	failWrites error
}

func newScriptStream(script string) *scriptStream {
	return &scriptStream{script: []byte(script), closed: make(chan struct{})}
}

func (s *scriptStream) Read(ctx context.Context, maxBytes int, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	if s.pos < len(s.script) {
		end := s.pos + maxBytes
		if end > len(s.script) {
			end = len(s.script)
		}
		chunk := s.script[s.pos:end]
		s.pos = end
		s.mu.Unlock()
		return chunk, nil
	}
	s.mu.Unlock()

	select {
	case <-s.closed:
		return nil, errors.New("stream closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *scriptStream) Write(ctx context.Context, b []byte, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	s.written.Write(b)
	return nil
}

func (s *scriptStream) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func (s *scriptStream) GetExtraInfo(name string) any { return nil }

func (s *scriptStream) StartTLS(ctx context.Context, cfg *tls.Config, serverHostname string, timeout time.Duration) (ports.Stream, error) {
	return nil, errors.New("not supported")
}

func (s *scriptStream) sent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

var testOrigin = domain.Origin{Scheme: domain.SchemeHTTP, Host: "example.com", Port: 80}

func getRequest(target string) domain.Request {
	return domain.NewRequest("GET",
		domain.URL{Scheme: domain.SchemeHTTP, Host: "example.com", Port: 80, Target: target},
		domain.Headers{{Name: "Host", Value: "example.com"}},
		domain.Body{}, nil)
}

func TestKeepAliveExchangeReturnsToIdle(t *testing.T) {
	stream := newScriptStream(
		"HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello" +
			"HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nworld")
	conn := NewConn(stream, testOrigin, time.Minute)

	require.True(t, conn.IsAvailable())
	require.False(t, conn.IsIdle(), "a NEW connection is available but not strictly idle")

	resp, err := conn.HandleRequest(context.Background(), getRequest("/"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	body, err := resp.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	require.NoError(t, resp.Close())

	assert.True(t, conn.IsIdle(), "clean drain with keep-alive must return the connection to IDLE")
	assert.False(t, conn.IsClosed())

	resp2, err := conn.HandleRequest(context.Background(), getRequest("/two"))
	require.NoError(t, err)
	body2, err := resp2.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "world", string(body2))
	require.NoError(t, resp2.Close())

	sent := stream.sent()
	assert.Contains(t, sent, "GET / HTTP/1.1\r\n")
	assert.Contains(t, sent, "GET /two HTTP/1.1\r\n")
	assert.Contains(t, sent, "Host: example.com\r\n")
}

func TestConnectionCloseHeaderClosesConnection(t *testing.T) {
	stream := newScriptStream("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok")
	conn := NewConn(stream, testOrigin, time.Minute)

	resp, err := conn.HandleRequest(context.Background(), getRequest("/"))
	require.NoError(t, err)
	_, err = resp.ReadAll()
	require.NoError(t, err)
	require.NoError(t, resp.Close())

	assert.True(t, conn.IsClosed())
	assert.False(t, conn.IsAvailable())
}

func TestChunkedResponseBody(t *testing.T) {
	stream := newScriptStream(
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
			"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
	conn := NewConn(stream, testOrigin, time.Minute)

	resp, err := conn.HandleRequest(context.Background(), getRequest("/"))
	require.NoError(t, err)
	body, err := resp.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))
	require.NoError(t, resp.Close())

	assert.True(t, conn.IsIdle(), "a fully drained chunked body is a clean framing boundary")
}

func TestFirstRequestWriteFailureIsRetryable(t *testing.T) {
	stream := newScriptStream("")
	stream.failWrites = errors.New("broken pipe")
	conn := NewConn(stream, testOrigin, time.Minute)

	_, err := conn.HandleRequest(context.Background(), getRequest("/"))
	var retryable *domain.NewConnectionRequired
	require.ErrorAs(t, err, &retryable,
		"a failure before any response byte on a fresh connection must let the pool redial")
	assert.True(t, conn.IsClosed())
}

func TestSecondRequestWriteFailureSurfacesWriteError(t *testing.T) {
	stream := newScriptStream("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	conn := NewConn(stream, testOrigin, time.Minute)

	resp, err := conn.HandleRequest(context.Background(), getRequest("/"))
	require.NoError(t, err)
	require.NoError(t, resp.Close())

	stream.failWrites = errors.New("broken pipe")
	_, err = conn.HandleRequest(context.Background(), getRequest("/"))
	var werr *domain.WriteError
	require.ErrorAs(t, err, &werr)
	assert.True(t, conn.IsClosed())
}

func TestConcurrentSecondRequestSignalsNewConnectionRequired(t *testing.T) {
	stream := newScriptStream("HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\nbody")
	conn := NewConn(stream, testOrigin, time.Minute)

	resp, err := conn.HandleRequest(context.Background(), getRequest("/"))
	require.NoError(t, err)

	// resp not yet closed: the connection is ACTIVE.
	_, err = conn.HandleRequest(context.Background(), getRequest("/"))
	var retryable *domain.NewConnectionRequired
	require.ErrorAs(t, err, &retryable)
	assert.False(t, conn.IsClosed(), "refusing a concurrent request must not kill the in-flight exchange")

	_, err = resp.ReadAll()
	require.NoError(t, err)
	require.NoError(t, resp.Close())
	assert.True(t, conn.IsIdle())
}

func TestConnectResponseExposesRawStream(t *testing.T) {
	stream := newScriptStream("HTTP/1.1 200 Connection established\r\n\r\n")
	conn := NewConn(stream, testOrigin, time.Minute)

	req := domain.NewRequest("CONNECT",
		domain.URL{Scheme: domain.SchemeHTTP, Host: "example.com", Port: 80, Target: "remote:443"},
		domain.Headers{{Name: "Host", Value: "remote:443"}},
		domain.Body{}, nil)

	resp, err := conn.HandleRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	raw, ok := resp.NetworkStream()
	require.True(t, ok, "a CONNECT response must expose the raw stream for the tunnel upgrade")
	assert.Same(t, ports.Stream(stream), raw)

	body, err := resp.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, body, "bytes after a 2xx CONNECT belong to the tunnel, not the response body")

	reason, _ := resp.Extensions.Get(domain.ExtReasonPhrase)
	assert.Equal(t, "Connection established", reason)
}

func TestMalformedStatusLineIsRemoteProtocolError(t *testing.T) {
	stream := newScriptStream("banana\r\n\r\n")
	conn := NewConn(stream, testOrigin, time.Minute)

	_, err := conn.HandleRequest(context.Background(), getRequest("/"))
	var perr *domain.RemoteProtocolError
	require.ErrorAs(t, err, &perr)
	assert.True(t, conn.IsClosed())
}

func TestExpiryAfterKeepaliveWindow(t *testing.T) {
	stream := newScriptStream("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	conn := NewConn(stream, testOrigin, 10*time.Millisecond)

	resp, err := conn.HandleRequest(context.Background(), getRequest("/"))
	require.NoError(t, err)
	require.NoError(t, resp.Close())

	require.False(t, conn.HasExpired())
	time.Sleep(20 * time.Millisecond)
	assert.True(t, conn.HasExpired())
}

func TestChunkedRequestBodyFraming(t *testing.T) {
	stream := newScriptStream("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	conn := NewConn(stream, testOrigin, time.Minute)

	req := domain.NewRequest("POST",
		domain.URL{Scheme: domain.SchemeHTTP, Host: "example.com", Port: 80, Target: "/upload"},
		domain.Headers{{Name: "Host", Value: "example.com"}},
		domain.NewStreamBody(strings.NewReader("streamed payload")), nil)

	resp, err := conn.HandleRequest(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, resp.Close())

	sent := stream.sent()
	assert.Contains(t, sent, "Transfer-Encoding: chunked\r\n")
	assert.Contains(t, sent, "10\r\nstreamed payload\r\n")
	assert.True(t, strings.HasSuffix(sent, "0\r\n\r\n"))
}
