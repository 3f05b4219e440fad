// Package http1 implements the single-exchange HTTP/1.1 connection state
// machine: NEW -> ACTIVE -> IDLE -> ACTIVE ... -> CLOSED, one request in
// flight at a time, with keep-alive reuse and idle expiry.
//
// Header tokenisation uses net/textproto, the same wire-format primitive
// net/http itself is built on.
package http1

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/thushan/httpcore/internal/core/domain"
	"github.com/thushan/httpcore/internal/core/ports"
	litepool "github.com/thushan/httpcore/pkg/pool"
)

// chunkBufPool recycles the scratch buffer writeChunked copies each body
// chunk through, so a connection handling many chunked requests doesn't
// allocate 32KiB per call.
var chunkBufPool = litepool.NewLitePool(func() []byte {
	return make([]byte, 32*1024)
})

type state int

const (
	stateNew state = iota
	stateIdle
	stateActive
	stateClosed
)

// streamIO adapts a ports.Stream to bufio-compatible io.Reader/io.Writer.
// The per-request read/write timeouts are threaded in by HandleRequest
// before any I/O happens.
type streamIO struct {
	ctx          context.Context
	stream       ports.Stream
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (s *streamIO) Read(p []byte) (int, error) {
	b, err := s.stream.Read(s.ctx, len(p), s.readTimeout)
	n := copy(p, b)
	return n, err
}

func (s *streamIO) Write(p []byte) (int, error) {
	if err := s.stream.Write(s.ctx, p, s.writeTimeout); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Conn is one HTTP/1.1 connection over a single dialed stream.
type Conn struct {
	stream ports.Stream
	origin domain.Origin

	io *streamIO
	br *bufio.Reader

	keepaliveExpiry time.Duration

	mu           sync.Mutex
	st           state
	idleSince    time.Time
	requestCount int
}

// NewConn wraps an already-connected stream. The connection starts NEW and
// becomes IDLE only after its first successful exchange.
func NewConn(stream ports.Stream, origin domain.Origin, keepaliveExpiry time.Duration) *Conn {
	return &Conn{
		stream:          stream,
		origin:          origin,
		keepaliveExpiry: keepaliveExpiry,
		st:              stateNew,
	}
}

func (c *Conn) CanHandleRequest(origin domain.Origin) bool { return c.origin.Equal(origin) }

func (c *Conn) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st == stateNew || c.st == stateIdle
}

func (c *Conn) IsIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st == stateIdle
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st == stateClosed
}

// HasExpired reports whether an idle connection has sat past
// keepalive_expiry.
func (c *Conn) HasExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st != stateIdle || c.keepaliveExpiry <= 0 {
		return false
	}
	return time.Since(c.idleSince) > c.keepaliveExpiry
}

func (c *Conn) Info() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := map[state]string{stateNew: "NEW", stateIdle: "IDLE", stateActive: "ACTIVE", stateClosed: "CLOSED"}
	return fmt.Sprintf("HTTP/1.1, %s, Request Count: %d, origin=%s", names[c.st], c.requestCount, c.origin)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.st == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.st = stateClosed
	c.mu.Unlock()
	return c.stream.Close()
}

// HandleRequest performs exactly one request/response exchange. Only one
// call may be in flight at a time; the pool enforces that by only handing
// this connection to one request while it is ACTIVE.
func (c *Conn) HandleRequest(ctx context.Context, req domain.Request) (*domain.Response, error) {
	c.mu.Lock()
	if c.st == stateClosed {
		c.mu.Unlock()
		return nil, &domain.LocalProtocolError{Err: fmt.Errorf("connection is closed")}
	}
	if c.st == stateActive {
		// The pool bound a second request to this connection before it
		// resolved to HTTP/1.1. Leave the in-flight exchange untouched
		// and let the pool requeue this one on a different connection.
		c.mu.Unlock()
		return nil, &domain.NewConnectionRequired{}
	}
	firstEverRequest := c.st == stateNew
	c.st = stateActive
	c.mu.Unlock()

	// One streamIO and one bufio.Reader live for the whole connection (a
	// keep-alive response may leave buffered bytes that belong to the next
	// exchange); only the context and timeout are swapped per request.
	if c.io == nil {
		c.io = &streamIO{stream: c.stream}
		c.br = bufio.NewReader(c.io)
	}
	c.io.ctx = ctx
	c.io.readTimeout, c.io.writeTimeout = requestTimeouts(req)

	trace := req.Trace()
	traceInfo := func(extra map[string]any) map[string]any {
		info := map[string]any{"origin": c.origin.String()}
		if id, ok := req.Extensions.Get(domain.ExtRequestID); ok {
			info["request_id"] = id
		}
		for k, v := range extra {
			info[k] = v
		}
		return info
	}
	if trace != nil {
		trace("http11.request_started", traceInfo(nil))
	}

	if err := c.writeRequest(req); err != nil {
		if firstEverRequest {
			// Nothing of the response has been observed; the stream may
			// simply have gone stale between dial and first use. Let the
			// pool retry on a fresh connection rather than surfacing this.
			c.forceClosed()
			return nil, &domain.NewConnectionRequired{}
		}
		c.forceClosed()
		return nil, classifyWriteError(err, c.io.writeTimeout)
	}
	if trace != nil {
		trace("http11.request_sent", traceInfo(nil))
	}

	resp, err := c.readResponse(req, firstEverRequest)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.requestCount++
	c.mu.Unlock()

	if trace != nil {
		trace("http11.response_headers", traceInfo(map[string]any{"status": resp.StatusCode}))
	}

	return resp, nil
}

func requestTimeouts(req domain.Request) (read, write time.Duration) {
	t := req.Timeout()
	if t.Read != nil {
		read = time.Duration(*t.Read * float64(time.Second))
	}
	if t.Write != nil {
		write = time.Duration(*t.Write * float64(time.Second))
	}
	return read, write
}

// classifyReadError distinguishes a read that timed out from one that
// failed outright.
func classifyReadError(err error, timeout time.Duration) error {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.ReadTimeout{Err: err, Timeout: timeout}
	}
	return &domain.ReadError{Err: err}
}

func classifyWriteError(err error, timeout time.Duration) error {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.WriteTimeout{Err: err, Timeout: timeout}
	}
	return &domain.WriteError{Err: err}
}

func (c *Conn) writeRequest(req domain.Request) error {
	var b strings.Builder

	target := req.URL.Target
	if target == "" {
		target = "/"
	}
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", req.Method, target)
	for _, h := range req.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("\r\n")

	if _, err := c.io.Write([]byte(b.String())); err != nil {
		return err
	}

	if req.Body.IsEmpty() {
		return nil
	}

	chunked := !req.Headers.Has("Content-Length")
	body := req.Body.Reader()
	if chunked {
		return writeChunked(c.io, body)
	}
	_, err := io.Copy(c.io, body)
	return err
}

func writeChunked(w io.Writer, r io.Reader) error {
	buf := chunkBufPool.Get()
	defer chunkBufPool.Put(buf)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := fmt.Fprintf(w, "%x\r\n", n); err != nil {
				return err
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
			if _, err := w.Write([]byte("\r\n")); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			_, err := w.Write([]byte("0\r\n\r\n"))
			return err
		}
		if rerr != nil {
			return rerr
		}
	}
}

func (c *Conn) readResponse(req domain.Request, firstEverRequest bool) (*domain.Response, error) {
	tp := textproto.NewReader(c.br)

	line, err := tp.ReadLine()
	if err != nil {
		if firstEverRequest {
			c.forceClosed()
			return nil, &domain.NewConnectionRequired{}
		}
		c.forceClosed()
		return nil, classifyReadError(err, c.io.readTimeout)
	}

	status, reason, perr := parseStatusLine(line)
	if perr != nil {
		c.forceClosed()
		return nil, &domain.RemoteProtocolError{Err: perr}
	}

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		c.forceClosed()
		return nil, &domain.RemoteProtocolError{Err: err}
	}

	headers := toHeaders(mimeHeader)
	connClose := headerEqualsFold(headers, "Connection", "close")

	body, framingOK := c.bodyStream(headers, req.Method, status)
	if !framingOK {
		connClose = true
	}

	ext := domain.Extensions{}
	ext.Set(domain.ExtHTTPVersion, "HTTP/1.1")
	ext.Set(domain.ExtReasonPhrase, reason)
	// The raw stream is exposed so a CONNECT caller can detach it and
	// upgrade it.
	ext.Set(domain.ExtNetworkStream, c.stream)

	resp := domain.NewResponse(status, headers, body, ext, func() {
		c.onResponseClosed(connClose)
	})
	return resp, nil
}

func (c *Conn) onResponseClosed(connClose bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == stateClosed {
		return
	}
	if connClose {
		c.st = stateClosed
		_ = c.stream.Close()
		return
	}
	c.st = stateIdle
	c.idleSince = time.Now()
}

func (c *Conn) forceClosed() {
	c.mu.Lock()
	c.st = stateClosed
	c.mu.Unlock()
	_ = c.stream.Close()
}

func parseStatusLine(line string) (int, string, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") {
		return 0, "", fmt.Errorf("malformed status line %q", line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", fmt.Errorf("malformed status code in %q: %w", line, err)
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	return code, reason, nil
}

func toHeaders(h textproto.MIMEHeader) domain.Headers {
	out := make(domain.Headers, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, domain.Header{Name: name, Value: v})
		}
	}
	return out
}

func headerEqualsFold(h domain.Headers, name, value string) bool {
	v, ok := h.Get(name)
	return ok && strings.EqualFold(v, value)
}

// bodyStream selects the framing strategy: Content-Length, chunked, or
// close-delimited. ok is false when the body
// has no reliable end-of-message boundary other than connection close, in
// which case the connection must not be reused afterwards.
func (c *Conn) bodyStream(headers domain.Headers, method string, status int) (domain.BodyStream, bool) {
	if method == "HEAD" || status == 204 || status == 304 || (status >= 100 && status < 200) {
		return &emptyBody{}, true
	}

	// A successful CONNECT has no body: every byte after the header block
	// belongs to the tunnel, so the body stream must not touch the reader.
	if method == "CONNECT" && status >= 200 && status < 300 {
		return &emptyBody{}, true
	}

	if v, ok := headers.Get("Transfer-Encoding"); ok && strings.EqualFold(v, "chunked") {
		return &chunkedBody{tp: textproto.NewReader(c.br)}, true
	}

	if v, ok := headers.Get("Content-Length"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return &emptyBody{}, false
		}
		return &limitedBody{r: io.LimitReader(c.br, n)}, true
	}

	return &closeDelimitedBody{r: c.br}, false
}

type emptyBody struct{}

func (b *emptyBody) Read([]byte) (int, error) { return 0, io.EOF }
func (b *emptyBody) Close() error             { return nil }

type limitedBody struct{ r io.Reader }

func (b *limitedBody) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *limitedBody) Close() error {
	_, _ = io.Copy(io.Discard, b.r)
	return nil
}

type closeDelimitedBody struct{ r io.Reader }

func (b *closeDelimitedBody) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *closeDelimitedBody) Close() error                { return nil }

// chunkedBody decodes HTTP/1.1 chunked transfer-coding directly off the
// connection's buffered reader.
type chunkedBody struct {
	tp        *textproto.Reader
	remaining int64
	done      bool
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if b.done {
		return 0, io.EOF
	}
	if b.remaining == 0 {
		line, err := b.tp.ReadLine()
		if err != nil {
			return 0, &domain.RemoteProtocolError{Err: err}
		}
		if semi := strings.IndexByte(line, ';'); semi >= 0 {
			line = line[:semi]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
		if err != nil {
			return 0, &domain.RemoteProtocolError{Err: fmt.Errorf("bad chunk size %q: %w", line, err)}
		}
		if size == 0 {
			// Trailer section, terminated by an empty line.
			for {
				l, err := b.tp.ReadLine()
				if err != nil || l == "" {
					break
				}
			}
			b.done = true
			return 0, io.EOF
		}
		b.remaining = size
	}

	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.tp.R.Read(p)
	b.remaining -= int64(n)
	if b.remaining == 0 && err == nil {
		// consume the trailing CRLF after the chunk data
		if _, lerr := b.tp.ReadLine(); lerr != nil {
			err = &domain.RemoteProtocolError{Err: lerr}
		}
	}
	return n, err
}

func (b *chunkedBody) Close() error {
	_, _ = io.Copy(io.Discard, b)
	return nil
}
