// Package http2 implements the multiplexed HTTP/2 connection: many
// concurrent request/response exchanges, each a stream, over one byte
// stream. Framing and header compression are delegated to
// golang.org/x/net/http2's Framer and hpack.Encoder/Decoder, so this
// package only owns stream bookkeeping and the GOAWAY/NewConnectionRequired
// shutdown protocol. It does no flow control of its own: no WINDOW_UPDATE
// frames are sent or tracked.
package http2

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/thushan/httpcore/internal/core/domain"
	"github.com/thushan/httpcore/internal/core/ports"
)

const clientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

type connState int

const (
	stateActive    connState = iota // at least one stream open, or able to accept more
	stateIdle                       // no streams open, can accept more
	stateGoingAway                  // GOAWAY received: draining existing streams, accepts no more
	stateClosed
)

// Conn is one HTTP/2 connection multiplexing many concurrent streams.
type Conn struct {
	origin domain.Origin
	stream ports.Stream

	writeMu sync.Mutex
	framer  *http2.Framer
	henc    *hpack.Encoder
	hencBuf bytesBuffer

	mu        sync.Mutex
	st        connState
	nextID    uint32
	streams   map[uint32]*streamState
	maxStream uint32 // highest server-permitted concurrent streams (SETTINGS_MAX_CONCURRENT_STREAMS)
	idleSince time.Time

	keepaliveExpiry time.Duration
}

type streamState struct {
	id      uint32
	headers domain.Headers
	status  int
	data    chan []byte
	done    chan struct{}
	err     error

	dataOnce sync.Once
}

// closeData ends the stream's body channel exactly once, whether the
// stream finished cleanly (END_STREAM) or failed mid-body (RST_STREAM,
// connection error) - a body reader blocked on the channel must always be
// released.
func (ss *streamState) closeData() {
	ss.dataOnce.Do(func() { close(ss.data) })
}

// bytesBuffer is the tiny io.Writer hpack.NewEncoder needs; kept separate
// from bytes.Buffer so each HEADERS frame starts from an empty block.
type bytesBuffer struct{ b []byte }

func (w *bytesBuffer) Write(p []byte) (int, error) { w.b = append(w.b, p...); return len(p), nil }
func (w *bytesBuffer) Reset()                      { w.b = w.b[:0] }
func (w *bytesBuffer) Bytes() []byte               { return w.b }

// NewConn performs the client-side connection preface and returns a ready
// Conn. The stream must already be ALPN-negotiated to "h2".
func NewConn(ctx context.Context, stream ports.Stream, origin domain.Origin, keepaliveExpiry time.Duration) (*Conn, error) {
	w := &streamWriter{ctx: ctx, stream: stream}
	if _, err := w.Write([]byte(clientPreface)); err != nil {
		return nil, &domain.ConnectError{Origin: origin.String(), Err: err}
	}

	framer := http2.NewFramer(w, &streamReader{ctx: ctx, stream: stream})
	framer.AllowIllegalWrites = true

	c := &Conn{
		origin:          origin,
		stream:          stream,
		framer:          framer,
		streams:         make(map[uint32]*streamState),
		nextID:          1,
		maxStream:       100,
		st:              stateIdle,
		idleSince:       time.Now(),
		keepaliveExpiry: keepaliveExpiry,
	}
	c.henc = hpack.NewEncoder(&c.hencBuf)

	if err := framer.WriteSettings(); err != nil {
		return nil, &domain.ConnectError{Origin: origin.String(), Err: err}
	}

	go c.readLoop()
	return c, nil
}

type streamWriter struct {
	ctx     context.Context
	stream  ports.Stream
	timeout time.Duration
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if err := w.stream.Write(w.ctx, p, w.timeout); err != nil {
		return 0, err
	}
	return len(p), nil
}

type streamReader struct {
	ctx     context.Context
	stream  ports.Stream
	timeout time.Duration
}

func (r *streamReader) Read(p []byte) (int, error) {
	b, err := r.stream.Read(r.ctx, len(p), r.timeout)
	n := copy(p, b)
	return n, err
}

func (c *Conn) CanHandleRequest(origin domain.Origin) bool { return c.origin.Equal(origin) }

func (c *Conn) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == stateClosed || c.st == stateGoingAway {
		return false
	}
	return uint32(len(c.streams)) < c.maxStream
}

func (c *Conn) IsIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st == stateIdle && len(c.streams) == 0
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st == stateClosed
}

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
	return fmt.Sprintf("HTTP/2, %d streams open, origin=%s", len(c.streams), c.origin)
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

// HandleRequest opens a new stream, sends HEADERS (+DATA if the request has
// a body) and blocks until that stream's response headers have arrived.
func (c *Conn) HandleRequest(ctx context.Context, req domain.Request) (*domain.Response, error) {
	c.mu.Lock()
	if c.st == stateClosed || c.st == stateGoingAway {
		c.mu.Unlock()
		return nil, &domain.NewConnectionRequired{}
	}
	id := c.nextID
	c.nextID += 2
	ss := &streamState{id: id, data: make(chan []byte, 8), done: make(chan struct{})}
	c.streams[id] = ss
	c.st = stateActive
	c.mu.Unlock()

	trace := req.Trace()
	if trace != nil {
		trace("http2.stream_opened", map[string]any{"origin": c.origin.String(), "stream_id": id})
	}

	if err := c.writeHeaders(id, req); err != nil {
		c.dropStream(id)
		return nil, &domain.WriteError{Err: err}
	}

	if !req.Body.IsEmpty() {
		if err := c.writeData(id, req.Body.Reader()); err != nil {
			c.dropStream(id)
			return nil, &domain.WriteError{Err: err}
		}
	}

	select {
	case <-ss.done:
	case <-ctx.Done():
		c.dropStream(id)
		return nil, ctx.Err()
	}

	// A failure before the response headers arrived fails the request; once
	// they have arrived (non-zero status), a later reset or connection error
	// surfaces to the body reader instead.
	if ss.err != nil && ss.status == 0 {
		return nil, ss.err
	}

	ext := domain.Extensions{}
	ext.Set(domain.ExtHTTPVersion, "HTTP/2")
	ext.Set(domain.ExtStreamID, id)

	if trace != nil {
		trace("http2.response_headers", map[string]any{"origin": c.origin.String(), "stream_id": id, "status": ss.status})
	}

	body := &streamBody{ss: ss}
	return domain.NewResponse(ss.status, ss.headers, body, ext, func() {
		c.dropStream(id)
	}), nil
}

func (c *Conn) writeHeaders(id uint32, req domain.Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.hencBuf.Reset()
	write := func(name, value string) {
		_ = c.henc.WriteField(hpack.HeaderField{Name: name, Value: value})
	}
	write(":method", req.Method)
	write(":scheme", string(req.URL.Scheme))
	write(":authority", req.URL.Host)
	target := req.URL.Target
	if target == "" {
		target = "/"
	}
	write(":path", target)
	for _, h := range req.Headers {
		// Host travels as :authority; field names must be lowercase on
		// the wire.
		name := strings.ToLower(h.Name)
		if name == "host" {
			continue
		}
		write(name, h.Value)
	}

	endStream := req.Body.IsEmpty()
	return c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: c.hencBuf.Bytes(),
		EndHeaders:    true,
		EndStream:     endStream,
	})
}

func (c *Conn) writeData(id uint32, r io.Reader) error {
	buf := make([]byte, 16*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.writeMu.Lock()
			werr := c.framer.WriteData(id, err == io.EOF, buf[:n])
			c.writeMu.Unlock()
			if werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			if n == 0 {
				c.writeMu.Lock()
				werr := c.framer.WriteData(id, true, nil)
				c.writeMu.Unlock()
				return werr
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *Conn) dropStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	drainedGoAway := len(c.streams) == 0 && c.st == stateGoingAway
	if len(c.streams) == 0 && c.st == stateActive {
		c.st = stateIdle
		c.idleSince = time.Now()
	}
	c.mu.Unlock()
	if drainedGoAway {
		_ = c.Close()
	}
}

// readLoop demultiplexes frames onto their owning stream's channel until
// the connection fails or receives GOAWAY. It is the sole reader of the
// underlying stream.
func (c *Conn) readLoop() {
	hdec := hpack.NewDecoder(4096, nil)
	var headerStreamID uint32
	var headerBlock []byte

	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			c.failAll(&domain.RemoteProtocolError{Err: err})
			return
		}

		switch f := frame.(type) {
		case *http2.HeadersFrame:
			headerStreamID = f.StreamID
			headerBlock = append([]byte{}, f.HeaderBlockFragment()...)
			if f.HeadersEnded() {
				c.deliverHeaders(hdec, headerStreamID, headerBlock, f.StreamEnded())
			}
		case *http2.ContinuationFrame:
			headerBlock = append(headerBlock, f.HeaderBlockFragment()...)
			if f.HeadersEnded() {
				c.deliverHeaders(hdec, headerStreamID, headerBlock, false)
			}
		case *http2.DataFrame:
			c.deliverData(f.StreamID, f.Data(), f.StreamEnded())
		case *http2.GoAwayFrame:
			c.mu.Lock()
			c.st = stateGoingAway
			drained := len(c.streams) == 0
			c.mu.Unlock()
			if drained {
				_ = c.Close()
			}
		case *http2.RSTStreamFrame:
			c.failStream(f.StreamID, &domain.RemoteProtocolError{Err: fmt.Errorf("stream reset: %v", f.ErrCode)})
		case *http2.SettingsFrame:
			if !f.IsAck() {
				if v, ok := f.Value(http2.SettingMaxConcurrentStreams); ok {
					c.mu.Lock()
					c.maxStream = v
					c.mu.Unlock()
				}
				c.writeMu.Lock()
				_ = c.framer.WriteSettingsAck()
				c.writeMu.Unlock()
			}
		case *http2.PingFrame:
			if !f.IsAck() {
				c.writeMu.Lock()
				_ = c.framer.WritePing(true, f.Data)
				c.writeMu.Unlock()
			}
		}
	}
}

func (c *Conn) deliverHeaders(hdec *hpack.Decoder, streamID uint32, block []byte, endStream bool) {
	fields, err := hdec.DecodeFull(block)
	c.mu.Lock()
	ss, ok := c.streams[streamID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		ss.err = &domain.RemoteProtocolError{Err: err}
		close(ss.done)
		return
	}

	var headers domain.Headers
	status := 0
	for _, f := range fields {
		if f.Name == ":status" {
			fmt.Sscanf(f.Value, "%d", &status)
			continue
		}
		headers = append(headers, domain.Header{Name: f.Name, Value: f.Value})
	}
	ss.headers = headers
	ss.status = status

	select {
	case <-ss.done:
	default:
		close(ss.done)
	}
	if endStream {
		ss.closeData()
	}
}

func (c *Conn) deliverData(streamID uint32, data []byte, endStream bool) {
	c.mu.Lock()
	ss, ok := c.streams[streamID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if len(data) > 0 {
		cp := append([]byte{}, data...)
		ss.data <- cp
	}
	if endStream {
		ss.closeData()
	}
}

func (c *Conn) failStream(streamID uint32, err error) {
	c.mu.Lock()
	ss, ok := c.streams[streamID]
	c.mu.Unlock()
	if !ok {
		return
	}
	ss.err = err
	ss.closeData()
	select {
	case <-ss.done:
	default:
		close(ss.done)
	}
}

func (c *Conn) failAll(err error) {
	c.mu.Lock()
	c.st = stateClosed
	streams := c.streams
	c.streams = nil
	c.mu.Unlock()

	for _, ss := range streams {
		ss.err = err
		ss.closeData()
		select {
		case <-ss.done:
		default:
			close(ss.done)
		}
	}
}

// streamBody is the Response body reader for an HTTP/2 stream: it drains
// ss.data until the peer ends the stream.
type streamBody struct {
	ss  *streamState
	buf []byte
}

func (b *streamBody) Read(p []byte) (int, error) {
	for len(b.buf) == 0 {
		chunk, ok := <-b.ss.data
		if !ok {
			// The channel close happens-after ss.err is set on failure
			// paths, so a non-nil err is visible here.
			if b.ss.err != nil {
				return 0, b.ss.err
			}
			return 0, io.EOF
		}
		b.buf = chunk
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

func (b *streamBody) Close() error {
	for range b.ss.data {
	}
	return nil
}
