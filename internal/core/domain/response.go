package domain

import (
	"io"
	"sync"
)

// BodyStream is the not-yet-consumed response body. Read pulls the next chunk the underlying connection's
// protocol codec produced; Close signals the owning connection that the
// caller is done, whether or not the body was fully drained.
type BodyStream interface {
	io.Reader
	Close() error
}

// responseState tracks the open -> read -> closed lifecycle.
type responseState int

const (
	responseOpen responseState = iota
	responseRead
	responseClosed
)

// closeNotifier is the response's weak relation to its connection: the
// Response holds a callback, not a
// pointer to the connection itself, so closing a Response can never keep
// a connection alive past its natural lifetime.
type closeNotifier func()

// Response is a still-open HTTP response: a status code, headers, and a
// body stream the caller has not yet consumed.
type Response struct {
	StatusCode int
	Headers    Headers
	Extensions Extensions

	body   BodyStream
	onDone closeNotifier

	mu      sync.Mutex
	state   responseState
	onClose []func()
}

// NewResponse constructs an open Response. onDone is invoked exactly once,
// the first time Close is called (directly or via Read draining to EOF
// and then Close), regardless of how many times Close is subsequently
// called.
func NewResponse(status int, headers Headers, body BodyStream, ext Extensions, onDone closeNotifier) *Response {
	return &Response{
		StatusCode: status,
		Headers:    headers,
		Extensions: ext,
		body:       body,
		onDone:     onDone,
		state:      responseOpen,
	}
}

// Read drains the body stream, transitioning Open -> Read on first call.
func (r *Response) Read(p []byte) (int, error) {
	r.mu.Lock()
	if r.state == responseOpen {
		r.state = responseRead
	}
	r.mu.Unlock()

	if r.body == nil {
		return 0, io.EOF
	}
	return r.body.Read(p)
}

// ReadAll fully drains the body into memory.
func (r *Response) ReadAll() ([]byte, error) {
	return io.ReadAll(r)
}

// Close releases the response's resources and notifies the owning
// connection. Safe to call multiple times and safe to call without having
// read the body. Closing an unread body does not by itself close the
// connection: an HTTP/1.1 body with Content-Length or chunked framing is
// drained to its end and the connection returns to IDLE; only a
// close-delimited body or a Connection: close response ends it.
func (r *Response) Close() error {
	r.mu.Lock()
	if r.state == responseClosed {
		r.mu.Unlock()
		return nil
	}
	r.state = responseClosed
	hooks := r.onClose
	r.onClose = nil
	r.mu.Unlock()

	var err error
	if r.body != nil {
		err = r.body.Close()
	}
	if r.onDone != nil {
		r.onDone()
	}
	for _, fn := range hooks {
		fn()
	}
	return err
}

// OnClose registers fn to run when Close is called, in addition to the
// connection's own onDone hook: the pool needs its own notification,
// distinct from the connection's internal idle/closed transition, so it
// can re-run selection for parked requests. If the response is already
// closed, fn runs immediately.
func (r *Response) OnClose(fn func()) {
	r.mu.Lock()
	if r.state == responseClosed {
		r.mu.Unlock()
		fn()
		return
	}
	r.onClose = append(r.onClose, fn)
	r.mu.Unlock()
}

// NetworkStream returns the raw stream extension a CONNECT response
// exposes so the proxy layer can upgrade it to TLS.
func (r *Response) NetworkStream() (any, bool) {
	return r.Extensions.Get(ExtNetworkStream)
}
