package domain

import (
	"bytes"
	"io"
	"strconv"
)

// Body is a request body source: either a finite in-memory buffer or a
// lazy byte-chunk sequence (an io.Reader, which covers both streaming
// uploads and generator-style chunk producers). Exactly one of these is
// non-nil on a constructed Request.
type Body struct {
	buffer []byte
	reader io.Reader
}

// NewBufferBody wraps a finite byte buffer.
func NewBufferBody(b []byte) Body {
	return Body{buffer: b}
}

// NewStreamBody wraps a lazy byte-chunk sequence; its length is unknown
// ahead of time, which forces chunked transfer-encoding.
func NewStreamBody(r io.Reader) Body {
	return Body{reader: r}
}

// IsEmpty reports a body with neither a buffer nor a reader - the zero
// value of Body, used for bodyless requests (GET, HEAD, ...).
func (b Body) IsEmpty() bool {
	return b.buffer == nil && b.reader == nil
}

// Known reports whether the body's length is known ahead of time (a
// finite buffer), which determines Content-Length vs
// Transfer-Encoding: chunked framing.
func (b Body) Known() (length int64, ok bool) {
	if b.reader != nil {
		return 0, false
	}
	return int64(len(b.buffer)), true
}

// Reader returns an io.Reader over the body, regardless of which form it
// was constructed from.
func (b Body) Reader() io.Reader {
	if b.reader != nil {
		return b.reader
	}
	return bytes.NewReader(b.buffer)
}

// Request is an immutable request descriptor. Method and header
// names/values are strings (see the comment on Origin); Body carries the
// one genuinely binary, non-comparable payload.
type Request struct {
	Method     string
	URL        URL
	Headers    Headers
	Body       Body
	Extensions Extensions
}

// NewRequest builds a Request, deriving Content-Length/Transfer-Encoding
// from the body shape when the caller did not already supply one, and
// suppressing a duplicate Host header if present.
func NewRequest(method string, url URL, headers Headers, body Body, ext Extensions) Request {
	headers = dedupeHost(headers)
	headers = withFramingHeader(headers, body)

	return Request{
		Method:     method,
		URL:        url,
		Headers:    headers,
		Body:       body,
		Extensions: ext,
	}
}

func dedupeHost(headers Headers) Headers {
	seen := false
	out := make(Headers, 0, len(headers))
	for _, kv := range headers {
		if headerNameEqual(kv.Name, "Host") {
			if seen {
				continue
			}
			seen = true
		}
		out = append(out, kv)
	}
	return out
}

func withFramingHeader(headers Headers, body Body) Headers {
	if body.IsEmpty() {
		return headers
	}
	if headers.Has("Content-Length") || headers.Has("Transfer-Encoding") {
		return headers
	}

	if length, ok := body.Known(); ok {
		return append(headers, Header{Name: "Content-Length", Value: strconv.FormatInt(length, 10)})
	}
	return append(headers, Header{Name: "Transfer-Encoding", Value: "chunked"})
}

// Timeout extracts the "timeout" extension as a Timeouts struct. Absent or
// malformed values are treated as "no timeout".
func (r Request) Timeout() Timeouts {
	v, ok := r.Extensions.Get(ExtTimeout)
	if !ok {
		return Timeouts{}
	}
	switch t := v.(type) {
	case Timeouts:
		return t
	case map[string]float64:
		toPtr := func(k string) *float64 {
			if f, ok := t[k]; ok {
				return &f
			}
			return nil
		}
		return Timeouts{
			Connect: toPtr("connect"),
			Read:    toPtr("read"),
			Write:   toPtr("write"),
			Pool:    toPtr("pool"),
		}
	default:
		return Timeouts{}
	}
}

// Trace extracts the "trace" extension sink, if any.
func (r Request) Trace() TraceFunc {
	if v, ok := r.Extensions.Get(ExtTrace); ok {
		if fn, ok := v.(TraceFunc); ok {
			return fn
		}
	}
	return nil
}

// SNIHostname extracts the "sni_hostname" override, falling back to the
// URL host.
func (r Request) SNIHostname() string {
	if v, ok := r.Extensions.Get(ExtSNIHostname); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return r.URL.Host
}
