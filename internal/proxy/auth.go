package proxy

import (
	"encoding/base64"

	"github.com/thushan/httpcore/internal/core/domain"
)

// BuildProxyHeaders assembles the default header set both proxy connection
// kinds send ahead of the caller's own request/CONNECT headers: the
// caller-supplied proxy_headers with a Proxy-Authorization Basic header
// prepended when credentials are configured. Prepending, rather than
// appending, means a proxy_headers entry that also sets
// Proxy-Authorization comes after the derived one and loses on lookup:
// callers must not be able to override it unintentionally.
func BuildProxyHeaders(extra domain.Headers, username, password string) domain.Headers {
	if username == "" && password == "" {
		return extra
	}
	auth := domain.Header{Name: "Proxy-Authorization", Value: "Basic " + basicToken(username, password)}
	return append(domain.Headers{auth}, extra...)
}

func basicToken(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
