//go:build !unix

package transport

import (
	"syscall"

	"github.com/thushan/httpcore/internal/core/ports"
)

// applySocketOptions is a no-op outside unix: SetsockoptInt has no portable
// equivalent on Windows through golang.org/x/sys/unix, and socket_options
// tuning is best-effort.
func applySocketOptions(opts []ports.SocketOption) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		return nil
	}
}
