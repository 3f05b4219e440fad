//go:build unix

package transport

import (
	"syscall"

	"github.com/thushan/httpcore/internal/core/ports"
	"golang.org/x/sys/unix"
)

// applySocketOptions returns a net.Dialer.Control func that applies the
// caller-supplied setsockopt tuning before the connect() syscall fires.
func applySocketOptions(opts []ports.SocketOption) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			for _, o := range opts {
				if err := unix.SetsockoptInt(int(fd), o.Level, o.Name, o.Value); err != nil {
					sockErr = err
					return
				}
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
