// Package protect wraps an injected socket-protector callback into a
// net.Dialer control hook, so upstream sockets opened by the relays bypass
// any system-wide traffic capture (e.g., a VPN routing rule on the same
// host) the way a mobile platform's VpnService.protect() would.
package protect

import (
	"fmt"
	"net"
	"syscall"
)

// Protector is the injected callback. It is invoked once, immediately after
// socket creation, with the raw file descriptor. Returning false causes the
// caller to close the socket and drop the pending session/datagram, per the
// external-interfaces contract. On platforms without system-wide capture
// this is a no-op returning true.
type Protector func(fd int) bool

// Dialer builds a *net.Dialer whose Control hook calls protector on every
// socket it creates. A nil protector yields a plain dialer (no-op protect).
func Dialer(protector Protector) *net.Dialer {
	if protector == nil {
		return &net.Dialer{}
	}
	return &net.Dialer{Control: controlFunc(protector)}
}

// ErrRejected is returned when the protector callback refuses a socket.
type ErrRejected struct{ FD int }

func (e ErrRejected) Error() string {
	return fmt.Sprintf("protect: protector rejected fd %d", e.FD)
}

func controlFunc(protector Protector) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var rejected bool
		var fd int
		err := c.Control(func(sockfd uintptr) {
			fd = int(sockfd)
			if !protector(fd) {
				rejected = true
			}
		})
		if err != nil {
			return fmt.Errorf("protect: c.Control: %w", err)
		}
		if rejected {
			return ErrRejected{FD: fd}
		}
		return nil
	}
}
