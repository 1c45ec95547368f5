//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package server

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenConfig returns the listener settings. With reusePort several
// broker processes can bind the same address and the kernel spreads
// accepted connections between them.
func listenConfig(reusePort bool) (*net.ListenConfig, error) {
	lc := &net.ListenConfig{}
	if !reusePort {
		return lc, nil
	}

	lc.Control = func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
	return lc, nil
}
