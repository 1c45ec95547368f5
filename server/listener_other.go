//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

package server

import (
	"fmt"
	"net"
	"runtime"
)

func listenConfig(reusePort bool) (*net.ListenConfig, error) {
	if reusePort {
		return nil, fmt.Errorf("reuse_port is not supported on %s", runtime.GOOS)
	}
	return &net.ListenConfig{}, nil
}
