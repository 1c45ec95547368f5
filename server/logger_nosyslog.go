//go:build windows || plan9

package server

import (
	"fmt"
	"io"
	"runtime"
)

func dialSyslog(network, address string) (io.Writer, error) {
	return nil, fmt.Errorf("syslog is not available on %s", runtime.GOOS)
}
