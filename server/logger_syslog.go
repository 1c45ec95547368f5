//go:build !windows && !plan9

package server

import (
	"io"
	"log/syslog"
)

func dialSyslog(network, address string) (io.Writer, error) {
	return syslog.Dial(network, address, syslog.LOG_INFO|syslog.LOG_DAEMON, ServerName)
}
