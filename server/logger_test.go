package server

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/maxpert/timecapsule/interfaces"
)

func TestNewLoggerNone(t *testing.T) {
	logger, level, err := NewLogger(interfaces.LogConfig{Output: "none", Level: "debug"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.ErrorLevel))
	assert.Equal(t, zapcore.DebugLevel, level.Level())
}

func TestNewLoggerLevelCanChange(t *testing.T) {
	logger, level, err := NewLogger(interfaces.LogConfig{Output: "console", Level: "warn", Format: "json"})
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	level.SetLevel(zapcore.InfoLevel)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNewLoggerFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.log")

	logger, _, err := NewLogger(interfaces.LogConfig{Output: "none", Level: "info", File: path})
	require.NoError(t, err)
	assert.IsType(t, zap.NewNop(), logger)

	logger, _, err = NewLogger(interfaces.LogConfig{Output: "console", Level: "info", Format: "console", File: path})
	require.NoError(t, err)
	logger.Info("Message stored", zap.String("queue", "q1"))
	logger.Debug("not written")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"Message stored"`)
	assert.Contains(t, string(data), `"queue":"q1"`)
	assert.NotContains(t, string(data), "not written")
}

func TestNewLoggerSyslog(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "plan9" {
		t.Skip("syslog is not available")
	}

	packets, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer packets.Close()

	logger, _, err := NewLogger(interfaces.LogConfig{
		Output:        "syslog",
		Level:         "info",
		SyslogNetwork: "udp",
		SyslogAddress: packets.LocalAddr().String(),
	})
	require.NoError(t, err)

	logger.Warn("Message returned to queue", zap.Int64("item_id", 7))

	require.NoError(t, packets.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4096)
	n, _, err := packets.ReadFrom(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), ServerName)
	assert.Contains(t, string(buf[:n]), "Message returned to queue")
}

func TestNewLoggerBadFile(t *testing.T) {
	_, _, err := NewLogger(interfaces.LogConfig{
		Output: "console",
		Level:  "info",
		File:   filepath.Join(t.TempDir(), "missing", "dir", "broker.log"),
	})
	assert.Error(t, err)
}

func TestParseZapLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseZapLevel("DEBUG").Level())
	assert.Equal(t, zapcore.ErrorLevel, parseZapLevel("error").Level())
	assert.Equal(t, zapcore.InfoLevel, parseZapLevel("verbose").Level())
}
