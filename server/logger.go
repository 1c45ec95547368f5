package server

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/maxpert/timecapsule/interfaces"
)

// NewLogger builds the broker logger from cfg. The returned level is shared
// by every sink and can be changed while the broker runs.
func NewLogger(cfg interfaces.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level := parseZapLevel(cfg.Level)
	if cfg.Output == "none" {
		return zap.NewNop(), level, nil
	}

	var cores []zapcore.Core

	if cfg.Output == "" || cfg.Output == "console" || cfg.Output == "combined" {
		cores = append(cores, zapcore.NewCore(newEncoder(cfg.Format), zapcore.Lock(os.Stderr), level))
	}

	if cfg.Output == "syslog" || cfg.Output == "combined" {
		writer, err := dialSyslog(cfg.SyslogNetwork, cfg.SyslogAddress)
		if err != nil {
			return nil, level, fmt.Errorf("failed to connect to syslog at %s: %w", cfg.SyslogAddress, err)
		}
		cores = append(cores, zapcore.NewCore(newEncoder("json"), zapcore.AddSync(writer), level))
	}

	if cfg.File != "" {
		sink, _, err := zap.Open(cfg.File)
		if err != nil {
			return nil, level, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		cores = append(cores, zapcore.NewCore(newEncoder("json"), sink, level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), level, nil
}

func newEncoder(format string) zapcore.Encoder {
	if format == "console" {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}

func parseZapLevel(level string) zap.AtomicLevel {
	switch strings.ToLower(level) {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}
