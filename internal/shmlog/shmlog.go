// Package shmlog provides the structured logger used by cmd/shmload: a
// thin wrapper over zap configured for this module's two
// output modes (human-readable console output for an interactive terminal,
// JSON for anything piped or redirected).
package shmlog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.SugaredLogger at the given level ("debug", "info",
// "warn", or "error"; anything else falls back to "info"). Output goes to
// stderr so stdout stays free for a CLI's actual result output.
func New(level string) (*zap.SugaredLogger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if isInteractive(os.Stderr) {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zapLevel)

	logger := zap.New(core)

	return logger.Sugar(), nil
}

// isInteractive is a minimal stand-in for an isatty check: it reports
// whether f looks like a character device, which is true for a terminal and
// false for a pipe, file redirect, or /dev/null.
func isInteractive(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}

	return info.Mode()&os.ModeCharDevice != 0
}
