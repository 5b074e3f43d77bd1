package logging

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger names, one per area of the server.
const (
	LogTagLSP       = "lsp"
	LogTagMain      = "main"
	LogTagServer    = "server"
	LogTagFormatter = "formatter"
	LogTagContainer = "container"
)

// New builds a console logger writing to w. stdout carries the LSP stream,
// so callers pass stderr.
func New(w io.Writer, level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.Lock(zapcore.AddSync(w)),
		lvl,
	)

	return zap.New(core), nil
}

// Named returns a child logger tagged with every tag in order, e.g.
// Named(l, LogTagLSP, LogTagServer) logs as "lsp.server".
func Named(logger *zap.Logger, tags ...string) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, tag := range tags {
		logger = logger.Named(tag)
	}

	return logger
}
