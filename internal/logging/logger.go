package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kingrea/control/internal/config"
)

// Logger writes structured entries to .control/logs/control.log so operators
// can inspect lifecycle decisions after the worker sessions are gone.
type Logger struct {
	*zap.Logger
	file *os.File
}

// Options configures New.
type Options struct {
	Level  string
	Format string
	// Stderr mirrors warnings and errors to standard error.
	Stderr bool
}

// New creates (or reuses) the log file for the given project layout.
func New(layout config.Layout, opts Options) (*Logger, error) {
	if err := os.MkdirAll(layout.LogsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(layout.LogsDir(), "control.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	var enc zapcore.Encoder
	if opts.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(f), level)
	if opts.Stderr {
		stderrCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), zapcore.WarnLevel)
		core = zapcore.NewTee(core, stderrCore)
	}
	return &Logger{Logger: zap.New(core), file: f}, nil
}

// FromZap wraps an existing zap logger, typically an observer in tests.
func FromZap(l *zap.Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{Logger: l}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// With returns a child logger carrying the given fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{Logger: l.Logger.With(fields...), file: l.file}
}

// Close flushes buffered entries and releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.Logger == nil {
		return nil
	}
	_ = l.Logger.Sync()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
