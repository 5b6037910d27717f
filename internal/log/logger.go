// Package log provides structured logging for newlibshim using zap.
package log

import (
	"strconv"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with shim-specific helpers.
type Logger struct {
	*zap.Logger
	onTrace func(pc uint64, category, name, detail string) // trace callback for events
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool, level string) {
	once.Do(func() {
		L = New(debug, level)
	})
}

// New creates a new Logger instance.
// level is a zap level name ("debug", "info", "warn", ...); empty keeps the
// default for the mode: debug in development, info otherwise. Guest stdout
// lines are info records, so production must not default above info.
func New(debug bool, level string) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	if level != "" {
		if lvl, err := zapcore.ParseLevel(level); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	// Shorter timestamps
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Wrap adapts an existing zap logger, e.g. one built on an observer core.
func Wrap(z *zap.Logger) *Logger {
	return &Logger{Logger: z}
}

// SetOnTrace sets the trace callback for syscall events.
func (l *Logger) SetOnTrace(fn func(pc uint64, category, name, detail string)) {
	l.onTrace = fn
}

// Trace logs a syscall event and calls the trace callback if set.
// This is the primary method for stubs to report their activity.
func (l *Logger) Trace(pc uint64, category, name, detail string) {
	if l.onTrace != nil {
		l.onTrace(pc, category, name, detail)
	}

	l.Debug("syscall",
		zap.String("cat", category),
		zap.String("fn", name),
		zap.String("detail", detail),
		zap.Uint64("pc", pc),
	)
}

// TraceSimple logs a syscall event without PC (uses 0).
func (l *Logger) TraceSimple(category, name, detail string) {
	l.Trace(0, category, name, detail)
}

// StubInstall logs when a stub is installed at an address.
func (l *Logger) StubInstall(category, name string, addr uint64, source string) {
	l.Debug("installed",
		zap.String("cat", category),
		zap.String("fn", name),
		zap.Uint64("addr", addr),
		zap.String("src", source),
	)
}

// StubFallback logs when a fallback stub is triggered.
func (l *Logger) StubFallback(name string) {
	l.Debug("fallback",
		zap.String("fn", name),
		zap.String("ret", "0"),
	)
}

// Guest returns the sink for guest console records.
func (l *Logger) Guest() *zap.Logger {
	return l.Logger.Named("guest")
}

// With returns a logger with the fields preset, keeping the trace callback.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{
		Logger:  l.Logger.With(fields...),
		onTrace: l.onTrace,
	}
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return l.With(zap.String("cat", category))
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + strconv.FormatUint(addr, 16)
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}
