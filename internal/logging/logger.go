// Package logging wraps zerolog with component-scoped child loggers so
// every subsystem tags its lines consistently.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a thin wrapper over zerolog.Logger.
type Logger struct {
	zl zerolog.Logger
}

// Options control root logger construction.
type Options struct {
	// Level is one of trace, debug, info, warn, error, fatal, silent.
	Level string
	// Format is "console" (pretty, for terminals) or "json".
	Format string
	// Writer overrides the output; nil means stderr.
	Writer io.Writer
}

// New builds a root logger.
func New(opts Options) *Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	if opts.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(w).Level(ParseLevel(opts.Level)).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// Nop returns a logger that discards everything. Handy default in tests.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", name).Logger()}
}

func (l *Logger) Trace() *zerolog.Event { return l.zl.Trace() }
func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.zl.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zl.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }
func (l *Logger) Fatal() *zerolog.Event { return l.zl.Fatal() }

// ParseLevel maps a config string to a zerolog level. Unknown values
// fall back to info rather than erroring out.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "", "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "silent", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
