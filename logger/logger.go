/*
logger.go - Structured logging setup

PURPOSE:
  Builds the zerolog logger shared by the engine, the stores, the hold
  sweeper and the HTTP surface. Development gets a readable console
  writer; every other environment writes JSON lines.

USAGE:
  log := logger.New(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level})
  log.Info().Str("addr", addr).Msg("server starting")
  eng := engine.New(store, engine.WithLogger(log.Zerolog()))

SEE ALSO:
  - config/config.go: LOG_LEVEL and APP_ENV
  - engine/events.go: LogPublisher writes domain events here
*/
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects the output format and minimum level.
type Config struct {
	Env   string // development -> console, anything else -> JSON
	Level string // trace, debug, info, warn, error
	// Output defaults to stdout.
	Output io.Writer
}

// Logger wraps zerolog so callers depend on one constructor.
type Logger struct {
	zl zerolog.Logger
}

// New creates the logger and installs it as zerolog's global logger.
func New(cfg Config) *Logger {
	var w io.Writer = os.Stdout
	if cfg.Output != nil {
		w = cfg.Output
	}
	if cfg.Env == "development" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	zl := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	log.Logger = zl

	return &Logger{zl: zl}
}

// ParseLevel maps a level name to zerolog, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *Logger) Trace() *zerolog.Event { return l.zl.Trace() }
func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.zl.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zl.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }
func (l *Logger) Fatal() *zerolog.Event { return l.zl.Fatal() }

// With starts a sub-logger with fixed fields.
func (l *Logger) With() zerolog.Context { return l.zl.With() }

// Component returns a sub-logger tagged with the component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zl.With().Str("component", name).Logger()
}

// Zerolog exposes the underlying logger for packages that take one.
func (l *Logger) Zerolog() zerolog.Logger { return l.zl }
