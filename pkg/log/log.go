/*
Package log wraps zerolog with the component/task-scoped child loggers
the rest of the engine uses: a package-level Logger, a Config/Init
pair, and With* helpers that attach structured fields rather than
interpolating them into the message string.
*/
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/veilmesh/taskcore/pkg/types"
)

// Level mirrors zerolog's level vocabulary so callers never need to
// import zerolog directly just to configure it.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config selects the output shape for the process-wide logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Logger is a thin alias so callers in this module never need to
// import zerolog directly.
type Logger struct {
	zl zerolog.Logger
}

// Global is the process-wide default logger, configured by Init.
var Global Logger

// Init configures the Global logger from cfg.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	var writer io.Writer = out
	if !cfg.JSONOutput {
		writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(writer).With().Timestamp().Logger().Level(cfg.Level.zerolog())
	Global = Logger{zl: zl}
}

func (l Logger) WithComponent(name string) Logger {
	return Logger{zl: l.zl.With().Str("component", name).Logger()}
}

func (l Logger) WithTaskID(id types.ExternalID) Logger {
	return Logger{zl: l.zl.With().Str("task_id", id.String()).Logger()}
}

func (l Logger) WithField(key string, value any) Logger {
	return Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

func (l Logger) Debug(msg string) { l.zl.Debug().Msg(msg) }
func (l Logger) Info(msg string)  { l.zl.Info().Msg(msg) }
func (l Logger) Warn(msg string)  { l.zl.Warn().Msg(msg) }
func (l Logger) Error(msg string, err error) {
	l.zl.Error().Err(err).Msg(msg)
}

func (l Logger) Errorf(err error, format string, args ...any) {
	l.zl.Error().Err(err).Msgf(format, args...)
}
