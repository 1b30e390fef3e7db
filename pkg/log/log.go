// Package log provides structured logging for the session engine on top
// of zerolog, extended with a Sink so a host process can observe
// engine-internal log records (the `logCallback` configuration option)
// without taking a zerolog dependency itself.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the package-level zerolog instance, initialized via Init.
// Before Init is called it is the zero zerolog.Logger, which has no
// output writer, so nothing is written through it.
var Logger zerolog.Logger

// Kind is one of the six structured log record kinds the store's
// `logCallback` configuration option is specified to receive.
type Kind string

const (
	Fatal Kind = "fatal"
	ErrorKind Kind = "error"
	Warn  Kind = "warn"
	Info  Kind = "info"
	Debug Kind = "debug"
	Trace Kind = "trace"
)

// Record is one structured log line, handed to a registered Sink in
// addition to being written through zerolog.
type Record struct {
	Kind      Kind
	Component string
	Message   string
	Key       string
	Err       error
	Fields    map[string]any
}

// Sink receives every log Record emitted through a Logger created with
// WithComponent, in addition to that record's normal zerolog output.
// Sink implementations must not block or panic; Emit recovers from any
// sink panic and logs it instead of propagating it.
type Sink func(Record)

var currentSink Sink

// SetSink installs the store's logCallback sink. A nil sink disables
// fan-out to the host; zerolog output is unaffected either way.
func SetSink(s Sink) { currentSink = s }

// Level is a configuration-time log level threshold.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// Component is a child logger bound to one subsystem name (e.g.
// "lockmgr", "txn", "session") that also fans every emitted record out
// to the installed Sink.
type Component struct {
	name string
	key  string
	zl   zerolog.Logger
}

// WithComponent creates a component-scoped logger.
func WithComponent(name string) Component {
	return Component{name: name, zl: Logger.With().Str("component", name).Logger()}
}

// WithKey returns a copy of c that also tags every record with a Key
// field, for per-session/per-record log lines.
func (c Component) WithKey(key string) Component {
	return Component{name: c.name, key: key, zl: c.zl.With().Str("key", key).Logger()}
}

func (c Component) emit(kind Kind, msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Error().Interface("panic", r).Msg("log sink panicked")
		}
	}()
	if currentSink == nil {
		return
	}
	currentSink(Record{Kind: kind, Component: c.name, Message: msg, Key: c.key, Err: err})
}

func (c Component) Debug(msg string) { c.zl.Debug().Msg(msg); c.emit(Debug, msg, nil) }
func (c Component) Info(msg string)  { c.zl.Info().Msg(msg); c.emit(Info, msg, nil) }
func (c Component) Warn(msg string)  { c.zl.Warn().Msg(msg); c.emit(Warn, msg, nil) }
func (c Component) Trace(msg string) { c.zl.Trace().Msg(msg); c.emit(Trace, msg, nil) }

func (c Component) Error(msg string, err error) {
	c.zl.Error().Err(err).Msg(msg)
	c.emit(ErrorKind, msg, err)
}

// Fatal writes the message through zerolog at error level with a
// fatal=true field, and notifies the sink with Kind Fatal. Unlike zerolog's
// Fatal().Msg(), it does not call os.Exit: a library has no business
// terminating its host process.
func (c Component) Fatal(msg string, err error) {
	c.zl.Error().Err(err).Bool("fatal", true).Msg(msg)
	c.emit(Fatal, msg, err)
}

// Raw returns the underlying zerolog.Logger for call sites that need
// additional structured fields beyond a plain message.
func (c Component) Raw() zerolog.Logger { return c.zl }
