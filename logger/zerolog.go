package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ZeroLogger implements Logger on top of zerolog.
type ZeroLogger struct {
	zlog   *zerolog.Logger
	redact *Redactor
}

// Ensure ZeroLogger implements the interface
var _ Logger = (*ZeroLogger)(nil)

// New creates a ZeroLogger writing to stdout at the given level. Unknown
// levels fall back to info. If pretty is true, output is formatted for human
// readability.
func New(level string, pretty bool) *ZeroLogger {
	return NewWithWriter(level, pretty, os.Stdout)
}

// NewWithWriter is New with an explicit output writer; tests use it to
// capture log output.
func NewWithWriter(level string, pretty bool, w io.Writer) *ZeroLogger {
	var out io.Writer = w
	if pretty {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	l := zerolog.New(out).With().Timestamp().Logger()

	zLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		zLevel = zerolog.InfoLevel
	}
	l = l.Level(zLevel)

	return &ZeroLogger{zlog: &l, redact: NewRedactor()}
}

// WithFields returns a logger with additional fields attached to all entries.
// Sensitive fields are masked before they are attached.
func (l *ZeroLogger) WithFields(fields map[string]any) Logger {
	if l.redact != nil {
		fields = l.redact.RedactFields(fields)
	}
	log := l.zlog.With().Fields(fields).Logger()
	return &ZeroLogger{zlog: &log, redact: l.redact}
}

// Debug creates a debug-level log event
func (l *ZeroLogger) Debug() LogEvent {
	return &zeroEvent{event: l.zlog.Debug(), redact: l.redact}
}

// Info creates an info-level log event
func (l *ZeroLogger) Info() LogEvent {
	return &zeroEvent{event: l.zlog.Info(), redact: l.redact}
}

// Warn creates a warning-level log event
func (l *ZeroLogger) Warn() LogEvent {
	return &zeroEvent{event: l.zlog.Warn(), redact: l.redact}
}

// Error creates an error-level log event
func (l *ZeroLogger) Error() LogEvent {
	return &zeroEvent{event: l.zlog.Error(), redact: l.redact}
}

// zeroEvent adapts zerolog events to the LogEvent interface.
type zeroEvent struct {
	event  *zerolog.Event
	redact *Redactor
}

func (e *zeroEvent) Msg(msg string) {
	e.event.Msg(msg)
}

func (e *zeroEvent) Msgf(format string, args ...any) {
	e.event.Msgf(format, args...)
}

func (e *zeroEvent) Err(err error) LogEvent {
	return &zeroEvent{event: e.event.Err(err), redact: e.redact}
}

func (e *zeroEvent) Str(key, value string) LogEvent {
	if e.redact != nil {
		value = e.redact.Redact(key, value)
	}
	return &zeroEvent{event: e.event.Str(key, value), redact: e.redact}
}

func (e *zeroEvent) Int(key string, value int) LogEvent {
	return &zeroEvent{event: e.event.Int(key, value), redact: e.redact}
}

func (e *zeroEvent) Int64(key string, value int64) LogEvent {
	return &zeroEvent{event: e.event.Int64(key, value), redact: e.redact}
}

func (e *zeroEvent) Dur(key string, d time.Duration) LogEvent {
	return &zeroEvent{event: e.event.Dur(key, d), redact: e.redact}
}

func (e *zeroEvent) Bytes(key string, val []byte) LogEvent {
	return &zeroEvent{event: e.event.Bytes(key, val), redact: e.redact}
}

func (e *zeroEvent) Interface(key string, i any) LogEvent {
	if e.redact != nil {
		if m, ok := i.(map[string]string); ok {
			i = e.redact.redactStringMap(m)
		}
	}
	return &zeroEvent{event: e.event.Interface(key, i), redact: e.redact}
}
