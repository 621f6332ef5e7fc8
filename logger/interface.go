// Package logger defines the structured logging contract used throughout the
// library and provides a zerolog-backed implementation of it.
package logger

import "time"

// Logger is the contract for structured logging. Components receive a Logger
// by injection so tests can substitute their own implementation.
type Logger interface {
	Debug() LogEvent
	Info() LogEvent
	Warn() LogEvent
	Error() LogEvent
	WithFields(fields map[string]any) Logger
}

// LogEvent is a structured log event under construction. Field methods return
// the event so calls can be chained; Msg or Msgf sends the event.
type LogEvent interface {
	Msg(msg string)
	Msgf(format string, args ...any)
	Err(err error) LogEvent
	Str(key, value string) LogEvent
	Int(key string, value int) LogEvent
	Int64(key string, value int64) LogEvent
	Dur(key string, d time.Duration) LogEvent
	Bytes(key string, val []byte) LogEvent
	Interface(key string, i any) LogEvent
}
