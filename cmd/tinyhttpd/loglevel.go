package main

import (
	"sync/atomic"

	"pkt.systems/pslog"
)

// levelLogger filters a trace-level base logger against a minimum level that
// can be changed while the server runs. Loggers derived with With share the
// level.
type levelLogger struct {
	base  pslog.Logger
	level *atomic.Int64
}

func newLevelLogger(base pslog.Logger, level pslog.Level) *levelLogger {
	l := &levelLogger{base: base, level: new(atomic.Int64)}
	l.level.Store(int64(level))
	return l
}

// SetLevel changes the minimum level of l and every logger derived from it.
func (l *levelLogger) SetLevel(level pslog.Level) {
	l.level.Store(int64(level))
}

// Level returns the current minimum level.
func (l *levelLogger) Level() pslog.Level {
	return pslog.Level(l.level.Load())
}

func (l *levelLogger) enabled(level pslog.Level) bool {
	return int64(level) >= l.level.Load()
}

func (l *levelLogger) Trace(msg string, args ...any) {
	if l.enabled(pslog.TraceLevel) {
		l.base.Trace(msg, args...)
	}
}

func (l *levelLogger) Debug(msg string, args ...any) {
	if l.enabled(pslog.DebugLevel) {
		l.base.Debug(msg, args...)
	}
}

func (l *levelLogger) Info(msg string, args ...any) {
	if l.enabled(pslog.InfoLevel) {
		l.base.Info(msg, args...)
	}
}

func (l *levelLogger) Warn(msg string, args ...any) {
	if l.enabled(pslog.WarnLevel) {
		l.base.Warn(msg, args...)
	}
}

func (l *levelLogger) Error(msg string, args ...any) {
	if l.enabled(pslog.ErrorLevel) {
		l.base.Error(msg, args...)
	}
}

// Fatal and Panic are never filtered.
func (l *levelLogger) Fatal(msg string, args ...any) { l.base.Fatal(msg, args...) }
func (l *levelLogger) Panic(msg string, args ...any) { l.base.Panic(msg, args...) }

func (l *levelLogger) Log(level pslog.Level, msg string, args ...any) {
	if l.enabled(level) {
		l.base.Log(level, msg, args...)
	}
}

func (l *levelLogger) With(args ...any) pslog.Logger {
	return &levelLogger{base: l.base.With(args...), level: l.level}
}

func (l *levelLogger) WithLogLevel() pslog.Logger {
	return &levelLogger{base: l.base.WithLogLevel(), level: l.level}
}

// LogLevel detaches the returned logger from live level changes.
func (l *levelLogger) LogLevel(level pslog.Level) pslog.Logger {
	return newLevelLogger(l.base, level)
}

func (l *levelLogger) LogLevelFromEnv(key string) pslog.Logger {
	return l.base.LogLevelFromEnv(key)
}
