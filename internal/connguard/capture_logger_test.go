package connguard

import (
	"sync"

	"pkt.systems/pslog"
)

type captureEntry struct {
	level  string
	msg    string
	fields []any
}

type captureSink struct {
	mu      sync.Mutex
	entries []captureEntry
}

type captureLogger struct {
	fields []any
	sink   *captureSink
}

func newCaptureLogger() *captureLogger {
	return &captureLogger{sink: &captureSink{}}
}

func (l *captureLogger) find(msg string) (captureEntry, bool) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	for _, entry := range l.sink.entries {
		if entry.msg == msg {
			return entry, true
		}
	}
	return captureEntry{}, false
}

func (l *captureLogger) snapshot() []captureEntry {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return append([]captureEntry(nil), l.sink.entries...)
}

func (l *captureLogger) record(level, msg string, args ...any) {
	fields := append(append([]any{}, l.fields...), args...)
	l.sink.mu.Lock()
	l.sink.entries = append(l.sink.entries, captureEntry{level: level, msg: msg, fields: fields})
	l.sink.mu.Unlock()
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }
func (l *captureLogger) Panic(msg string, args ...any) { l.record("panic", msg, args...) }
func (l *captureLogger) Log(level pslog.Level, msg string, args ...any) {
	l.record(pslog.LevelString(level), msg, args...)
}
func (l *captureLogger) With(args ...any) pslog.Logger {
	return &captureLogger{fields: append(append([]any{}, l.fields...), args...), sink: l.sink}
}
func (l *captureLogger) WithLogLevel() pslog.Logger          { return l }
func (l *captureLogger) LogLevel(pslog.Level) pslog.Logger   { return l }
func (l *captureLogger) LogLevelFromEnv(string) pslog.Logger { return l }
