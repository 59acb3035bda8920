package log

var _ Logger = NoopLogger{}

// NoopLogger discards everything.
type NoopLogger struct{}

// NewNoopLogger returns a Logger that drops every line.
func NewNoopLogger() Logger { return NoopLogger{} }

// Debug discards the line.
func (NoopLogger) Debug(string, ...any) {}

// Info discards the line.
func (NoopLogger) Info(string, ...any) {}

// Warn discards the line.
func (NoopLogger) Warn(string, ...any) {}

// Error discards the line.
func (NoopLogger) Error(string, ...any) {}

// Fatal discards the line and, unlike other loggers, does not exit.
func (NoopLogger) Fatal(string, ...any) {}

// WithKV returns the receiver; pairs are not kept.
func (n NoopLogger) WithKV(string, any) Logger { return n }

// GetAllKV always returns nil.
func (NoopLogger) GetAllKV() []any { return nil }

// WithName returns the receiver.
func (n NoopLogger) WithName(string) Logger { return n }

// Name always returns "noop".
func (NoopLogger) Name() string { return "noop" }

// AddCallerSkip returns the receiver.
func (n NoopLogger) AddCallerSkip(int) Logger { return n }

// OrNoop returns lg, or a NoopLogger when lg is nil.
func OrNoop(lg Logger) Logger {
	if lg == nil {
		return NoopLogger{}
	}
	return lg
}
