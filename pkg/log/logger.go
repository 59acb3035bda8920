package log

// Logger is the logging interface used across the bridge.
// keysAndValues are alternating key/value pairs, e.g. "stream", name, "error", err.
type Logger interface {
	// Debug logs detail useful while diagnosing a single flow.
	Debug(msg string, keysAndValues ...any)
	// Info logs lifecycle events.
	Info(msg string, keysAndValues ...any)
	// Warn logs recoverable problems such as dropped messages.
	Warn(msg string, keysAndValues ...any)
	// Error logs failures that lose a request or a connection.
	Error(msg string, keysAndValues ...any)
	// Fatal logs and terminates the process for implementations that support it.
	Fatal(msg string, keysAndValues ...any)

	// WithKV returns a logger that attaches key/value to every subsequent line.
	WithKV(key string, value any) Logger
	// GetAllKV returns the pairs attached with WithKV.
	GetAllKV() []any
	// WithName returns a child logger; names are joined with dots.
	WithName(name string) Logger
	// Name returns the dotted name of the logger.
	Name() string
	// AddCallerSkip is used by wrappers so the reported caller stays accurate.
	AddCallerSkip(skip int) Logger
}

// Level is the severity of a log line.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// SpanEventRecorder mirrors log lines onto a tracing span.
type SpanEventRecorder interface {
	TraceID() string
	SpanID() string
	// RecordEvent adds a span event; RecordError also marks the span as failed.
	RecordEvent(name string, keysAndValues ...any)
	RecordError(name string, keysAndValues ...any)
}
