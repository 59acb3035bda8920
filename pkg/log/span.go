package log

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ Logger = SpanLogger{}

// SpanLogger writes every line to the wrapped logger and mirrors it onto a span.
type SpanLogger struct {
	lg  Logger
	ser SpanEventRecorder
}

func NewSpanLogger(lg Logger, ser SpanEventRecorder) Logger {
	return SpanLogger{lg: lg.AddCallerSkip(1), ser: ser}
}

func (sl SpanLogger) Debug(msg string, keysAndValues ...any) {
	sl.ser.RecordEvent(msg, sl.spanAttrs(LevelDebug, keysAndValues)...)
	sl.lg.Debug(msg, sl.traceAttrs(keysAndValues)...)
}

func (sl SpanLogger) Info(msg string, keysAndValues ...any) {
	sl.ser.RecordEvent(msg, sl.spanAttrs(LevelInfo, keysAndValues)...)
	sl.lg.Info(msg, sl.traceAttrs(keysAndValues)...)
}

func (sl SpanLogger) Warn(msg string, keysAndValues ...any) {
	sl.ser.RecordEvent(msg, sl.spanAttrs(LevelWarn, keysAndValues)...)
	sl.lg.Warn(msg, sl.traceAttrs(keysAndValues)...)
}

// Error also marks the span as failed.
func (sl SpanLogger) Error(msg string, keysAndValues ...any) {
	sl.ser.RecordError(msg, sl.spanAttrs(LevelError, keysAndValues)...)
	sl.lg.Error(msg, sl.traceAttrs(keysAndValues)...)
}

func (sl SpanLogger) Fatal(msg string, keysAndValues ...any) {
	sl.ser.RecordError(msg, sl.spanAttrs(LevelFatal, keysAndValues)...)
	sl.lg.Fatal(msg, sl.traceAttrs(keysAndValues)...)
}

func (sl SpanLogger) WithKV(key string, value any) Logger {
	return SpanLogger{lg: sl.lg.WithKV(key, value), ser: sl.ser}
}

func (sl SpanLogger) GetAllKV() []any { return sl.lg.GetAllKV() }

func (sl SpanLogger) WithName(name string) Logger {
	return SpanLogger{lg: sl.lg.WithName(name), ser: sl.ser}
}

func (sl SpanLogger) Name() string { return sl.lg.Name() }

func (sl SpanLogger) AddCallerSkip(skip int) Logger {
	return SpanLogger{lg: sl.lg.AddCallerSkip(skip), ser: sl.ser}
}

func (sl SpanLogger) traceAttrs(keysAndValues []any) []any {
	return append([]any{"traceId", sl.ser.TraceID(), "spanId", sl.ser.SpanID()}, keysAndValues...)
}

func (sl SpanLogger) spanAttrs(level Level, keysAndValues []any) []any {
	attrs := append([]any{"level", string(level), "component", sl.lg.Name()}, sl.lg.GetAllKV()...)
	return append(attrs, keysAndValues...)
}

var _ SpanEventRecorder = &OtelSpanEventRecorder{}

// OtelSpanEventRecorder records log lines as events of an OpenTelemetry span.
type OtelSpanEventRecorder struct {
	span trace.Span
}

func NewOtelSpanEventRecorder(span trace.Span) *OtelSpanEventRecorder {
	return &OtelSpanEventRecorder{span: span}
}

func (r *OtelSpanEventRecorder) TraceID() string { return r.span.SpanContext().TraceID().String() }
func (r *OtelSpanEventRecorder) SpanID() string  { return r.span.SpanContext().SpanID().String() }

func (r *OtelSpanEventRecorder) RecordEvent(name string, keysAndValues ...any) {
	r.span.AddEvent(name, trace.WithAttributes(toAttributes(keysAndValues)...))
}

func (r *OtelSpanEventRecorder) RecordError(name string, keysAndValues ...any) {
	r.span.AddEvent(name, trace.WithAttributes(toAttributes(keysAndValues)...))
	r.span.SetStatus(codes.Error, name)
}

func toAttributes(keysAndValues []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, (len(keysAndValues)+1)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			attrs = append(attrs, attribute.String("invalidKeysAndValues", fmt.Sprint(keysAndValues[i:]...)))
			break
		}
		if i+1 == len(keysAndValues) {
			attrs = append(attrs, attribute.String(key, "MISSING"))
			break
		}

		switch v := keysAndValues[i+1].(type) {
		case bool:
			attrs = append(attrs, attribute.Bool(key, v))
		case int:
			attrs = append(attrs, attribute.Int(key, v))
		case int64:
			attrs = append(attrs, attribute.Int64(key, v))
		case uint64:
			attrs = append(attrs, attribute.String(key, fmt.Sprint(v)))
		case float64:
			attrs = append(attrs, attribute.Float64(key, v))
		case string:
			attrs = append(attrs, attribute.String(key, v))
		case error:
			attrs = append(attrs, attribute.String(key, v.Error()))
		case fmt.Stringer:
			attrs = append(attrs, attribute.String(key, v.String()))
		default:
			attrs = append(attrs, attribute.String(key, fmt.Sprint(v)))
		}
	}
	return attrs
}
