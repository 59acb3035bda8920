// Package log is the structured logging layer shared by every component of the bridge.
//
// Components depend on the Logger interface only. The production implementation is
// backed by zap and can emit console, logfmt or JSON lines; NoopLogger discards
// everything and is what tests and optional dependencies fall back to.
//
// # Request scoped logging
//
// The engine stores a logger in the request context with SetContextLogger. When the
// context carries a recording OpenTelemetry span, the stored logger is a SpanLogger:
// every line is mirrored as a span event and tagged with the trace and span ids.
//
//	ctx = log.SetContextLogger(ctx, logger.WithKV("method", req.Method))
//	...
//	log.FromContext(ctx).Info("forwarded upstream", "duration", d)
package log
