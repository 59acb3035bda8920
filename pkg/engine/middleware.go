package engine

import (
	"bytes"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/miguelrdp/iron/pkg/jsonrpc"
	"github.com/miguelrdp/iron/pkg/log"
)

// Recover turns a panicking handler into an internal error response.
func Recover(lg log.Logger) Handler {
	lg = log.OrNoop(lg).WithName("recover")
	return func(c *Context) {
		defer func() {
			if r := recover(); r != nil {
				lg.Error("handler panicked", "method", c.Request.Method, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
				c.Fail(nil, "internal error")
			}
		}()
		c.Next()
	}
}

// Tracing starts a server span per request. Put it before Logging so request logs
// are recorded on the span.
func Tracing(tracer trace.Tracer) Handler {
	return func(c *Context) {
		ctx, span := tracer.Start(c.Context, "jsonrpc "+c.Request.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("rpc.system", "jsonrpc"),
				attribute.String("rpc.method", c.Request.Method),
				attribute.String("iron.session", c.Session.ID),
			))
		defer span.End()

		c.Context = ctx
		c.Next()

		if rpcErr := c.Response.Error; rpcErr != nil {
			span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", rpcErr.Code))
			span.SetStatus(codes.Error, rpcErr.Message)
		}
	}
}

// Logging stores a request scoped logger in the context and logs the outcome.
func Logging(lg log.Logger) Handler {
	lg = log.OrNoop(lg)
	return func(c *Context) {
		reqLg := lg.WithKV("method", c.Request.Method).WithKV("session", c.Session.ID)
		c.Context = log.SetContextLogger(c.Context, reqLg)

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		if rpcErr := c.Response.Error; rpcErr != nil {
			reqLg.Debug("request failed", "code", rpcErr.Code, "message", rpcErr.Message, "duration", duration)
			return
		}
		reqLg.Debug("request handled", "duration", duration)
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate rejects requests that are not well formed JSON-RPC 2.0 calls.
// Params, when present, must be an array or an object.
func Validate() Handler {
	return func(c *Context) {
		if err := validate.Struct(c.Request); err != nil {
			c.Fail(jsonrpc.Errorf(jsonrpc.CodeInvalidRequest, "invalid request: %s", describeValidation(err)), "")
			return
		}
		params := bytes.TrimSpace(c.Request.Params)
		if len(params) > 0 && !bytes.Equal(params, []byte("null")) && params[0] != '[' && params[0] != '{' {
			c.Fail(jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid params: expected an array or an object"), "")
			return
		}
		c.Next()
	}
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	return fmt.Sprintf("field %s failed on %s", fe.Field(), fe.Tag())
}

const rateLimiterKey = "engine.rate_limiter"

// RateLimit caps each session at limit requests per second with the given burst.
func RateLimit(limit rate.Limit, burst int) Handler {
	return func(c *Context) {
		limiter := c.Session.Storage.GetOrCreate(rateLimiterKey, func() any {
			return rate.NewLimiter(limit, burst)
		}).(*rate.Limiter)

		if !limiter.Allow() {
			c.Fail(jsonrpc.NewError(jsonrpc.CodeLimitExceeded, "rate limit exceeded"), "")
			return
		}
		c.Next()
	}
}
