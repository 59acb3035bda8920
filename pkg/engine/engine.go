package engine

import (
	"context"

	"github.com/miguelrdp/iron/pkg/jsonrpc"
	"github.com/miguelrdp/iron/pkg/log"
)

type Config struct {
	Logger log.Logger
}

type Engine struct {
	handlers []Handler
	lg       log.Logger
}

// New fixes the middleware chain. Order matters: earlier handlers see requests first.
func New(cfg Config, handlers ...Handler) *Engine {
	return &Engine{
		handlers: append([]Handler(nil), handlers...),
		lg:       log.OrNoop(cfg.Logger).WithName("engine"),
	}
}

// Handle runs req through the chain and always returns a response carrying req's id.
func (e *Engine) Handle(ctx context.Context, sess *Session, req jsonrpc.Request) jsonrpc.Response {
	if sess == nil {
		sess = NewSession("", "", nil)
	}
	c := &Context{
		Context:  ctx,
		Session:  sess,
		Request:  req,
		handlers: e.handlers,
	}

	c.Next()

	if !c.handled {
		e.lg.Debug("request left the pipeline unhandled", "method", req.Method, "session", sess.ID)
		c.Response = jsonrpc.NewErrorResponse(req.ID,
			jsonrpc.Errorf(jsonrpc.CodeMethodNotSupported, "method not supported: %s", req.Method))
	}
	c.Response.JSONRPC = jsonrpc.Version
	c.Response.ID = req.ID
	return c.Response
}
