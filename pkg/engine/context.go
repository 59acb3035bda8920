package engine

import (
	"context"
	"sync"

	"github.com/miguelrdp/iron/pkg/jsonrpc"
	"github.com/miguelrdp/iron/pkg/log"
)

const defaultErrorMessage = "internal error"

type Handler func(c *Context)

// NotifyFunc pushes an id-less notification to the session's stream.
type NotifyFunc func(method string, params any) error

// Session is the connection a request arrived on.
type Session struct {
	ID      string
	Origin  string
	Notify  NotifyFunc
	Storage *SafeStorage
}

// NewSession creates the state shared by every request of one connection.
// notify delivers server initiated notifications back to it.
func NewSession(id, origin string, notify NotifyFunc) *Session {
	if notify == nil {
		notify = func(string, any) error { return nil }
	}
	return &Session{ID: id, Origin: origin, Notify: notify, Storage: NewSafeStorage()}
}

type Context struct {
	Context  context.Context
	Session  *Session
	Request  jsonrpc.Request
	Response jsonrpc.Response

	handlers []Handler
	handled  bool
}

// Next runs the rest of the chain.
func (c *Context) Next() {
	if len(c.handlers) == 0 {
		return
	}
	handler := c.handlers[0]
	c.handlers = c.handlers[1:]
	handler(c)
}

// Handled reports whether a handler answered the request.
func (c *Context) Handled() bool { return c.handled }

// Succeed answers with result, which may be a json.RawMessage.
func (c *Context) Succeed(result any) {
	resp, err := jsonrpc.NewResultResponse(c.Request.ID, result)
	if err != nil {
		c.Fail(err, "failed to encode result")
		return
	}
	c.Response = resp
	c.handled = true
}

// Fail answers with an error. See the package documentation for how err and
// fallbackMessage are exposed.
func (c *Context) Fail(err error, fallbackMessage string) {
	rpcErr, ok := jsonrpc.AsError(err)
	if !ok {
		message := fallbackMessage
		if message == "" {
			message = defaultErrorMessage
		}
		rpcErr = jsonrpc.NewError(jsonrpc.CodeInternal, message)
		if err != nil {
			log.FromContext(c.Context).Warn("request failed", "method", c.Request.Method, "error", err)
		}
	}

	c.Response = jsonrpc.NewErrorResponse(c.Request.ID, rpcErr)
	c.handled = true
}

// BindParams is a shortcut for c.Request.BindParams.
func (c *Context) BindParams(dst ...any) error {
	return c.Request.BindParams(dst...)
}

// SafeStorage is per session key/value state shared by concurrent requests.
type SafeStorage struct {
	mu      sync.RWMutex
	storage map[string]any
}

// NewSafeStorage returns an empty store.
func NewSafeStorage() *SafeStorage {
	return &SafeStorage{storage: make(map[string]any)}
}

// Set stores value under key, overwriting any previous value.
func (s *SafeStorage) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage[key] = value
}

// Get returns the value under key and whether it was present.
func (s *SafeStorage) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.storage[key]
	return v, ok
}

// GetOrCreate returns the value under key, storing create() first if it is absent.
func (s *SafeStorage) GetOrCreate(key string, create func() any) any {
	if v, ok := s.Get(key); ok {
		return v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.storage[key]; ok {
		return v
	}
	v := create()
	s.storage[key] = v
	return v
}
