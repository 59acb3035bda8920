package engine

import (
	"slices"
	"sync"
)

// Router dispatches requests by method name. Methods it does not know pass through.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Handler
}

// NewRouter returns an empty method router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Handler)}
}

// Handle registers h for method, replacing any previous handler.
func (r *Router) Handle(method string, h Handler) {
	if h == nil {
		panic("engine: nil handler for " + method)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[method] = h
}

// Methods lists the registered method names in sorted order.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	methods := make([]string, 0, len(r.routes))
	for m := range r.routes {
		methods = append(methods, m)
	}
	slices.Sort(methods)
	return methods
}

// Middleware dispatches to the handler registered for the request method and
// passes anything unregistered down the chain.
func (r *Router) Middleware() Handler {
	return func(c *Context) {
		r.mu.RLock()
		h, ok := r.routes[c.Request.Method]
		r.mu.RUnlock()
		if !ok {
			c.Next()
			return
		}
		h(c)
	}
}
