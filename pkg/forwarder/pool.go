package forwarder

import (
	"context"
	"sync"

	"github.com/miguelrdp/iron/pkg/engine"
)

// Pool keeps one Forwarder per endpoint URL so switching networks back and forth
// reuses connections.
type Pool struct {
	template Config

	mu         sync.Mutex
	forwarders map[string]*Forwarder
}

// NewPool creates a pool whose forwarders share every setting of template but the URL.
func NewPool(template Config) *Pool {
	return &Pool{template: template, forwarders: make(map[string]*Forwarder)}
}

// Get returns the forwarder for url, dialing it on first use.
func (p *Pool) Get(ctx context.Context, url string) (*Forwarder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.forwarders[url]; ok {
		return f, nil
	}
	cfg := p.template
	cfg.URL = url
	f, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p.forwarders[url] = f
	return f, nil
}

// Handler forwards each request to the endpoint endpoint() names at the time of the call.
func (p *Pool) Handler(endpoint func() string) engine.Handler {
	return func(c *engine.Context) {
		f, err := p.Get(c.Context, endpoint())
		if err != nil {
			c.Fail(err, "failed to connect to network")
			return
		}
		f.Handler()(c)
	}
}

// Close closes every forwarder dialed so far.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, f := range p.forwarders {
		f.Close()
		delete(p.forwarders, url)
	}
}
