// Package forwarder relays JSON-RPC requests to a network endpoint over HTTP or
// WebSocket, chosen by the endpoint URL scheme, and maps every failure to a
// *jsonrpc.Error.
package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	ipfslog "github.com/ipfs/go-log/v2"
	"github.com/layer-3/clearsync/pkg/debounce"
	"github.com/sony/gobreaker/v2"

	"github.com/miguelrdp/iron/pkg/engine"
	"github.com/miguelrdp/iron/pkg/jsonrpc"
	"github.com/miguelrdp/iron/pkg/log"
)

var retryLogger = ipfslog.Logger("forwarder")

const DefaultRequestTimeout = 30 * time.Second

// DefaultLocalPrefixes are namespaces answered by the wallet, never by the network.
var DefaultLocalPrefixes = []string{"wallet_", "metamask_"}

type Config struct {
	URL            string
	Logger         log.Logger
	RequestTimeout time.Duration
	Headers        http.Header
	// LocalPrefixes are passed down the chain instead of upstream.
	LocalPrefixes []string

	// BreakerMaxFailures opens a circuit after that many consecutive transport
	// failures. Zero disables the breaker.
	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
	// RetryRateLimited retries calls rejected with HTTP 429.
	RetryRateLimited bool
}

type Forwarder struct {
	cfg     Config
	lg      log.Logger
	client  *rpc.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// Dial connects to cfg.URL. HTTP endpoints are dialed lazily; WebSocket endpoints
// connect before Dial returns.
func Dial(ctx context.Context, cfg Config) (*Forwarder, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.LocalPrefixes == nil {
		cfg.LocalPrefixes = DefaultLocalPrefixes
	}

	var opts []rpc.ClientOption
	if len(cfg.Headers) > 0 {
		opts = append(opts, rpc.WithHeaders(cfg.Headers))
	}
	client, err := rpc.DialOptions(ctx, cfg.URL, opts...)
	if err != nil {
		return nil, mapError(err)
	}

	lg := log.OrNoop(cfg.Logger).WithName("forwarder").WithKV("endpoint", u.Host)
	return newForwarder(cfg, lg, client), nil
}

func newForwarder(cfg Config, lg log.Logger, client *rpc.Client) *Forwarder {
	f := &Forwarder{cfg: cfg, lg: lg, client: client}
	if cfg.BreakerMaxFailures > 0 {
		f.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        cfg.URL,
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				lg.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
			},
			IsSuccessful: func(err error) bool {
				return err == nil || isRemoteError(err)
			},
		})
	}
	return f
}

func (f *Forwarder) URL() string { return f.cfg.URL }

// Close releases the underlying rpc client.
func (f *Forwarder) Close() {
	f.client.Close()
}

// Forward sends req upstream and returns the raw result. Object params cannot be
// relayed and are rejected with -32602.
func (f *Forwarder) Forward(ctx context.Context, req jsonrpc.Request) (json.RawMessage, error) {
	params, err := req.PositionalParams()
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid params: only positional params are forwarded")
	}
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p
	}

	var result json.RawMessage
	err = f.execute(ctx, func(ctx context.Context) error {
		result = nil
		return f.client.CallContext(ctx, &result, req.Method, args...)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// execute runs call with the request timeout, breaker and retry policy applied.
// Returned errors are always *jsonrpc.Error.
func (f *Forwarder) execute(ctx context.Context, call func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	attempt := call
	if f.cfg.RetryRateLimited {
		attempt = func(ctx context.Context) error {
			return debounce.Debounce(ctx, retryLogger, call)
		}
	}

	var err error
	if f.breaker != nil {
		_, err = f.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, attempt(ctx)
		})
	} else {
		err = attempt(ctx)
	}
	if err == nil {
		return nil
	}

	mapped := mapError(err)
	if !isRemoteError(err) {
		f.lg.Warn("upstream call failed", "error", err, "code", mapped.Code)
	}
	return mapped
}

func (f *Forwarder) isLocal(method string) bool {
	for _, prefix := range f.cfg.LocalPrefixes {
		if strings.HasPrefix(method, prefix) {
			return true
		}
	}
	return false
}

// Handler is the terminal middleware. Methods in a local namespace are passed on
// and end up as "method not supported".
func (f *Forwarder) Handler() engine.Handler {
	return func(c *engine.Context) {
		if f.isLocal(c.Request.Method) {
			c.Next()
			return
		}
		result, err := f.Forward(c.Context, c.Request)
		if err != nil {
			c.Fail(err, "upstream request failed")
			return
		}
		c.Succeed(result)
	}
}
