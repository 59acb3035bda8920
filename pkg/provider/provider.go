package provider

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miguelrdp/iron/pkg/jsonrpc"
	"github.com/miguelrdp/iron/pkg/log"
)

// Stream is the part of a mux stream the provider needs.
type Stream interface {
	Send(ctx context.Context, payload []byte) error
	Messages() <-chan []byte
}

type Config struct {
	Logger log.Logger
	// RequestTimeout bounds every Request in addition to the caller's context. Zero disables it.
	RequestTimeout time.Duration
	// MaxPending bounds outstanding requests on the stream.
	MaxPending int
}

const DefaultMaxPending = 256

type pendingEntry struct {
	method    string
	createdAt time.Time
	sink      chan jsonrpc.Response
}

type Provider struct {
	stream Stream
	cfg    Config
	lg     log.Logger
	nextID atomic.Uint64

	mu           sync.Mutex
	pending      map[uint64]*pendingEntry
	closed       bool
	roundTripped bool
	connected    bool
	chainID      string
	accounts     []string

	listeners *listenerSet
	events    *eventQueue
	done      chan struct{}
}

// New binds a provider to stream and starts dispatching its messages.
func New(stream Stream, cfg Config) *Provider {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}

	p := &Provider{
		stream:    stream,
		cfg:       cfg,
		lg:        log.OrNoop(cfg.Logger).WithName("provider"),
		pending:   make(map[uint64]*pendingEntry),
		listeners: newListenerSet(),
		events:    newEventQueue(),
		done:      make(chan struct{}),
	}
	go p.readLoop()
	go p.eventLoop()
	return p
}

// Init fetches the chain id and accounts, which also completes the first round trip.
func (p *Provider) Init(ctx context.Context) error {
	if _, err := p.Request(ctx, "eth_chainId", nil); err != nil {
		return err
	}
	_, err := p.Request(ctx, "eth_accounts", nil)
	return err
}

// Request sends method with params and waits for its result.
// Errors are always *jsonrpc.Error values.
func (p *Provider) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	resp, err := p.roundTrip(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// SendAsync is the legacy callback API. The response handed to callback carries the caller's id.
func (p *Provider) SendAsync(ctx context.Context, req jsonrpc.Request, callback func(err error, resp *jsonrpc.Response)) {
	go func() {
		resp := &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID}

		result, err := p.Request(ctx, req.Method, req.Params)
		if err != nil {
			rpcErr, ok := jsonrpc.AsError(err)
			if !ok {
				rpcErr = jsonrpc.NewError(jsonrpc.CodeInternal, err.Error())
			}
			resp.Error = rpcErr
			callback(rpcErr, resp)
			return
		}

		resp.Result = result
		callback(nil, resp)
	}()
}

func (p *Provider) roundTrip(ctx context.Context, method string, params any) (jsonrpc.Response, error) {
	id := p.nextID.Add(1)
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return jsonrpc.Response{}, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "invalid params: %v", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return jsonrpc.Response{}, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "invalid params: %v", err)
	}

	entry := &pendingEntry{method: method, createdAt: time.Now(), sink: make(chan jsonrpc.Response, 1)}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return jsonrpc.Response{}, jsonrpc.ErrDisconnected
	}
	if len(p.pending) >= p.cfg.MaxPending {
		p.mu.Unlock()
		return jsonrpc.Response{}, jsonrpc.Errorf(jsonrpc.CodeLimitExceeded, "too many pending requests")
	}
	p.pending[id] = entry
	p.mu.Unlock()

	if p.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()
	}

	if err := p.stream.Send(ctx, data); err != nil {
		if p.forget(id) {
			return jsonrpc.Response{}, jsonrpc.Errorf(jsonrpc.CodeDisconnected, "failed to send request: %v", err)
		}
		return <-entry.sink, nil
	}

	select {
	case resp := <-entry.sink:
		return resp, nil
	case <-ctx.Done():
		if p.forget(id) {
			p.lg.Debug("request abandoned", "id", id, "method", method, "error", ctx.Err())
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return jsonrpc.Response{}, jsonrpc.Errorf(jsonrpc.CodeResourceUnavailable, "request timed out: %s", method)
			}
			return jsonrpc.Response{}, jsonrpc.Errorf(jsonrpc.CodeInternal, "request cancelled: %s", method)
		}
		// Resolved concurrently; the sink already holds the answer.
		return <-entry.sink, nil
	}
}

// forget removes a pending entry and reports whether the caller still owned it.
func (p *Provider) forget(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[id]; !ok {
		return false
	}
	delete(p.pending, id)
	return true
}

func (p *Provider) readLoop() {
	for data := range p.stream.Messages() {
		p.dispatch(data)
	}
	p.shutdown()
}

func (p *Provider) dispatch(data []byte) {
	msg, err := jsonrpc.Decode(data)
	if err != nil {
		p.lg.Warn("dropping malformed message", "error", err)
		return
	}

	switch msg.Kind() {
	case jsonrpc.KindResponse:
		p.resolve(msg.Response())
	case jsonrpc.KindNotification:
		p.handleNotification(msg.Notification())
	case jsonrpc.KindRequest:
		p.lg.Warn("dropping unexpected request", "method", msg.Method)
	default:
		p.lg.Warn("dropping malformed message: missing id or result")
	}
}

func (p *Provider) resolve(resp jsonrpc.Response) {
	id, ok := jsonrpc.Uint64ID(resp.ID)
	if !ok {
		p.lg.Warn("dropping response with foreign id", "id", string(resp.ID))
		return
	}

	p.mu.Lock()
	entry, ok := p.pending[id]
	if !ok {
		p.mu.Unlock()
		p.lg.Debug("dropping unmatched response", "id", id)
		return
	}
	delete(p.pending, id)
	var info ConnectInfo
	var connect bool
	if resp.Error == nil {
		p.absorbResult(entry.method, resp.Result)
		p.roundTripped = true
		info, connect = p.markConnected()
	}
	p.mu.Unlock()

	p.lg.Debug("request resolved", "id", id, "method", entry.method, "duration", time.Since(entry.createdAt))
	entry.sink <- resp
	if connect {
		p.events.push(EventConnect, info)
	}
}

// markConnected flips the provider to connected once a round trip succeeded and the
// chain id is known, and reports whether connect must be emitted. Caller holds p.mu.
func (p *Provider) markConnected() (ConnectInfo, bool) {
	if p.connected || !p.roundTripped || p.chainID == "" {
		return ConnectInfo{}, false
	}
	p.connected = true
	return ConnectInfo{ChainID: p.chainID}, true
}

// absorbResult caches state carried by well known results. Caller holds p.mu.
func (p *Provider) absorbResult(method string, result json.RawMessage) {
	switch method {
	case "eth_chainId":
		var chainID string
		if json.Unmarshal(result, &chainID) == nil {
			p.chainID = chainID
		}
	case "eth_accounts", "eth_requestAccounts":
		var accounts []string
		if json.Unmarshal(result, &accounts) == nil {
			p.accounts = accounts
		}
	}
}

func (p *Provider) handleNotification(n jsonrpc.Notification) {
	switch n.Method {
	case "chainChanged":
		chainID, ok := parseChainID(n.Params)
		if !ok {
			p.lg.Warn("dropping malformed chainChanged", "params", string(n.Params))
			return
		}
		p.mu.Lock()
		p.chainID = chainID
		info, connect := p.markConnected()
		p.mu.Unlock()
		if connect {
			p.events.push(EventConnect, info)
		}
		p.events.push(EventChainChanged, chainID)

	case "accountsChanged":
		var accounts []string
		if err := json.Unmarshal(n.Params, &accounts); err != nil {
			p.lg.Warn("dropping malformed accountsChanged", "error", err)
			return
		}
		p.mu.Lock()
		p.accounts = accounts
		p.mu.Unlock()
		p.events.push(EventAccountsChanged, accounts)

	default:
		p.events.push(EventMessage, Message{Type: n.Method, Data: n.Params})
	}
}

// parseChainID accepts both "0x1" and {"chainId": "0x1", ...}.
func parseChainID(params json.RawMessage) (string, bool) {
	var chainID string
	if err := json.Unmarshal(params, &chainID); err == nil && chainID != "" {
		return chainID, true
	}
	var obj struct {
		ChainID string `json:"chainId"`
	}
	if err := json.Unmarshal(params, &obj); err == nil && obj.ChainID != "" {
		return obj.ChainID, true
	}
	return "", false
}

func (p *Provider) shutdown() {
	p.mu.Lock()
	p.closed = true
	pending := p.pending
	p.pending = make(map[uint64]*pendingEntry)
	p.mu.Unlock()

	for id, entry := range pending {
		entry.sink <- jsonrpc.NewErrorResponse(jsonrpc.IDFromUint64(id), jsonrpc.ErrDisconnected)
	}
	p.lg.Info("stream disconnected", "rejected", len(pending))
	p.events.push(EventDisconnect, jsonrpc.ErrDisconnected)
	p.events.close()
}

// eventLoop runs listeners in arrival order, off the read goroutine, so a listener
// may itself call Request. It closes done after the disconnect event was delivered.
func (p *Provider) eventLoop() {
	defer close(p.done)
	for {
		batch, ok := p.events.next()
		if !ok {
			return
		}
		for _, ev := range batch {
			p.listeners.emit(p.lg, ev.event, ev.payload)
		}
	}
}

// Done is closed after the provider has processed its stream's disconnection and
// delivered the disconnect event.
func (p *Provider) Done() <-chan struct{} { return p.done }

// IsConnected reports whether a round trip completed and the stream is still up.
func (p *Provider) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected && !p.closed
}

// ChainID returns the last chain id seen, as a hex string, or "" before any.
func (p *Provider) ChainID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chainID
}

// Accounts returns a copy of the last account list seen.
func (p *Provider) Accounts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.accounts...)
}

// Pending returns the number of unresolved requests.
func (p *Provider) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// On registers listener for event. Listeners run on the provider's event
// goroutine in arrival order and may call Request.
func (p *Provider) On(event Event, listener Listener) ListenerID {
	return p.listeners.add(event, listener)
}

// RemoveListener reports whether id was registered for event.
func (p *Provider) RemoveListener(event Event, id ListenerID) bool {
	return p.listeners.remove(event, id)
}
