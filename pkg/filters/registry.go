package filters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/miguelrdp/iron/pkg/jsonrpc"
	"github.com/miguelrdp/iron/pkg/log"
)

const (
	DefaultPollInterval = 4 * time.Second
	DefaultIdleTimeout  = 5 * time.Minute
)

var ErrClosed = errors.New("filter registry closed")

// Chain is the upstream view the filters poll.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	// BlockTransactions returns the hashes of the transactions included in a block.
	BlockTransactions(ctx context.Context, number uint64) ([]common.Hash, error)
}

// NotifyFunc delivers a notification to the session owning a subscription.
type NotifyFunc func(method string, params any) error

type Config struct {
	Logger       log.Logger
	PollInterval time.Duration
	IdleTimeout  time.Duration
}

type Registry struct {
	cfg Config
	lg  log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	chain   Chain
	filters map[string]*filter
	lastID  uint64
	closed  bool
}

// NewRegistry creates an empty registry polling chain.
func NewRegistry(chain Chain, cfg Config) *Registry {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:     cfg,
		lg:      log.OrNoop(cfg.Logger).WithName("filters"),
		ctx:     ctx,
		cancel:  cancel,
		chain:   chain,
		filters: make(map[string]*filter),
	}
}

// NewLogFilter installs a log filter. A numeric fromBlock starts the cursor there;
// otherwise the filter only reports blocks mined after installation.
func (r *Registry) NewLogFilter(ctx context.Context, owner string, crit Criteria) (string, error) {
	f, err := r.newFilter(ctx, owner, KindLogs, crit)
	if err != nil {
		return "", err
	}
	return r.install(f, false)
}

// NewBlockFilter installs a filter reporting the hashes of new blocks.
func (r *Registry) NewBlockFilter(ctx context.Context, owner string) (string, error) {
	f, err := r.newFilter(ctx, owner, KindBlocks, Criteria{})
	if err != nil {
		return "", err
	}
	return r.install(f, false)
}

// NewPendingTransactionFilter installs a filter reporting transaction hashes. Nodes
// behind a plain endpoint do not expose their mempool, so hashes are reported once
// the transactions are mined.
func (r *Registry) NewPendingTransactionFilter(ctx context.Context, owner string) (string, error) {
	f, err := r.newFilter(ctx, owner, KindPendingTransactions, Criteria{})
	if err != nil {
		return "", err
	}
	return r.install(f, false)
}

// Changes polls a filter. Log filters return []types.Log, block and transaction
// filters return []common.Hash. An upstream failure leaves the filter untouched.
func (r *Registry) Changes(ctx context.Context, owner, id string) (any, error) {
	f, err := r.lookup(owner, id, false)
	if err != nil {
		return nil, err
	}
	f.idle.Reset(r.cfg.IdleTimeout)

	ctx, cancel := f.scope(ctx)
	defer cancel()

	b, err := f.poll(ctx)
	if err != nil {
		if f.ctx.Err() != nil {
			return nil, jsonrpc.ErrFilterNotFound
		}
		return nil, err
	}
	return b.changes(f.kind), nil
}

// Logs returns every log matching a log filter's criteria without moving its cursor.
func (r *Registry) Logs(ctx context.Context, owner, id string) ([]types.Log, error) {
	f, err := r.lookup(owner, id, false)
	if err != nil {
		return nil, err
	}
	if f.kind != KindLogs {
		return nil, jsonrpc.ErrFilterNotFound
	}
	f.idle.Reset(r.cfg.IdleTimeout)

	ctx, cancel := f.scope(ctx)
	defer cancel()

	var from, to uint64
	if f.crit.BlockHash == nil {
		head, err := f.chain.BlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		from, to = resolveBlock(f.crit.FromBlock, head), resolveBlock(f.crit.ToBlock, head)
		if from > to {
			return []types.Log{}, nil
		}
	}

	logs, err := f.chain.FilterLogs(ctx, f.crit.query(from, to))
	if err != nil {
		if f.ctx.Err() != nil {
			return nil, jsonrpc.ErrFilterNotFound
		}
		return nil, err
	}
	return nonNilLogs(logs), nil
}

// Uninstall removes a filter. It returns jsonrpc.ErrFilterNotFound when the id is unknown.
func (r *Registry) Uninstall(owner, id string) error {
	return r.removeOwned(owner, id, false)
}

// Subscribe starts a polled subscription that pushes eth_subscription notifications
// through notify until it is unsubscribed or its owner goes away.
func (r *Registry) Subscribe(ctx context.Context, owner string, notify NotifyFunc, kind Kind, crit Criteria) (string, error) {
	switch kind {
	case KindLogs, KindBlocks, KindPendingTransactions:
	default:
		return "", jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "unsupported subscription type %q", kind)
	}
	if notify == nil {
		return "", jsonrpc.NewError(jsonrpc.CodeUnsupportedMethod, "notifications not supported")
	}
	if kind == KindLogs {
		// Subscriptions follow the chain head regardless of the requested range.
		crit.FromBlock, crit.ToBlock, crit.BlockHash = nil, nil, nil
	}

	f, err := r.newFilter(ctx, owner, kind, crit)
	if err != nil {
		return "", err
	}
	id, err := r.install(f, true)
	if err != nil {
		return "", err
	}

	r.wg.Add(1)
	go r.runSubscription(f, notify)
	return id, nil
}

// Unsubscribe stops the subscription id held by owner.
func (r *Registry) Unsubscribe(owner, id string) error {
	return r.removeOwned(owner, id, true)
}

// RemoveOwner drops every filter and subscription of a session and reports how many went.
func (r *Registry) RemoveOwner(owner string) int {
	r.mu.Lock()
	var removed []*filter
	for id, f := range r.filters {
		if f.owner == owner {
			delete(r.filters, id)
			removed = append(removed, f)
		}
	}
	r.mu.Unlock()

	for _, f := range removed {
		f.stop()
	}
	if len(removed) > 0 {
		r.lg.Debug("removed session filters", "owner", owner, "count", len(removed))
	}
	return len(removed)
}

// Reset drops every filter and polls chain from now on. It is called on network switches.
func (r *Registry) Reset(chain Chain) {
	r.mu.Lock()
	removed := r.filters
	r.filters = make(map[string]*filter)
	if chain != nil {
		r.chain = chain
	}
	r.mu.Unlock()

	for _, f := range removed {
		f.stop()
	}
	r.lg.Info("filters reset", "count", len(removed))
}

// Count reports the installed filters and subscriptions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.filters)
}

// Close stops every filter and waits for subscription goroutines to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	removed := r.filters
	r.filters = make(map[string]*filter)
	r.mu.Unlock()

	r.cancel()
	for _, f := range removed {
		f.stop()
	}
	r.wg.Wait()
}

func (r *Registry) newFilter(ctx context.Context, owner string, kind Kind, crit Criteria) (*filter, error) {
	r.mu.Lock()
	chain := r.chain
	r.mu.Unlock()

	f := &filter{kind: kind, owner: owner, crit: crit, chain: chain}
	if n, ok := fixedBlock(crit.FromBlock); ok && kind == KindLogs {
		f.cursor = n
		return f, nil
	}
	if kind == KindLogs && crit.BlockHash != nil {
		return f, nil
	}

	head, err := chain.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	f.cursor = head + 1
	return f, nil
}

// install assigns the next id and registers f.
func (r *Registry) install(f *filter, subscription bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrClosed
	}

	r.lastID++
	f.id = hexutil.EncodeUint64(r.lastID)
	f.subscription = subscription
	f.ctx, f.cancel = context.WithCancel(r.ctx)
	if !subscription {
		id := f.id
		f.idle = time.AfterFunc(r.cfg.IdleTimeout, func() { r.evict(id) })
	}
	r.filters[f.id] = f

	r.lg.Debug("filter installed", "id", f.id, "kind", f.kind, "owner", f.owner, "cursor", f.cursor)
	return f.id, nil
}

func (r *Registry) lookup(owner, id string, subscription bool) (*filter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.filters[id]
	if !ok || f.owner != owner || f.subscription != subscription {
		return nil, jsonrpc.ErrFilterNotFound
	}
	return f, nil
}

func (r *Registry) removeOwned(owner, id string, subscription bool) error {
	r.mu.Lock()
	f, ok := r.filters[id]
	if !ok || f.owner != owner || f.subscription != subscription {
		r.mu.Unlock()
		return jsonrpc.ErrFilterNotFound
	}
	delete(r.filters, id)
	r.mu.Unlock()

	f.stop()
	r.lg.Debug("filter uninstalled", "id", id, "owner", owner)
	return nil
}

func (r *Registry) evict(id string) {
	r.mu.Lock()
	f, ok := r.filters[id]
	if ok {
		delete(r.filters, id)
	}
	r.mu.Unlock()

	if ok {
		f.stop()
		r.lg.Info("evicted idle filter", "id", id, "owner", f.owner, "idle_timeout", r.cfg.IdleTimeout)
	}
}

func (r *Registry) runSubscription(f *filter, notify NotifyFunc) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
		}

		b, err := f.poll(f.ctx)
		if err != nil {
			if f.ctx.Err() != nil {
				return
			}
			r.lg.Warn("subscription poll failed", "id", f.id, "kind", f.kind, "error", err)
			continue
		}

		for _, item := range b.items(f.kind) {
			if err := r.publish(f, notify, item); err != nil {
				r.lg.Debug("dropping subscription after failed delivery", "id", f.id, "error", err)
				_ = r.removeOwned(f.owner, f.id, true)
				return
			}
		}
	}
}

func (r *Registry) publish(f *filter, notify NotifyFunc, item any) error {
	if f.ctx.Err() != nil {
		return nil
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode subscription result: %w", err)
	}
	return notify("eth_subscription", jsonrpc.SubscriptionParams{Subscription: f.id, Result: raw})
}
