package wallet

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/miguelrdp/iron/pkg/jsonrpc"
	"github.com/miguelrdp/iron/pkg/log"
)

// Store persists the selected chain across restarts.
type Store interface {
	SelectedChain(ctx context.Context) (chainID uint64, ok bool, err error)
	SaveSelectedChain(ctx context.Context, chainID uint64) error
}

// Networks tracks the selected network. Listeners run after every effective switch.
type Networks struct {
	lg    log.Logger
	store Store

	mu        sync.RWMutex
	list      []Network
	current   Network
	listeners []func(Network)
}

// NewNetworks selects the network saved in store, or defaultName when nothing is
// saved or the saved chain is no longer configured. store may be nil.
func NewNetworks(ctx context.Context, list []Network, defaultName string, store Store, lg log.Logger) (*Networks, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("no networks configured")
	}
	n := &Networks{
		lg:    log.OrNoop(lg).WithName("networks"),
		store: store,
		list:  slices.Clone(list),
	}

	idx := slices.IndexFunc(n.list, func(nw Network) bool { return nw.Name == defaultName })
	if idx < 0 {
		return nil, fmt.Errorf("default network '%s' is not configured", defaultName)
	}
	n.current = n.list[idx]

	if store != nil {
		chainID, ok, err := store.SelectedChain(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load selected chain: %w", err)
		}
		if saved, found := n.ByChainID(chainID); ok && found {
			n.current = saved
		} else if ok {
			n.lg.Warn("saved chain is no longer configured", "chain_id", chainID)
		}
	}

	n.lg.Info("selected network", "name", n.current.Name, "chain_id", n.current.ChainID)
	return n, nil
}

// Current returns the selected network.
func (n *Networks) Current() Network {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.current
}

// List returns the enabled networks in configuration order.
func (n *Networks) List() []Network {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.list)
}

func (n *Networks) ByChainID(chainID uint64) (Network, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, nw := range n.list {
		if nw.ChainID == chainID {
			return nw, true
		}
	}
	return Network{}, false
}

// Switch selects the network with chainID. Unknown chains fail with code 4902.
// Switching to the current chain is a no-op and notifies nobody.
func (n *Networks) Switch(ctx context.Context, chainID uint64) (Network, error) {
	target, ok := n.ByChainID(chainID)
	if !ok {
		return Network{}, jsonrpc.Errorf(jsonrpc.CodeUnrecognizedChain, "unrecognized chain id %#x", chainID)
	}

	n.mu.Lock()
	if n.current.ChainID == chainID {
		n.mu.Unlock()
		return target, nil
	}
	if n.store != nil {
		if err := n.store.SaveSelectedChain(ctx, chainID); err != nil {
			n.mu.Unlock()
			return Network{}, fmt.Errorf("failed to save selected chain: %w", err)
		}
	}
	n.current = target
	listeners := slices.Clone(n.listeners)
	n.mu.Unlock()

	n.lg.Info("switched network", "name", target.Name, "chain_id", target.ChainID)
	for _, fn := range listeners {
		fn(target)
	}
	return target, nil
}

// OnChange registers fn to run after every successful switch.
func (n *Networks) OnChange(fn func(Network)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}
