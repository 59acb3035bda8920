package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/miguelrdp/iron/pkg/engine"
	"github.com/miguelrdp/iron/pkg/filters"
	"github.com/miguelrdp/iron/pkg/forwarder"
	"github.com/miguelrdp/iron/pkg/log"
	"github.com/miguelrdp/iron/pkg/sign"
	"github.com/miguelrdp/iron/pkg/wallet"
)

// App is the assembled background side: wallet state, the middleware
// pipeline and the host serving it.
type App struct {
	Networks *wallet.Networks
	Accounts *wallet.Accounts
	Wallet   *wallet.Wallet
	Filters  *filters.Registry
	Pool     *forwarder.Pool
	Engine   *engine.Engine
	Host     *Host
	Metrics  *Metrics
}

// NewApp wires the pipeline in the order requests travel through it:
// recovery, tracing, logging, metrics, validation, rate limiting, wallet,
// filters and finally the upstream endpoint of the selected network.
func NewApp(ctx context.Context, cfg *Config, store wallet.Store, metrics *Metrics, logger log.Logger) (*App, error) {
	lg := log.OrNoop(logger)

	var signer sign.Signer
	if cfg.PrivateKey != "" {
		s, err := sign.NewEthereumSigner(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialise signer: %w", err)
		}
		signer = s
		lg.Info("wallet unlocked", "address", s.Address().Hex())
	}

	networks, err := wallet.NewNetworks(ctx, cfg.Networks, cfg.Network, store, lg)
	if err != nil {
		return nil, err
	}
	accounts := wallet.NewAccounts(signer)
	w := wallet.New(networks, accounts)

	pool := forwarder.NewPool(forwarder.Config{
		Logger:             lg,
		RequestTimeout:     cfg.RequestTimeout,
		BreakerMaxFailures: cfg.BreakerMaxFailures,
		BreakerTimeout:     cfg.BreakerTimeout,
		RetryRateLimited:   cfg.RetryRateLimited,
	})
	registry := filters.NewRegistry(&networkChain{pool: pool, networks: networks}, filters.Config{
		Logger:       lg,
		PollInterval: cfg.FilterPollInterval,
		IdleTimeout:  cfg.FilterIdleTimeout,
	})

	handlers := []engine.Handler{
		engine.Recover(lg),
		engine.Tracing(otel.Tracer("iron")),
		engine.Logging(lg),
		metrics.Middleware(),
		engine.Validate(),
	}
	if cfg.RateLimit > 0 {
		handlers = append(handlers, engine.RateLimit(rate.Limit(cfg.RateLimit), cfg.RateBurst))
	}
	handlers = append(handlers,
		w.Middleware(),
		registry.Middleware(),
		pool.Handler(func() string { return networks.Current().RPCURL }),
	)
	eng := engine.New(engine.Config{Logger: lg}, handlers...)

	host := NewHost(eng, HostConfig{
		Logger:         lg,
		Metrics:        metrics,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxInFlight:    cfg.MaxInFlight,
	})

	app := &App{
		Networks: networks,
		Accounts: accounts,
		Wallet:   w,
		Filters:  registry,
		Pool:     pool,
		Engine:   eng,
		Host:     host,
		Metrics:  metrics,
	}

	host.OnSessionClosed(func(sessionID string) { registry.RemoveOwner(sessionID) })
	networks.OnChange(func(nw wallet.Network) {
		metrics.NetworkSwitches.WithLabelValues(nw.Name).Inc()
		registry.Reset(nil)
		host.Hub().Broadcast("chainChanged", nw.ChainIDHex())
	})
	accounts.OnChange(func(addrs []common.Address) {
		host.Hub().Broadcast("accountsChanged", addrs)
	})
	metrics.RegisterFilterGauge(registry.Count)

	return app, nil
}

// ErrChainIDMismatch is returned by VerifyEndpoint when the endpoint serves a
// different chain than the one configured for the network.
var ErrChainIDMismatch = errors.New("endpoint chain id mismatch")

// VerifyEndpoint compares the chain id reported by the selected network's
// endpoint with the configured one.
func (a *App) VerifyEndpoint(ctx context.Context) error {
	nw := a.Networks.Current()
	f, err := a.Pool.Get(ctx, nw.RPCURL)
	if err != nil {
		return err
	}
	chainID, err := f.Chain().ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to query chain id of network '%s': %w", nw.Name, err)
	}
	if chainID != nw.ChainID {
		return fmt.Errorf("%w: network '%s' endpoint reports %d, expected %d", ErrChainIDMismatch, nw.Name, chainID, nw.ChainID)
	}
	return nil
}

// Close disconnects every page, drops all filters and closes the endpoints.
func (a *App) Close() {
	a.Host.Close()
	a.Filters.Close()
	a.Pool.Close()
}

// networkChain resolves the selected network's endpoint on every call, so
// filters follow network switches.
type networkChain struct {
	pool     *forwarder.Pool
	networks *wallet.Networks
}

func (n *networkChain) client(ctx context.Context) (*forwarder.ChainClient, error) {
	f, err := n.pool.Get(ctx, n.networks.Current().RPCURL)
	if err != nil {
		return nil, err
	}
	return f.Chain(), nil
}

func (n *networkChain) BlockNumber(ctx context.Context) (uint64, error) {
	c, err := n.client(ctx)
	if err != nil {
		return 0, err
	}
	return c.BlockNumber(ctx)
}

func (n *networkChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c, err := n.client(ctx)
	if err != nil {
		return nil, err
	}
	return c.FilterLogs(ctx, q)
}

func (n *networkChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c, err := n.client(ctx)
	if err != nil {
		return nil, err
	}
	return c.HeaderByNumber(ctx, number)
}

func (n *networkChain) BlockTransactions(ctx context.Context, number uint64) ([]common.Hash, error) {
	c, err := n.client(ctx)
	if err != nil {
		return nil, err
	}
	return c.BlockTransactions(ctx, number)
}
