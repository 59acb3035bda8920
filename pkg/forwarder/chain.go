package forwarder

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"

	"github.com/miguelrdp/iron/pkg/jsonrpc"
)

// ChainClient is the typed view of an endpoint used by the filter polyfill. Every
// call goes through the forwarder's timeout, breaker and retry policy.
type ChainClient struct {
	f   *Forwarder
	eth *ethclient.Client
}

// Chain exposes typed queries sharing the forwarder's client and breaker.
func (f *Forwarder) Chain() *ChainClient {
	return &ChainClient{f: f, eth: ethclient.NewClient(f.client)}
}

func (c *ChainClient) ChainID(ctx context.Context) (uint64, error) {
	var chainID *big.Int
	err := c.f.execute(ctx, func(ctx context.Context) (err error) {
		chainID, err = c.eth.ChainID(ctx)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to fetch chain id")
	}
	return chainID.Uint64(), nil
}

func (c *ChainClient) BlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.f.execute(ctx, func(ctx context.Context) (err error) {
		head, err = c.eth.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to fetch block number")
	}
	return head, nil
}

func (c *ChainClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.f.execute(ctx, func(ctx context.Context) (err error) {
		logs, err = c.eth.FilterLogs(ctx, q)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch logs")
	}
	return logs, nil
}

func (c *ChainClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var header *types.Header
	err := c.f.execute(ctx, func(ctx context.Context) (err error) {
		header, err = c.eth.HeaderByNumber(ctx, number)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch header %v", number)
	}
	return header, nil
}

func (c *ChainClient) BlockTransactions(ctx context.Context, number uint64) ([]common.Hash, error) {
	var block *struct {
		Transactions []common.Hash `json:"transactions"`
	}
	err := c.f.execute(ctx, func(ctx context.Context) error {
		block = nil
		return c.f.client.CallContext(ctx, &block, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch block %d", number)
	}
	if block == nil {
		return nil, jsonrpc.Errorf(jsonrpc.CodeResourceNotFound, "block %d not found", number)
	}
	return block.Transactions, nil
}
