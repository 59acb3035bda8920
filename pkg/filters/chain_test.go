package filters_test

import (
	"context"
	"math/big"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeChain is an in-memory chain whose head the test moves by hand.
type fakeChain struct {
	mu       sync.Mutex
	head     uint64
	logs     []types.Log
	txs      map[uint64][]common.Hash
	queries  []ethereum.FilterQuery
	logsErr  error
	headErr  error
	headerFn func(n uint64) error
}

func newFakeChain(head uint64) *fakeChain {
	return &fakeChain{head: head, txs: make(map[uint64][]common.Hash)}
}

func (c *fakeChain) setHead(head uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = head
}

func (c *fakeChain) addLog(l types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, l)
}

func (c *fakeChain) failLogs(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logsErr = err
}

func (c *fakeChain) logQueries() []ethereum.FilterQuery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.queries)
}

func (c *fakeChain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headErr != nil {
		return 0, c.headErr
	}
	return c.head, nil
}

func (c *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)
	if c.logsErr != nil {
		return nil, c.logsErr
	}

	var matched []types.Log
	for _, l := range c.logs {
		if q.BlockHash != nil {
			if l.BlockHash == *q.BlockHash {
				matched = append(matched, l)
			}
			continue
		}
		if l.BlockNumber < q.FromBlock.Uint64() || l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !slices.Contains(q.Addresses, l.Address) {
			continue
		}
		matched = append(matched, l)
	}
	return matched, nil
}

func (c *fakeChain) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	fn := c.headerFn
	c.mu.Unlock()
	if fn != nil {
		if err := fn(number.Uint64()); err != nil {
			return nil, err
		}
	}
	return blockHeader(number.Uint64()), nil
}

func (c *fakeChain) BlockTransactions(_ context.Context, number uint64) ([]common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.txs[number]), nil
}

func blockHeader(n uint64) *types.Header {
	return &types.Header{
		Number:     new(big.Int).SetUint64(n),
		Difficulty: big.NewInt(0),
		GasLimit:   30_000_000,
		Time:       1_700_000_000 + n*12,
	}
}

// newLog returns a log that survives a JSON round trip.
func newLog(address common.Address, block uint64) types.Log {
	return types.Log{
		Address:     address,
		Topics:      []common.Hash{},
		Data:        []byte{},
		BlockNumber: block,
	}
}

func withIndex(l types.Log, index uint) types.Log {
	l.Index = index
	return l
}

func withBlockHash(l types.Log, hash common.Hash) types.Log {
	l.BlockHash = hash
	return l
}
