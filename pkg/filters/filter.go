package filters

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Kind is what a filter or subscription watches. The values are the eth_subscribe names.
type Kind string

const (
	KindLogs                Kind = "logs"
	KindBlocks              Kind = "newHeads"
	KindPendingTransactions Kind = "newPendingTransactions"
)

// maxBlocksPerPoll bounds the per block upstream calls of one block or transaction poll.
// A poll that hits it moves the cursor only past the blocks it fetched.
const maxBlocksPerPoll = 256

type filter struct {
	id           string
	kind         Kind
	owner        string
	crit         Criteria
	subscription bool
	chain        Chain

	ctx    context.Context
	cancel context.CancelFunc
	idle   *time.Timer

	mu       sync.Mutex // serializes polls
	cursor   uint64
	consumed bool // a blockHash filter has returned its only block
}

// batch is the outcome of one poll. Only the field matching the filter kind is set.
type batch struct {
	logs    []types.Log
	headers []*types.Header
	hashes  []common.Hash
}

func (f *filter) stop() {
	f.cancel()
	if f.idle != nil {
		f.idle.Stop()
	}
}

// scope derives a context that ends when either ctx or the filter is done.
func (f *filter) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(f.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// poll fetches everything from the cursor up to the current head. The cursor is
// advanced only when every upstream call succeeded.
func (f *filter) poll(ctx context.Context) (batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.kind == KindLogs && f.crit.BlockHash != nil {
		return f.pollBlockHash(ctx)
	}

	head, err := f.chain.BlockNumber(ctx)
	if err != nil {
		return batch{}, err
	}
	if f.cursor > head {
		return emptyBatch(f.kind), nil
	}

	switch f.kind {
	case KindLogs:
		return f.pollLogs(ctx, head)
	case KindBlocks:
		return f.pollHeaders(ctx, head)
	default:
		return f.pollTransactions(ctx, head)
	}
}

func (f *filter) pollLogs(ctx context.Context, head uint64) (batch, error) {
	to := head
	if n, ok := fixedBlock(f.crit.ToBlock); ok && n < to {
		to = n
	}
	if f.cursor > to {
		return emptyBatch(KindLogs), nil
	}

	logs, err := f.chain.FilterLogs(ctx, f.crit.query(f.cursor, to))
	if err != nil {
		return batch{}, err
	}
	f.cursor = head + 1
	return batch{logs: nonNilLogs(logs)}, nil
}

func (f *filter) pollBlockHash(ctx context.Context) (batch, error) {
	if f.consumed {
		return emptyBatch(KindLogs), nil
	}
	logs, err := f.chain.FilterLogs(ctx, f.crit.query(0, 0))
	if err != nil {
		return batch{}, err
	}
	f.consumed = true
	return batch{logs: nonNilLogs(logs)}, nil
}

func (f *filter) pollHeaders(ctx context.Context, head uint64) (batch, error) {
	last := min(head, f.cursor+maxBlocksPerPoll-1)
	headers := make([]*types.Header, 0, last-f.cursor+1)
	for n := f.cursor; n <= last; n++ {
		header, err := f.chain.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return batch{}, err
		}
		headers = append(headers, header)
	}
	f.cursor = last + 1
	return batch{headers: headers}, nil
}

func (f *filter) pollTransactions(ctx context.Context, head uint64) (batch, error) {
	last := min(head, f.cursor+maxBlocksPerPoll-1)
	hashes := []common.Hash{}
	for n := f.cursor; n <= last; n++ {
		txs, err := f.chain.BlockTransactions(ctx, n)
		if err != nil {
			return batch{}, err
		}
		hashes = append(hashes, txs...)
	}
	f.cursor = last + 1
	return batch{hashes: hashes}, nil
}

// changes renders a batch the way eth_getFilterChanges returns it.
func (b batch) changes(kind Kind) any {
	switch kind {
	case KindLogs:
		return b.logs
	case KindBlocks:
		hashes := make([]common.Hash, 0, len(b.headers))
		for _, h := range b.headers {
			hashes = append(hashes, h.Hash())
		}
		return hashes
	default:
		return b.hashes
	}
}

// items splits a batch into eth_subscription results.
func (b batch) items(kind Kind) []any {
	var items []any
	switch kind {
	case KindLogs:
		for i := range b.logs {
			items = append(items, &b.logs[i])
		}
	case KindBlocks:
		for _, h := range b.headers {
			items = append(items, h)
		}
	default:
		for _, h := range b.hashes {
			items = append(items, h)
		}
	}
	return items
}

func emptyBatch(kind Kind) batch {
	switch kind {
	case KindLogs:
		return batch{logs: []types.Log{}}
	case KindBlocks:
		return batch{headers: []*types.Header{}}
	default:
		return batch{hashes: []common.Hash{}}
	}
}

func nonNilLogs(logs []types.Log) []types.Log {
	if logs == nil {
		return []types.Log{}
	}
	return logs
}
