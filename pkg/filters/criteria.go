package filters

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

const maxTopics = 4

// Criteria is the filter object accepted by eth_newFilter and eth_subscribe("logs").
type Criteria struct {
	BlockHash *common.Hash
	FromBlock *rpc.BlockNumber
	ToBlock   *rpc.BlockNumber
	Addresses []common.Address
	Topics    [][]common.Hash
}

func (c *Criteria) UnmarshalJSON(data []byte) error {
	var raw struct {
		BlockHash *common.Hash      `json:"blockHash"`
		FromBlock *rpc.BlockNumber  `json:"fromBlock"`
		ToBlock   *rpc.BlockNumber  `json:"toBlock"`
		Address   json.RawMessage   `json:"address"`
		Topics    []json.RawMessage `json:"topics"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.BlockHash != nil && (raw.FromBlock != nil || raw.ToBlock != nil) {
		return errors.New("cannot specify both blockHash and fromBlock/toBlock")
	}
	if raw.FromBlock != nil && raw.ToBlock != nil {
		from, fromOK := fixedBlock(raw.FromBlock)
		to, toOK := fixedBlock(raw.ToBlock)
		if fromOK && toOK && from > to {
			return fmt.Errorf("invalid block range: fromBlock %d is after toBlock %d", from, to)
		}
	}

	addresses, err := parseAddresses(raw.Address)
	if err != nil {
		return err
	}
	topics, err := parseTopics(raw.Topics)
	if err != nil {
		return err
	}

	*c = Criteria{
		BlockHash: raw.BlockHash,
		FromBlock: raw.FromBlock,
		ToBlock:   raw.ToBlock,
		Addresses: addresses,
		Topics:    topics,
	}
	return nil
}

func (c Criteria) query(from, to uint64) ethereum.FilterQuery {
	if c.BlockHash != nil {
		return ethereum.FilterQuery{BlockHash: c.BlockHash, Addresses: c.Addresses, Topics: c.Topics}
	}
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: c.Addresses,
		Topics:    c.Topics,
	}
}

// fixedBlock returns the height a block parameter pins, if any. Tags other than
// earliest move with the chain and are not fixed.
func fixedBlock(bn *rpc.BlockNumber) (uint64, bool) {
	if bn == nil {
		return 0, false
	}
	if *bn == rpc.EarliestBlockNumber {
		return 0, true
	}
	if *bn >= 0 {
		return uint64(*bn), true
	}
	return 0, false
}

// resolveBlock maps a block parameter to a height. latest, pending, safe and
// finalized are all approximated by head.
func resolveBlock(bn *rpc.BlockNumber, head uint64) uint64 {
	if n, ok := fixedBlock(bn); ok {
		return n
	}
	return head
}

func parseAddresses(raw json.RawMessage) ([]common.Address, error) {
	if isNull(raw) {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		addr, err := parseAddress(single)
		if err != nil {
			return nil, err
		}
		return []common.Address{addr}, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, errors.New("address must be a string or an array of strings")
	}
	addresses := make([]common.Address, 0, len(list))
	for _, s := range list {
		addr, err := parseAddress(s)
		if err != nil {
			return nil, err
		}
		addresses = append(addresses, addr)
	}
	return addresses, nil
}

// parseAddress accepts 0x prefixed hex of at most 20 bytes. Shorter values are left padded.
func parseAddress(s string) (common.Address, error) {
	digits, ok := strings.CutPrefix(strings.ToLower(s), "0x")
	if !ok || len(digits) == 0 || len(digits) > 2*common.AddressLength {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	for _, r := range digits {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return common.Address{}, fmt.Errorf("invalid address %q", s)
		}
	}
	return common.HexToAddress(digits), nil
}

func parseTopics(raw []json.RawMessage) ([][]common.Hash, error) {
	if len(raw) > maxTopics {
		return nil, fmt.Errorf("too many topics: %d, at most %d allowed", len(raw), maxTopics)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	topics := make([][]common.Hash, len(raw))
	for i, position := range raw {
		if isNull(position) {
			continue
		}

		var single common.Hash
		if err := json.Unmarshal(position, &single); err == nil {
			topics[i] = []common.Hash{single}
			continue
		}

		var alternatives []*common.Hash
		if err := json.Unmarshal(position, &alternatives); err != nil {
			return nil, fmt.Errorf("invalid topic at position %d", i)
		}
		for _, h := range alternatives {
			// A null alternative matches anything.
			if h == nil {
				topics[i] = nil
				break
			}
			topics[i] = append(topics[i], *h)
		}
	}
	return topics, nil
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
