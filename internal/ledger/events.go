package ledger

import (
	"errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrMarketAddressNotFound means no log in the receipt yields a market
// address, by either structured or raw decoding.
var ErrMarketAddressNotFound = errors.New("ledger: market address not found in receipt")

// MarketCreatedTopic is the keccak256 event id of MarketCreated.
func MarketCreatedTopic() common.Hash {
	return factoryABI.Events[marketCreatedEvent].ID
}

// MarketAddressFromReceipt extracts the created market's address. Structured
// decoding of MarketCreated is tried on every log first. If no log decodes,
// logs emitted by the factory are read raw: topic[1] when present, else the
// first data word.
func (c *Client) MarketAddressFromReceipt(receipt *types.Receipt) (common.Address, error) {
	if receipt == nil {
		return common.Address{}, ErrMarketAddressNotFound
	}

	for _, lg := range receipt.Logs {
		if addr, ok := decodeMarketCreated(lg); ok {
			return addr, nil
		}
	}

	for _, lg := range receipt.Logs {
		if c.network.Factory != (common.Address{}) && lg.Address != c.network.Factory {
			continue
		}
		if addr, ok := rawMarketAddress(lg); ok {
			c.logger.Warn("market address recovered from raw log",
				"tx", receipt.TxHash.Hex(), "market", addr.Hex())
			return addr, nil
		}
	}
	return common.Address{}, ErrMarketAddressNotFound
}

func decodeMarketCreated(lg *types.Log) (common.Address, bool) {
	ev := factoryABI.Events[marketCreatedEvent]
	if lg == nil || len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
		return common.Address{}, false
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	fields := map[string]interface{}{}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return common.Address{}, false
	}
	if err := factoryABI.UnpackIntoMap(fields, marketCreatedEvent, lg.Data); err != nil {
		return common.Address{}, false
	}
	addr, ok := fields["market"].(common.Address)
	if !ok || addr == (common.Address{}) {
		return common.Address{}, false
	}
	return addr, true
}

func rawMarketAddress(lg *types.Log) (common.Address, bool) {
	if lg == nil {
		return common.Address{}, false
	}
	var addr common.Address
	switch {
	case len(lg.Topics) > 1:
		addr = common.BytesToAddress(lg.Topics[1].Bytes()[12:])
	case len(lg.Data) >= 32:
		addr = common.BytesToAddress(lg.Data[12:32])
	default:
		return common.Address{}, false
	}
	return addr, addr != (common.Address{})
}
