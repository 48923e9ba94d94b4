package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// CreateMarketParams are the integer-unit arguments of factory.createMarket.
type CreateMarketParams struct {
	Kind             domain.MarketKind
	TicketPrice      *big.Int
	GoalAmount       *big.Int
	PreparedQuantity uint64
	EndTime          time.Time
}

// OpenMarketCall funds and opens a created market. bond is the seller
// deposit read from the ledger.
func (c *Client) OpenMarketCall(market, seller common.Address, bond *big.Int) (domain.PreparedCall, error) {
	return c.marketCall(domain.ActionOpenMarket, market, seller, bond, "openMarket")
}

// EnterCall enters actor with proof, paying value.
func (c *Client) EnterCall(market, actor common.Address, proof domain.VerificationProof, value *big.Int) (domain.PreparedCall, error) {
	if proof.Root == nil || proof.NullifierHash == nil {
		return domain.PreparedCall{}, errors.New("ledger: enter: incomplete proof")
	}
	for i, p := range proof.Proof {
		if p == nil {
			return domain.PreparedCall{}, fmt.Errorf("ledger: enter: proof element %d missing", i)
		}
	}
	return c.marketCall(domain.ActionEnter, market, actor, value, "enter", proof.Root, proof.NullifierHash, proof.Proof)
}

// SettleCall pays out a revealed market.
func (c *Client) SettleCall(market, from common.Address) (domain.PreparedCall, error) {
	return c.marketCall(domain.ActionSettle, market, from, nil, "settle")
}

// ClaimRefundCall withdraws the caller's refundable amount.
func (c *Client) ClaimRefundCall(market, from common.Address) (domain.PreparedCall, error) {
	return c.marketCall(domain.ActionClaimRefund, market, from, nil, "claimRefund")
}

// DrawAndSettleCall draws winners and settles in one call.
func (c *Client) DrawAndSettleCall(market, from common.Address) (domain.PreparedCall, error) {
	return c.marketCall(domain.ActionDrawAndSettle, market, from, nil, "drawAndSettle")
}

// CreateMarketCall builds factory.createMarket with the seller bond as value.
func (c *Client) CreateMarketCall(from common.Address, p CreateMarketParams, bond *big.Int) (domain.PreparedCall, error) {
	if c.network.Factory == (common.Address{}) {
		return domain.PreparedCall{}, errors.New("ledger: factory address not configured")
	}
	if p.TicketPrice == nil || p.GoalAmount == nil {
		return domain.PreparedCall{}, fmt.Errorf("ledger: createMarket: %w", domain.ErrNilAmount)
	}
	if p.TicketPrice.Sign() < 0 || p.GoalAmount.Sign() < 0 {
		return domain.PreparedCall{}, fmt.Errorf("ledger: createMarket: %w", domain.ErrNegativeAmount)
	}
	kind, err := p.Kind.Code()
	if err != nil {
		return domain.PreparedCall{}, fmt.Errorf("ledger: createMarket: %w", err)
	}
	data, err := factoryABI.Pack("createMarket",
		kind,
		p.TicketPrice,
		p.GoalAmount,
		new(big.Int).SetUint64(p.PreparedQuantity),
		big.NewInt(p.EndTime.Unix()),
	)
	if err != nil {
		return domain.PreparedCall{}, fmt.Errorf("ledger: pack createMarket: %w", err)
	}
	return domain.PreparedCall{
		Action: domain.ActionCreateMarket,
		From:   from,
		To:     c.network.Factory,
		Data:   data,
		Value:  valueOrZero(bond),
	}, nil
}

func (c *Client) marketCall(action domain.ActionKind, market, from common.Address, value *big.Int, method string, args ...interface{}) (domain.PreparedCall, error) {
	if value != nil && value.Sign() < 0 {
		return domain.PreparedCall{}, fmt.Errorf("ledger: %s: %w", method, domain.ErrNegativeAmount)
	}
	data, err := marketABI.Pack(method, args...)
	if err != nil {
		return domain.PreparedCall{}, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	return domain.PreparedCall{
		Action: action,
		From:   from,
		To:     market,
		Data:   data,
		Value:  valueOrZero(value),
	}, nil
}

// Simulate executes call against the latest state and estimates its gas.
// A revert is reported as *domain.SimulationError; the returned call has
// Gas set with a 20% buffer.
func (c *Client) Simulate(ctx context.Context, call domain.PreparedCall) (domain.PreparedCall, error) {
	msg := ethereum.CallMsg{
		From:  call.From,
		To:    &call.To,
		Value: valueOrZero(call.Value),
		Data:  call.Data,
	}

	_, err := guarded(ctx, c, func(ctx context.Context) ([]byte, error) {
		return c.backend.CallContract(ctx, msg, nil)
	})
	if err != nil {
		if isRevert(err) {
			return call, &domain.SimulationError{Action: call.Action, Reason: revertReason(err), Err: err}
		}
		return call, fmt.Errorf("ledger: simulate %s: %w", call.Action, err)
	}

	gas, err := guarded(ctx, c, func(ctx context.Context) (uint64, error) {
		return c.backend.EstimateGas(ctx, msg)
	})
	if err != nil {
		if isRevert(err) {
			return call, &domain.SimulationError{Action: call.Action, Reason: revertReason(err), Err: err}
		}
		c.logger.WarnContext(ctx, "gas estimate failed, using default",
			"action", call.Action, "error", err, "limit", fallbackGasLimit)
		gas = fallbackGasLimit
	}
	// Add 20% buffer
	call.Gas = gas * 12 / 10
	return call, nil
}

// BuildTx assembles an unsigned legacy transaction for a simulated call.
func (c *Client) BuildTx(ctx context.Context, call domain.PreparedCall) (*types.Transaction, error) {
	nonce, err := guarded(ctx, c, func(ctx context.Context) (uint64, error) {
		return c.backend.PendingNonceAt(ctx, call.From)
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: nonce: %w", err)
	}

	gasPrice, err := guarded(ctx, c, c.backend.SuggestGasPrice)
	if err != nil || gasPrice == nil {
		c.logger.WarnContext(ctx, "gas price suggestion failed, using default", "error", err)
		gasPrice = big.NewInt(defaultGasPrice)
	}
	// Add 10% buffer for faster inclusion (copy to avoid mutating the node's value)
	gasPrice = new(big.Int).Div(new(big.Int).Mul(gasPrice, big.NewInt(11)), big.NewInt(10))

	gas := call.Gas
	if gas == 0 {
		gas = fallbackGasLimit
	}
	return types.NewTransaction(nonce, call.To, valueOrZero(call.Value), gas, gasPrice, call.Data), nil
}

// Submission is the handle returned when a signed transaction is handed to
// the network. A direct broadcast knows the final hash immediately; a relay
// returns a provisional id that must be resolved.
type Submission struct {
	ProvisionalID string
	TxHash        common.Hash
	Final         bool
}

// Send broadcasts a signed transaction directly.
func (c *Client) Send(ctx context.Context, tx *types.Transaction) (Submission, error) {
	_, err := guarded(ctx, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.backend.SendTransaction(ctx, tx)
	})
	if err != nil {
		return Submission{}, fmt.Errorf("ledger: send tx %s: %w", tx.Hash().Hex(), err)
	}
	return Submission{ProvisionalID: tx.Hash().Hex(), TxHash: tx.Hash(), Final: true}, nil
}

// Submit is Send; it lets the client serve as a direct submitter.
func (c *Client) Submit(ctx context.Context, tx *types.Transaction) (Submission, error) {
	return c.Send(ctx, tx)
}

// Resolve is the identity for direct submissions: the provisional id is the
// transaction hash.
func (c *Client) Resolve(_ context.Context, provisionalID string) (common.Hash, bool, error) {
	if len(provisionalID) != 66 {
		return common.Hash{}, false, fmt.Errorf("ledger: %q is not a transaction hash", provisionalID)
	}
	return common.HexToHash(provisionalID), true, nil
}

// LookupState separates "the network has never heard of it" from "known but
// not mined" from "mined".
type LookupState int

const (
	LookupNotFound LookupState = iota
	LookupPending
	LookupFinal
)

func (s LookupState) String() string {
	switch s {
	case LookupNotFound:
		return "not_found"
	case LookupPending:
		return "pending"
	case LookupFinal:
		return "final"
	}
	return fmt.Sprintf("lookup(%d)", int(s))
}

// TxLookup is the result of Lookup. Receipt is set only when final.
type TxLookup struct {
	State    LookupState
	Receipt  *types.Receipt
	Reverted bool
}

// Lookup reports where hash stands. A missing receipt is not a failure: the
// transaction may still be propagating.
func (c *Client) Lookup(ctx context.Context, hash common.Hash) (TxLookup, error) {
	receipt, err := guarded(ctx, c, func(ctx context.Context) (*types.Receipt, error) {
		return c.backend.TransactionReceipt(ctx, hash)
	})
	switch {
	case err == nil && receipt != nil:
		return TxLookup{
			State:    LookupFinal,
			Receipt:  receipt,
			Reverted: receipt.Status != types.ReceiptStatusSuccessful,
		}, nil
	case err != nil && !errors.Is(err, ethereum.NotFound):
		return TxLookup{}, fmt.Errorf("ledger: receipt %s: %w", hash.Hex(), err)
	}

	tx, err := guarded(ctx, c, func(ctx context.Context) (*types.Transaction, error) {
		tx, _, err := c.backend.TransactionByHash(ctx, hash)
		return tx, err
	})
	switch {
	case errors.Is(err, ethereum.NotFound):
		return TxLookup{State: LookupNotFound}, nil
	case err != nil:
		return TxLookup{}, fmt.Errorf("ledger: tx %s: %w", hash.Hex(), err)
	case tx == nil:
		return TxLookup{State: LookupNotFound}, nil
	}
	return TxLookup{State: LookupPending}, nil
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// revertReason extracts the Error(string) payload from a revert, if any.
func revertReason(err error) string {
	var re revertError
	if !errors.As(err, &re) {
		return ""
	}
	hexData, ok := re.ErrorData().(string)
	if !ok {
		return ""
	}
	data, err := hexutil.Decode(hexData)
	if err != nil {
		return ""
	}
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return ""
	}
	return reason
}
