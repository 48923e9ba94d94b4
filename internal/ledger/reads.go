package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// ReadMarket reads every view of the market at addr pinned to a single block
// so the snapshot is internally consistent.
func (c *Client) ReadMarket(ctx context.Context, addr common.Address) (domain.MarketSnapshot, error) {
	head, err := guarded(ctx, c, c.backend.BlockNumber)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("ledger: read market %s: block number: %w", addr.Hex(), err)
	}
	block := new(big.Int).SetUint64(head)
	r := &viewReader{ctx: ctx, c: c, addr: addr, block: block}

	statusCode := r.uint8("status")
	kindCode := r.uint8("kind")
	m := domain.Market{
		ID:                 addr.Hex(),
		LedgerAddress:      addr,
		Seller:             r.address("seller"),
		TicketPrice:        r.uint256("ticketPrice"),
		GoalAmount:         r.uint256("goalAmount"),
		PrizePool:          r.uint256("prizePool"),
		ParticipantDeposit: r.uint256("participantDeposit"),
		SellerDeposit:      r.uint256("sellerDeposit"),
		Participants:       r.addresses("getParticipants"),
		Winners:            r.addresses("getWinners"),
	}
	prepared := r.uint256("preparedQuantity")
	end := r.uint256("endTime")
	if r.err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("ledger: read market %s: %w", addr.Hex(), r.err)
	}

	if m.Status, err = domain.StatusFromCode(statusCode); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("ledger: read market %s: %w", addr.Hex(), err)
	}
	if m.Kind, err = domain.MarketKindFromCode(kindCode); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("ledger: read market %s: %w", addr.Hex(), err)
	}
	if !prepared.IsUint64() || !end.IsInt64() {
		return domain.MarketSnapshot{}, fmt.Errorf("ledger: read market %s: quantity or end time out of range", addr.Hex())
	}
	m.PreparedQuantity = prepared.Uint64()
	m.EndTime = time.Unix(end.Int64(), 0).UTC()

	if err := m.Validate(); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("ledger: read market %s: %w", addr.Hex(), err)
	}

	return domain.MarketSnapshot{
		Market:      m,
		BlockNumber: head,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

// ReadParticipant reads the per-address record of actor in market.
func (c *Client) ReadParticipant(ctx context.Context, market, actor common.Address) (domain.ParticipantRecord, error) {
	data, err := marketABI.Pack("participantInfo", actor)
	if err != nil {
		return domain.ParticipantRecord{}, fmt.Errorf("ledger: pack participantInfo: %w", err)
	}
	out, err := c.call(ctx, market, data, nil)
	if err != nil {
		return domain.ParticipantRecord{}, fmt.Errorf("ledger: participantInfo %s: %w", actor.Hex(), err)
	}
	vals, err := marketABI.Unpack("participantInfo", out)
	if err != nil {
		return domain.ParticipantRecord{}, fmt.Errorf("ledger: unpack participantInfo: %w", err)
	}
	if len(vals) != 4 {
		return domain.ParticipantRecord{}, fmt.Errorf("ledger: participantInfo: expected 4 outputs, got %d", len(vals))
	}

	rec := domain.ParticipantRecord{Address: actor}
	var ok [4]bool
	rec.HasEntered, ok[0] = vals[0].(bool)
	rec.IsWinner, ok[1] = vals[1].(bool)
	rec.PaidAmount, ok[2] = vals[2].(*big.Int)
	rec.DepositRefunded, ok[3] = vals[3].(bool)
	for _, v := range ok {
		if !v {
			return domain.ParticipantRecord{}, fmt.Errorf("ledger: participantInfo: unexpected output types")
		}
	}
	return rec, nil
}

func (c *Client) call(ctx context.Context, to common.Address, data []byte, block *big.Int) ([]byte, error) {
	return guarded(ctx, c, func(ctx context.Context) ([]byte, error) {
		return c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	})
}

// viewReader runs zero-argument view calls and keeps the first error.
type viewReader struct {
	ctx   context.Context
	c     *Client
	addr  common.Address
	block *big.Int
	err   error
}

func (r *viewReader) get(method string) interface{} {
	if r.err != nil {
		return nil
	}
	data, err := marketABI.Pack(method)
	if err != nil {
		r.err = fmt.Errorf("pack %s: %w", method, err)
		return nil
	}
	out, err := r.c.call(r.ctx, r.addr, data, r.block)
	if err != nil {
		r.err = fmt.Errorf("%s: %w", method, err)
		return nil
	}
	// A view with no return data means no contract lives at addr.
	if len(out) == 0 {
		r.err = fmt.Errorf("%s: no market contract: %w", method, domain.ErrNotFound)
		return nil
	}
	vals, err := marketABI.Unpack(method, out)
	if err != nil {
		r.err = fmt.Errorf("unpack %s: %w", method, err)
		return nil
	}
	if len(vals) != 1 {
		r.err = fmt.Errorf("%s: expected 1 output, got %d", method, len(vals))
		return nil
	}
	return vals[0]
}

func (r *viewReader) uint8(method string) uint8 {
	v := r.get(method)
	if r.err != nil {
		return 0
	}
	n, ok := v.(uint8)
	if !ok {
		r.err = fmt.Errorf("%s: unexpected type %T", method, v)
	}
	return n
}

func (r *viewReader) uint256(method string) *big.Int {
	v := r.get(method)
	if r.err != nil {
		return nil
	}
	n, ok := v.(*big.Int)
	if !ok {
		r.err = fmt.Errorf("%s: unexpected type %T", method, v)
	}
	return n
}

func (r *viewReader) address(method string) common.Address {
	v := r.get(method)
	if r.err != nil {
		return common.Address{}
	}
	a, ok := v.(common.Address)
	if !ok {
		r.err = fmt.Errorf("%s: unexpected type %T", method, v)
	}
	return a
}

func (r *viewReader) addresses(method string) []common.Address {
	v := r.get(method)
	if r.err != nil {
		return nil
	}
	a, ok := v.([]common.Address)
	if !ok {
		r.err = fmt.Errorf("%s: unexpected type %T", method, v)
	}
	return a
}
