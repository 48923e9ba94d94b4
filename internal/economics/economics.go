// Package economics holds the integer settlement arithmetic for escrow
// markets. Every amount is a *big.Int in the smallest currency unit and every
// division floors. Inputs are validated instead of clamped.
package economics

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

const (
	// BasisPoints is the fee denominator.
	BasisPoints = 10_000
	// SellerBondPercent is the seller collateral for quantity markets.
	SellerBondPercent = 15

	// DefaultPlatformFeeBps is the platform's cut of ticket sales when none
	// is configured.
	DefaultPlatformFeeBps = 300
	// DefaultCreatorFeeBps is the creator's cut of ticket sales when none is
	// configured.
	DefaultCreatorFeeBps = 200
)

var (
	// ErrInvalidFeeBps rejects negative fees or fees above BasisPoints.
	ErrInvalidFeeBps = errors.New("economics: invalid fee basis points")

	bpsDenominator = big.NewInt(BasisPoints)
	hundred        = big.NewInt(100)
	bondPercent    = big.NewInt(SellerBondPercent)
)

// Params are the protocol-wide constants. They are built once at start and
// never mutated.
type Params struct {
	participantDeposit *big.Int
	platformFeeBps     int64
	creatorFeeBps      int64
}

// NewParams validates and freezes the protocol constants.
func NewParams(participantDeposit *big.Int, platformFeeBps, creatorFeeBps int64) (Params, error) {
	if err := checkAmount("participant deposit", participantDeposit); err != nil {
		return Params{}, err
	}
	if platformFeeBps < 0 || creatorFeeBps < 0 || platformFeeBps+creatorFeeBps > BasisPoints {
		return Params{}, fmt.Errorf("%w: platform=%d creator=%d", ErrInvalidFeeBps, platformFeeBps, creatorFeeBps)
	}
	return Params{
		participantDeposit: new(big.Int).Set(participantDeposit),
		platformFeeBps:     platformFeeBps,
		creatorFeeBps:      creatorFeeBps,
	}, nil
}

// ParticipantDeposit returns a copy of the fixed per-entrant deposit.
func (p Params) ParticipantDeposit() *big.Int {
	if p.participantDeposit == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(p.participantDeposit)
}

// PlatformFeeBps is the platform fee in basis points of total sales.
func (p Params) PlatformFeeBps() int64 { return p.platformFeeBps }

// CreatorFeeBps is the creator fee in basis points of total sales.
func (p Params) CreatorFeeBps() int64 { return p.creatorFeeBps }

// RequiredEntryValue is ticketPrice plus the participant deposit. A free
// ticket still requires the deposit.
func (p Params) RequiredEntryValue(ticketPrice *big.Int) (*big.Int, error) {
	if err := checkAmount("ticket price", ticketPrice); err != nil {
		return nil, err
	}
	return new(big.Int).Add(ticketPrice, p.ParticipantDeposit()), nil
}

// PrizePoolAfterFees deducts both fee shares from totalSales with one
// combined floor division.
func (p Params) PrizePoolAfterFees(totalSales *big.Int) (*big.Int, error) {
	if err := checkAmount("total sales", totalSales); err != nil {
		return nil, err
	}
	fees := mulDivFloor(totalSales, big.NewInt(p.platformFeeBps+p.creatorFeeBps), bpsDenominator)
	return new(big.Int).Sub(totalSales, fees), nil
}

// Split is the full breakdown of a market's ticket sales.
type Split struct {
	PlatformFee *big.Int `json:"platform_fee"`
	CreatorFee  *big.Int `json:"creator_fee"`
	PrizePool   *big.Int `json:"prize_pool"`
}

// FeeBreakdown returns the prize pool and the per-recipient fees. The total
// fee is floored once; the creator receives whatever the platform share
// leaves, so the three parts always sum to totalSales.
func (p Params) FeeBreakdown(totalSales *big.Int) (Split, error) {
	pool, err := p.PrizePoolAfterFees(totalSales)
	if err != nil {
		return Split{}, err
	}
	totalFee := new(big.Int).Sub(totalSales, pool)
	platform := mulDivFloor(totalSales, big.NewInt(p.platformFeeBps), bpsDenominator)
	if platform.Cmp(totalFee) > 0 {
		platform.Set(totalFee)
	}
	return Split{
		PlatformFee: platform,
		CreatorFee:  new(big.Int).Sub(totalFee, platform),
		PrizePool:   pool,
	}, nil
}

// SellerDepositFor is the seller bond: 15% of goal (floored) for quantity
// markets and zero for goal-based markets.
func SellerDepositFor(goalAmount *big.Int, kind domain.MarketKind) (*big.Int, error) {
	if err := checkAmount("goal amount", goalAmount); err != nil {
		return nil, err
	}
	switch kind {
	case domain.MarketKindQuantityBased:
		return mulDivFloor(goalAmount, bondPercent, hundred), nil
	case domain.MarketKindGoalBased:
		return new(big.Int), nil
	}
	return nil, fmt.Errorf("economics: seller deposit: unknown market kind %q", kind)
}

// WinnerCount is 1 for goal markets and min(prepared, participants) for
// quantity markets.
func WinnerCount(kind domain.MarketKind, preparedQuantity, participantCount uint64) uint64 {
	if kind == domain.MarketKindGoalBased {
		return 1
	}
	return min(preparedQuantity, participantCount)
}

// RefundAmount is ticket plus deposit for FAILED, deposit only for
// COMPLETED and zero otherwise.
func RefundAmount(status domain.MarketStatus, ticketPrice, deposit *big.Int) (*big.Int, error) {
	if err := checkAmount("ticket price", ticketPrice); err != nil {
		return nil, err
	}
	if err := checkAmount("deposit", deposit); err != nil {
		return nil, err
	}
	switch status {
	case domain.StatusFailed:
		return new(big.Int).Add(ticketPrice, deposit), nil
	case domain.StatusCompleted:
		return new(big.Int).Set(deposit), nil
	}
	return new(big.Int), nil
}

// GrossSales is ticketPrice times the number of entrants.
func GrossSales(ticketPrice *big.Int, entrants uint64) (*big.Int, error) {
	if err := checkAmount("ticket price", ticketPrice); err != nil {
		return nil, err
	}
	return new(big.Int).Mul(ticketPrice, new(big.Int).SetUint64(entrants)), nil
}

// GoalReached reports whether the market met its success condition.
func GoalReached(m domain.Market) (bool, error) {
	if m.Kind == domain.MarketKindQuantityBased {
		return m.ParticipantCount() > 0, nil
	}
	if err := checkAmount("prize pool", m.PrizePool); err != nil {
		return false, err
	}
	if err := checkAmount("goal amount", m.GoalAmount); err != nil {
		return false, err
	}
	return m.PrizePool.Cmp(m.GoalAmount) >= 0, nil
}

func mulDivFloor(x, num, den *big.Int) *big.Int {
	out := new(big.Int).Mul(x, num)
	// Quo truncates toward zero; inputs are non-negative so this floors.
	return out.Quo(out, den)
}

func checkAmount(name string, v *big.Int) error {
	if v == nil {
		return fmt.Errorf("economics: %s: %w", name, domain.ErrNilAmount)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("economics: %s %s: %w", name, v, domain.ErrNegativeAmount)
	}
	return nil
}
