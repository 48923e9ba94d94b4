package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MarketKind distinguishes the two escrow products.
type MarketKind string

const (
	// MarketKindGoalBased has a single winner and succeeds when the pool
	// reaches the goal amount.
	MarketKindGoalBased MarketKind = "GOAL_BASED"
	// MarketKindQuantityBased (raffle) draws up to PreparedQuantity winners
	// and succeeds with at least one entrant.
	MarketKindQuantityBased MarketKind = "QUANTITY_BASED"
)

var kindByCode = [...]MarketKind{MarketKindGoalBased, MarketKindQuantityBased}

// MarketKindFromCode maps the ledger's uint8 kind to a MarketKind.
func MarketKindFromCode(code uint8) (MarketKind, error) {
	if int(code) >= len(kindByCode) {
		return "", fmt.Errorf("domain: unknown market kind code %d", code)
	}
	return kindByCode[code], nil
}

// Code returns the ledger encoding of k.
func (k MarketKind) Code() (uint8, error) {
	for i, v := range kindByCode {
		if v == k {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("domain: unknown market kind %q", string(k))
}

// ParseMarketKind accepts the canonical names plus "raffle" / "goal".
func ParseMarketKind(s string) (MarketKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(MarketKindGoalBased), "GOAL":
		return MarketKindGoalBased, nil
	case string(MarketKindQuantityBased), "QUANTITY", "RAFFLE":
		return MarketKindQuantityBased, nil
	}
	return "", fmt.Errorf("domain: unknown market kind %q", s)
}

// MarketStatus is the lifecycle state mirrored from the ledger.
type MarketStatus string

const (
	StatusCreated   MarketStatus = "CREATED"
	StatusOpen      MarketStatus = "OPEN"
	StatusClosed    MarketStatus = "CLOSED"
	StatusCommitted MarketStatus = "COMMITTED"
	StatusRevealed  MarketStatus = "REVEALED"
	StatusCompleted MarketStatus = "COMPLETED"
	StatusFailed    MarketStatus = "FAILED"
)

// AllStatuses lists every status in ledger code order.
var AllStatuses = []MarketStatus{
	StatusCreated,
	StatusOpen,
	StatusClosed,
	StatusCommitted,
	StatusRevealed,
	StatusCompleted,
	StatusFailed,
}

// StatusFromCode maps the ledger's numeric status to a MarketStatus. Codes
// outside the table are rejected rather than guessed.
func StatusFromCode(code uint8) (MarketStatus, error) {
	if int(code) >= len(AllStatuses) {
		return "", fmt.Errorf("%w: code %d", ErrUnknownStatus, code)
	}
	return AllStatuses[code], nil
}

// Code returns the ledger encoding of s.
func (s MarketStatus) Code() (uint8, error) {
	for i, v := range AllStatuses {
		if v == s {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, string(s))
}

// Market is one escrow instance. All amounts are in the smallest currency
// unit.
type Market struct {
	ID                 string           `json:"id,omitempty"`
	LedgerAddress      common.Address   `json:"ledger_address"`
	Kind               MarketKind       `json:"kind"`
	Seller             common.Address   `json:"seller"`
	TicketPrice        *big.Int         `json:"ticket_price"`
	ParticipantDeposit *big.Int         `json:"participant_deposit"`
	SellerDeposit      *big.Int         `json:"seller_deposit"`
	PrizePool          *big.Int         `json:"prize_pool"`
	GoalAmount         *big.Int         `json:"goal_amount"`
	PreparedQuantity   uint64           `json:"prepared_quantity"`
	EndTime            time.Time        `json:"end_time"`
	Status             MarketStatus     `json:"status"`
	Participants       []common.Address `json:"participants"`
	Winners            []common.Address `json:"winners"`
}

// HasLedgerAddress reports whether the on-chain instance is known.
func (m Market) HasLedgerAddress() bool {
	return m.LedgerAddress != (common.Address{})
}

// ParticipantCount is the number of observed entrants.
func (m Market) ParticipantCount() uint64 {
	return uint64(len(m.Participants))
}

// HasParticipant reports whether addr appears in the ledger participant list.
func (m Market) HasParticipant(addr common.Address) bool {
	for _, p := range m.Participants {
		if p == addr {
			return true
		}
	}
	return false
}

// IsWinner reports whether addr appears in the revealed winner list.
func (m Market) IsWinner(addr common.Address) bool {
	for _, w := range m.Winners {
		if w == addr {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of an observed market.
func (m Market) Validate() error {
	amounts := []struct {
		name string
		v    *big.Int
	}{
		{"ticket_price", m.TicketPrice},
		{"participant_deposit", m.ParticipantDeposit},
		{"seller_deposit", m.SellerDeposit},
		{"prize_pool", m.PrizePool},
		{"goal_amount", m.GoalAmount},
	}
	for _, a := range amounts {
		if a.v == nil {
			return fmt.Errorf("domain: market %s: %s: %w", m.LedgerAddress.Hex(), a.name, ErrNilAmount)
		}
		if a.v.Sign() < 0 {
			return fmt.Errorf("domain: market %s: %s: %w", m.LedgerAddress.Hex(), a.name, ErrNegativeAmount)
		}
	}

	gross := new(big.Int).Mul(m.TicketPrice, new(big.Int).SetUint64(m.ParticipantCount()))
	if m.PrizePool.Cmp(gross) > 0 {
		return fmt.Errorf("domain: market %s: prize pool %s exceeds ticket sales %s",
			m.LedgerAddress.Hex(), m.PrizePool, gross)
	}

	maxWinners := m.PreparedQuantity
	if maxWinners < 1 {
		maxWinners = 1
	}
	if uint64(len(m.Winners)) > maxWinners {
		return fmt.Errorf("domain: market %s: %d winners exceeds limit %d",
			m.LedgerAddress.Hex(), len(m.Winners), maxWinners)
	}
	for _, w := range m.Winners {
		if !m.HasParticipant(w) {
			return fmt.Errorf("domain: market %s: winner %s is not a participant",
				m.LedgerAddress.Hex(), w.Hex())
		}
	}
	return nil
}

// ParticipantRecord is the ledger's per-address entry state.
type ParticipantRecord struct {
	Address         common.Address `json:"address"`
	HasEntered      bool           `json:"has_entered"`
	IsWinner        bool           `json:"is_winner"`
	PaidAmount      *big.Int       `json:"paid_amount"`
	DepositRefunded bool           `json:"deposit_refunded"`
}

// MarketSnapshot is one consistent read of a market from the ledger.
type MarketSnapshot struct {
	Market      Market    `json:"market"`
	BlockNumber uint64    `json:"block_number"`
	FetchedAt   time.Time `json:"fetched_at"`
}
