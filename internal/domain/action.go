package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ActionKind names a state-changing ledger call.
type ActionKind string

const (
	ActionCreateMarket  ActionKind = "createMarket"
	ActionOpenMarket    ActionKind = "openMarket"
	ActionEnter         ActionKind = "enter"
	ActionSettle        ActionKind = "settle"
	ActionClaimRefund   ActionKind = "claimRefund"
	ActionDrawAndSettle ActionKind = "drawAndSettle"
)

// PreparedCall is a fully encoded ledger call ready for simulation and
// signing. A new one is built for every attempt.
type PreparedCall struct {
	Action ActionKind
	From   common.Address
	To     common.Address
	Data   []byte
	Value  *big.Int
	Gas    uint64
}

// VerificationProof is a one-time credential bound to Signal.
type VerificationProof struct {
	Signal        string      `json:"signal"`
	Root          *big.Int    `json:"merkle_root"`
	NullifierHash *big.Int    `json:"nullifier_hash"`
	Proof         [8]*big.Int `json:"proof"`
	ObtainedAt    time.Time   `json:"obtained_at"`
}

// Nullifier returns the hex form of the nullifier hash.
func (p VerificationProof) Nullifier() string {
	if p.NullifierHash == nil {
		return ""
	}
	return "0x" + p.NullifierHash.Text(16)
}

// Listing is the off-chain metadata record for a created market.
type Listing struct {
	ID              string         `json:"id"`
	MarketAddress   common.Address `json:"market_address"`
	Seller          common.Address `json:"seller"`
	Kind            MarketKind     `json:"kind"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	ImageURL        string         `json:"image_url,omitempty"`
	ShippingRegions []string       `json:"shipping_regions,omitempty"`
	CreatedTxHash   string         `json:"created_tx_hash"`
	CreatedAt       time.Time      `json:"created_at"`
}
