// Package eligibility decides whether an actor may enter a market and runs
// the entry: proof first, then the orchestrated enter call.
package eligibility

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/lifecycle"
	"github.com/alanyoungcy/rafflebot/internal/marketsync"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonOK               Reason = "ok"
	ReasonNotOpen          Reason = "not_open"
	ReasonAlreadyEntered   Reason = "already_entered"
	ReasonIsSeller         Reason = "is_seller"
	ReasonIdentityUnbound  Reason = "identity_unbound"
	ReasonProofAlreadyUsed Reason = "proof_already_used"
	ReasonUndecided        Reason = "undecided"
)

// Decision is the result of an eligibility check.
type Decision struct {
	Eligible bool   `json:"eligible"`
	Reason   Reason `json:"reason"`
}

func deny(r Reason) Decision { return Decision{Reason: r} }

// Evaluate is canEnter over one ledger snapshot: entry open, not yet
// entered according to the ledger participant list, not the seller, and
// identity bound.
func Evaluate(snap domain.MarketSnapshot, actor common.Address, identityBound bool) Decision {
	m := snap.Market
	switch {
	case !lifecycle.IsEntryOpen(m.Status):
		return deny(ReasonNotOpen)
	case actor == m.Seller:
		return deny(ReasonIsSeller)
	case m.HasParticipant(actor):
		return deny(ReasonAlreadyEntered)
	case !identityBound:
		return deny(ReasonIdentityUnbound)
	}
	return Decision{Eligible: true, Reason: ReasonOK}
}

// EvaluateView is Evaluate for a sync view. A view that is not decided
// yields undecided, never a guess from stale data.
func EvaluateView(v marketsync.View, actor common.Address, identityBound bool) Decision {
	if !v.Decided() {
		return deny(ReasonUndecided)
	}
	return Evaluate(*v.Snapshot, actor, identityBound)
}

// GuardError converts a denial into the error the orchestrator and the API
// report.
func (d Decision) GuardError(status domain.MarketStatus) error {
	if d.Eligible {
		return nil
	}
	return &domain.GuardError{Action: domain.ActionEnter, Status: status, Reason: string(d.Reason)}
}
