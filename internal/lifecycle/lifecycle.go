// Package lifecycle is the client-side replica of the ledger's market state
// machine: the transition table and the per-status action guards. Everything
// here is a pure function of status.
package lifecycle

import (
	"fmt"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// transitions is the exhaustive edge table. COMMITTED sits between CLOSED and
// REVEALED when the ledger runs a commit phase, and may be skipped.
var transitions = map[domain.MarketStatus][]domain.MarketStatus{
	domain.StatusCreated:   {domain.StatusOpen},
	domain.StatusOpen:      {domain.StatusClosed, domain.StatusFailed},
	domain.StatusClosed:    {domain.StatusCommitted, domain.StatusRevealed, domain.StatusFailed},
	domain.StatusCommitted: {domain.StatusRevealed},
	domain.StatusRevealed:  {domain.StatusCompleted},
	domain.StatusCompleted: nil,
	domain.StatusFailed:    nil,
}

// Next returns the statuses directly reachable from s.
func Next(s domain.MarketStatus) []domain.MarketStatus {
	out := make([]domain.MarketStatus, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// CanTransition reports whether from -> to is a single legal edge.
func CanTransition(from, to domain.MarketStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reachable reports whether to can be reached from from in one or more
// edges. Polling can miss intermediate states, so observed moves are checked
// with this rather than CanTransition.
func Reachable(from, to domain.MarketStatus) bool {
	seen := map[domain.MarketStatus]bool{from: true}
	queue := []domain.MarketStatus{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, nxt := range transitions[cur] {
			if nxt == to {
				return true
			}
			if !seen[nxt] {
				seen[nxt] = true
				queue = append(queue, nxt)
			}
		}
	}
	return false
}

// CheckObserved validates a status change seen between two ledger reads.
func CheckObserved(prev, next domain.MarketStatus) error {
	if _, ok := transitions[next]; !ok {
		return fmt.Errorf("lifecycle: %w: %q", domain.ErrUnknownStatus, next)
	}
	if prev == next {
		return nil
	}
	if IsTerminal(prev) {
		return fmt.Errorf("lifecycle: %s -> %s: %w", prev, next, domain.ErrTerminalStatus)
	}
	if !Reachable(prev, next) {
		return fmt.Errorf("lifecycle: illegal observed transition %s -> %s", prev, next)
	}
	return nil
}

// IsEntryOpen: only OPEN accepts entries.
func IsEntryOpen(s domain.MarketStatus) bool { return s == domain.StatusOpen }

// CanSettle: settlement needs the revealed winner set.
func CanSettle(s domain.MarketStatus) bool { return s == domain.StatusRevealed }

// CanClaimRefund holds for both terminal states. The amount differs and
// comes from economics.RefundAmount.
func CanClaimRefund(s domain.MarketStatus) bool {
	return s == domain.StatusFailed || s == domain.StatusCompleted
}

// IsTerminal reports COMPLETED or FAILED.
func IsTerminal(s domain.MarketStatus) bool {
	return s == domain.StatusCompleted || s == domain.StatusFailed
}

// CanOpen: the seller funds and opens a freshly created market.
func CanOpen(s domain.MarketStatus) bool { return s == domain.StatusCreated }

// CanDraw: the combined draw-and-settle call runs after close, with or
// without an observed commit phase.
func CanDraw(s domain.MarketStatus) bool {
	return s == domain.StatusClosed || s == domain.StatusCommitted
}

// Guard returns a *domain.GuardError when action is not allowed in status s.
// createMarket has no status precondition.
func Guard(action domain.ActionKind, s domain.MarketStatus) error {
	var ok bool
	var reason string
	switch action {
	case domain.ActionCreateMarket:
		return nil
	case domain.ActionOpenMarket:
		ok, reason = CanOpen(s), "market must be CREATED"
	case domain.ActionEnter:
		ok, reason = IsEntryOpen(s), "entry is closed"
	case domain.ActionSettle:
		ok, reason = CanSettle(s), "winners are not revealed"
	case domain.ActionClaimRefund:
		ok, reason = CanClaimRefund(s), "market is not finished"
	case domain.ActionDrawAndSettle:
		ok, reason = CanDraw(s), "market is not closed"
	default:
		return &domain.GuardError{Action: action, Status: s, Reason: "unknown action"}
	}
	if ok {
		return nil
	}
	return &domain.GuardError{Action: action, Status: s, Reason: reason}
}
