package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/economics"
	"github.com/alanyoungcy/rafflebot/internal/eligibility"
	"github.com/alanyoungcy/rafflebot/internal/ledger"
	"github.com/alanyoungcy/rafflebot/internal/lifecycle"
	"github.com/alanyoungcy/rafflebot/internal/notify"
	"github.com/alanyoungcy/rafflebot/internal/orchestrator"
)

// Calls encodes the market actions and reads per-participant state.
type Calls interface {
	CreateMarketCall(from common.Address, p ledger.CreateMarketParams, bond *big.Int) (domain.PreparedCall, error)
	OpenMarketCall(market, seller common.Address, bond *big.Int) (domain.PreparedCall, error)
	SettleCall(market, from common.Address) (domain.PreparedCall, error)
	ClaimRefundCall(market, from common.Address) (domain.PreparedCall, error)
	DrawAndSettleCall(market, from common.Address) (domain.PreparedCall, error)
	ReadParticipant(ctx context.Context, market, actor common.Address) (domain.ParticipantRecord, error)
}

// Snapshots reads fresh market state and starts polling new markets.
type Snapshots interface {
	Fresh(ctx context.Context, addr common.Address) (domain.MarketSnapshot, error)
	Track(addr common.Address)
}

// Attempts is the orchestrator surface the service drives.
type Attempts interface {
	Execute(ctx context.Context, req orchestrator.Request) (orchestrator.State, error)
	CreateMarket(ctx context.Context, req orchestrator.CreateRequest) (orchestrator.State, error)
	Watch(key orchestrator.Key) orchestrator.State
	Reset(key orchestrator.Key) (orchestrator.State, error)
	Recheck(ctx context.Context, key orchestrator.Key) (orchestrator.State, error)
	History(ctx context.Context, actor common.Address, limit int) ([]orchestrator.HistoryEntry, error)
}

// Entrant checks and performs market entry. Pending entries are rechecked
// through it so their proofs get spent.
type Entrant interface {
	CanEnter(ctx context.Context, market, actor common.Address) (eligibility.Decision, domain.MarketSnapshot, error)
	Enter(ctx context.Context, market, actor common.Address) (orchestrator.State, error)
	Recheck(ctx context.Context, key orchestrator.Key) (orchestrator.State, error)
}

// Notifier delivers operator notifications.
type Notifier interface {
	Notify(ctx context.Context, e notify.Event) error
}

// RaffleDeps groups the collaborators of RaffleService. Audit and Notifier
// may be nil.
type RaffleDeps struct {
	Calls     Calls
	Snapshots Snapshots
	Attempts  Attempts
	Entrant   Entrant
	Audit     domain.AuditStore
	Notifier  Notifier
	Params    economics.Params
	Decimals  int32
	Logger    *slog.Logger
}

// RaffleService is the action facade used by the HTTP API and the keeper.
type RaffleService struct {
	calls     Calls
	snapshots Snapshots
	attempts  Attempts
	entrant   Entrant
	audit     domain.AuditStore
	notifier  Notifier
	params    economics.Params
	decimals  int32
	logger    *slog.Logger
	now       func() time.Time
}

// NewRaffleService creates a RaffleService. A zero Decimals means
// economics.DefaultDecimals.
func NewRaffleService(deps RaffleDeps) *RaffleService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	decimals := deps.Decimals
	if decimals == 0 {
		decimals = economics.DefaultDecimals
	}
	return &RaffleService{
		calls:     deps.Calls,
		snapshots: deps.Snapshots,
		attempts:  deps.Attempts,
		entrant:   deps.Entrant,
		audit:     deps.Audit,
		notifier:  deps.Notifier,
		params:    deps.Params,
		decimals:  decimals,
		logger:    logger.With(slog.String("component", "raffle_service")),
		now:       time.Now,
	}
}

// Quote is what an actor would pay and get back on a market right now.
type Quote struct {
	Market      common.Address      `json:"market"`
	Status      domain.MarketStatus `json:"status"`
	BlockNumber uint64              `json:"block_number"`
	EntryValue  *big.Int            `json:"entry_value"`
	Refund      *big.Int            `json:"refund"`
	Winners     uint64              `json:"winners"`
	GoalReached bool                `json:"goal_reached"`
	Fees        economics.Split     `json:"fees"`
	Display     map[string]string   `json:"display"`
}

// Quote prices market for actor. With a zero actor the refund is what any
// unrefunded entrant would receive.
func (s *RaffleService) Quote(ctx context.Context, market, actor common.Address) (Quote, error) {
	snap, err := s.snapshots.Fresh(ctx, market)
	if err != nil {
		return Quote{}, fmt.Errorf("raffle_service: quote: %w", err)
	}
	m := snap.Market

	entry, err := s.params.RequiredEntryValue(m.TicketPrice)
	if err != nil {
		return Quote{}, fmt.Errorf("raffle_service: quote: %w", err)
	}
	gross, err := economics.GrossSales(m.TicketPrice, m.ParticipantCount())
	if err != nil {
		return Quote{}, fmt.Errorf("raffle_service: quote: %w", err)
	}
	fees, err := s.params.FeeBreakdown(gross)
	if err != nil {
		return Quote{}, fmt.Errorf("raffle_service: quote: %w", err)
	}
	reached, err := economics.GoalReached(m)
	if err != nil {
		return Quote{}, fmt.Errorf("raffle_service: quote: %w", err)
	}

	refund := new(big.Int)
	owed := true
	if actor != (common.Address{}) {
		rec, err := s.calls.ReadParticipant(ctx, market, actor)
		if err != nil {
			return Quote{}, fmt.Errorf("raffle_service: quote: %w", err)
		}
		owed = rec.HasEntered && !rec.DepositRefunded
	}
	if owed {
		refund, err = economics.RefundAmount(m.Status, m.TicketPrice, m.ParticipantDeposit)
		if err != nil {
			return Quote{}, fmt.Errorf("raffle_service: quote: %w", err)
		}
	}

	return Quote{
		Market:      market,
		Status:      m.Status,
		BlockNumber: snap.BlockNumber,
		EntryValue:  entry,
		Refund:      refund,
		Winners:     economics.WinnerCount(m.Kind, m.PreparedQuantity, m.ParticipantCount()),
		GoalReached: reached,
		Fees:        fees,
		Display: map[string]string{
			"entry_value":  economics.FormatUnits(entry, s.decimals),
			"refund":       economics.FormatUnits(refund, s.decimals),
			"prize_pool":   economics.FormatUnits(fees.PrizePool, s.decimals),
			"platform_fee": economics.FormatUnits(fees.PlatformFee, s.decimals),
			"creator_fee":  economics.FormatUnits(fees.CreatorFee, s.decimals),
		},
	}, nil
}

// CreateMarketInput is the seller's form. Amounts are decimal strings in
// whole currency units.
type CreateMarketInput struct {
	Kind             string    `json:"kind"`
	TicketPrice      string    `json:"ticket_price"`
	GoalAmount       string    `json:"goal_amount"`
	PreparedQuantity uint64    `json:"prepared_quantity"`
	EndTime          time.Time `json:"end_time"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	ImageURL         string    `json:"image_url"`
	ShippingRegions  []string  `json:"shipping_regions"`
}

// ErrInvalidInput marks a malformed CreateMarketInput.
var ErrInvalidInput = errors.New("invalid input")

func (s *RaffleService) createParams(in CreateMarketInput) (ledger.CreateMarketParams, *big.Int, error) {
	kind, err := domain.ParseMarketKind(in.Kind)
	if err != nil {
		return ledger.CreateMarketParams{}, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if strings.TrimSpace(in.Title) == "" {
		return ledger.CreateMarketParams{}, nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if !in.EndTime.After(s.now()) {
		return ledger.CreateMarketParams{}, nil, fmt.Errorf("%w: end time must be in the future", ErrInvalidInput)
	}
	if kind == domain.MarketKindQuantityBased && in.PreparedQuantity == 0 {
		return ledger.CreateMarketParams{}, nil, fmt.Errorf("%w: prepared quantity must be at least 1", ErrInvalidInput)
	}
	price, err := economics.ToUnits(in.TicketPrice, s.decimals)
	if err != nil {
		return ledger.CreateMarketParams{}, nil, fmt.Errorf("%w: ticket price: %v", ErrInvalidInput, err)
	}
	goal, err := economics.ToUnits(in.GoalAmount, s.decimals)
	if err != nil {
		return ledger.CreateMarketParams{}, nil, fmt.Errorf("%w: goal amount: %v", ErrInvalidInput, err)
	}
	bond, err := economics.SellerDepositFor(goal, kind)
	if err != nil {
		return ledger.CreateMarketParams{}, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return ledger.CreateMarketParams{
		Kind:             kind,
		TicketPrice:      price,
		GoalAmount:       goal,
		PreparedQuantity: in.PreparedQuantity,
		EndTime:          in.EndTime,
	}, bond, nil
}

// CreateMarket creates a market for seller with the seller bond attached.
// The listing is persisted once the new address is known.
func (s *RaffleService) CreateMarket(ctx context.Context, seller common.Address, in CreateMarketInput) (orchestrator.State, error) {
	key := orchestrator.Key{Actor: seller, Action: domain.ActionCreateMarket}
	p, bond, err := s.createParams(in)
	if err != nil {
		return orchestrator.State{Key: key, Step: orchestrator.StepIdle}, err
	}

	st, err := s.attempts.CreateMarket(ctx, orchestrator.CreateRequest{
		Key: key,
		Prepare: func(context.Context) (domain.PreparedCall, error) {
			return s.calls.CreateMarketCall(seller, p, bond)
		},
		Listing: domain.Listing{
			Seller:          seller,
			Kind:            p.Kind,
			Title:           strings.TrimSpace(in.Title),
			Description:     in.Description,
			ImageURL:        in.ImageURL,
			ShippingRegions: in.ShippingRegions,
		},
	})
	if err == nil && st.MarketAddress != (common.Address{}) {
		s.snapshots.Track(st.MarketAddress)
	}
	s.record(ctx, st, err, notify.EventMarketCreated)
	return st, err
}

// OpenMarket funds and opens market. Only its seller may do so, and the
// value sent is the seller deposit the ledger recorded.
func (s *RaffleService) OpenMarket(ctx context.Context, market, actor common.Address) (orchestrator.State, error) {
	return s.execute(ctx, market, actor, domain.ActionOpenMarket, notify.EventMarketOpened,
		func(snap domain.MarketSnapshot) (domain.PreparedCall, error) {
			if snap.Market.Seller != actor {
				return domain.PreparedCall{}, &domain.GuardError{
					Action: domain.ActionOpenMarket,
					Status: snap.Market.Status,
					Reason: "only the seller can open the market",
				}
			}
			return s.calls.OpenMarketCall(market, actor, snap.Market.SellerDeposit)
		})
}

// CanEnter reports whether actor may enter market now.
func (s *RaffleService) CanEnter(ctx context.Context, market, actor common.Address) (eligibility.Decision, domain.MarketSnapshot, error) {
	return s.entrant.CanEnter(ctx, market, actor)
}

// Enter enters actor into market.
func (s *RaffleService) Enter(ctx context.Context, market, actor common.Address) (orchestrator.State, error) {
	st, err := s.entrant.Enter(ctx, market, actor)
	s.record(ctx, st, err, notify.EventEntryConfirmed)
	return st, err
}

// Settle pays out a revealed market.
func (s *RaffleService) Settle(ctx context.Context, market, actor common.Address) (orchestrator.State, error) {
	return s.execute(ctx, market, actor, domain.ActionSettle, notify.EventMarketSettled,
		func(domain.MarketSnapshot) (domain.PreparedCall, error) {
			return s.calls.SettleCall(market, actor)
		})
}

// DrawAndSettle draws winners and settles a closed market in one call.
func (s *RaffleService) DrawAndSettle(ctx context.Context, market, actor common.Address) (orchestrator.State, error) {
	return s.execute(ctx, market, actor, domain.ActionDrawAndSettle, notify.EventMarketSettled,
		func(domain.MarketSnapshot) (domain.PreparedCall, error) {
			return s.calls.DrawAndSettleCall(market, actor)
		})
}

// RefundResult is a refund attempt and the amount it is expected to pay.
type RefundResult struct {
	State    orchestrator.State `json:"attempt"`
	Expected *big.Int           `json:"expected"`
}

// ClaimRefund withdraws actor's refund from a finished market. The actor
// must have entered and not yet been refunded.
func (s *RaffleService) ClaimRefund(ctx context.Context, market, actor common.Address) (RefundResult, error) {
	var expected *big.Int
	st, err := s.execute(ctx, market, actor, domain.ActionClaimRefund, notify.EventRefundClaimed,
		func(snap domain.MarketSnapshot) (domain.PreparedCall, error) {
			rec, err := s.calls.ReadParticipant(ctx, market, actor)
			if err != nil {
				return domain.PreparedCall{}, err
			}
			status := snap.Market.Status
			switch {
			case !rec.HasEntered:
				return domain.PreparedCall{}, &domain.GuardError{Action: domain.ActionClaimRefund, Status: status, Reason: "not a participant"}
			case rec.DepositRefunded:
				return domain.PreparedCall{}, &domain.GuardError{Action: domain.ActionClaimRefund, Status: status, Reason: "already refunded"}
			}
			amt, err := economics.RefundAmount(status, snap.Market.TicketPrice, snap.Market.ParticipantDeposit)
			if err != nil {
				return domain.PreparedCall{}, err
			}
			expected = amt
			return s.calls.ClaimRefundCall(market, actor)
		})
	return RefundResult{State: st, Expected: expected}, err
}

// Attempt returns the current state of key.
func (s *RaffleService) Attempt(key orchestrator.Key) orchestrator.State {
	return s.attempts.Watch(key)
}

// History lists recorded attempt transitions of actor, newest first.
func (s *RaffleService) History(ctx context.Context, actor common.Address, limit int) ([]orchestrator.HistoryEntry, error) {
	entries, err := s.attempts.History(ctx, actor, limit)
	if err != nil {
		return nil, fmt.Errorf("raffle_service: history %s: %w", actor.Hex(), err)
	}
	return entries, nil
}

// Reset clears a failed attempt so the actor may try again.
func (s *RaffleService) Reset(key orchestrator.Key) (orchestrator.State, error) {
	st, err := s.attempts.Reset(key)
	if err != nil {
		return st, fmt.Errorf("raffle_service: reset %s: %w", key, err)
	}
	return st, nil
}

// Recheck looks again at a pending attempt. A create that confirms here is
// tracked like one that confirmed on the first try.
func (s *RaffleService) Recheck(ctx context.Context, key orchestrator.Key) (orchestrator.State, error) {
	recheck := s.attempts.Recheck
	if key.Action == domain.ActionEnter {
		recheck = s.entrant.Recheck
	}
	st, err := recheck(ctx, key)
	if err == nil && st.MarketAddress != (common.Address{}) {
		s.snapshots.Track(st.MarketAddress)
	}
	if st.Step == orchestrator.StepSuccess || st.Step == orchestrator.StepError {
		s.record(ctx, st, err, successEvent(key.Action))
	}
	return st, err
}

func (s *RaffleService) execute(
	ctx context.Context,
	market, actor common.Address,
	action domain.ActionKind,
	event string,
	build func(domain.MarketSnapshot) (domain.PreparedCall, error),
) (orchestrator.State, error) {
	key := orchestrator.Key{Actor: actor, Market: market, Action: action}
	st, err := s.attempts.Execute(ctx, orchestrator.Request{
		Key: key,
		Prepare: func(ctx context.Context) (domain.PreparedCall, error) {
			snap, err := s.snapshots.Fresh(ctx, market)
			if err != nil {
				return domain.PreparedCall{}, fmt.Errorf("read %s: %w", market.Hex(), err)
			}
			if err := lifecycle.Guard(action, snap.Market.Status); err != nil {
				return domain.PreparedCall{}, err
			}
			return build(snap)
		},
	})
	s.record(ctx, st, err, event)
	return st, err
}

func successEvent(action domain.ActionKind) string {
	switch action {
	case domain.ActionCreateMarket:
		return notify.EventMarketCreated
	case domain.ActionOpenMarket:
		return notify.EventMarketOpened
	case domain.ActionEnter:
		return notify.EventEntryConfirmed
	case domain.ActionSettle, domain.ActionDrawAndSettle:
		return notify.EventMarketSettled
	case domain.ActionClaimRefund:
		return notify.EventRefundClaimed
	}
	return ""
}

// outcomeOf names how an attempt ended for the audit log. Refusals that
// never reached the ledger are "refused".
func outcomeOf(st orchestrator.State, err error) string {
	switch {
	case st.Step == orchestrator.StepSuccess && st.Warning != nil:
		return "success_with_warning"
	case st.Step == orchestrator.StepSuccess, st.Step == orchestrator.StepPending, st.Step == orchestrator.StepError:
		return string(st.Step)
	case err != nil:
		return "refused"
	}
	return string(st.Step)
}

// record writes the audit entry and notifications for one outcome. Neither
// can fail the action.
func (s *RaffleService) record(ctx context.Context, st orchestrator.State, err error, event string) {
	ctx = context.WithoutCancel(ctx)
	outcome := outcomeOf(st, err)
	market := st.Key.Market
	if st.MarketAddress != (common.Address{}) {
		market = st.MarketAddress
	}

	detail := map[string]string{"outcome": outcome}
	if st.AttemptID != "" {
		detail["attempt"] = st.AttemptID
	}
	if st.TxHash != "" {
		detail["tx"] = st.TxHash
	}
	if st.Failure != "" && st.Failure != orchestrator.FailureNone {
		detail["failure"] = string(st.Failure)
	}
	if err != nil {
		detail["error"] = err.Error()
	}
	if st.Warning != nil {
		detail["warning"] = st.Warning.Error()
	}

	if s.audit != nil {
		entry := domain.AuditEntry{
			Event:  string(st.Key.Action) + "." + outcome,
			Actor:  st.Key.Actor,
			Market: market,
			Detail: make(map[string]any, len(detail)),
		}
		for k, v := range detail {
			entry.Detail[k] = v
		}
		if aerr := s.audit.Log(ctx, entry); aerr != nil {
			s.logger.WarnContext(ctx, "raffle_service: audit log failed",
				slog.String("event", entry.Event),
				slog.String("error", aerr.Error()),
			)
		}
	}

	if s.notifier == nil {
		return
	}
	var name string
	switch {
	case st.Warning != nil:
		name = notify.EventReconciliationWarning
	case outcome == string(orchestrator.StepSuccess):
		name = event
	case st.Step == orchestrator.StepError:
		name = notify.EventAttemptFailed
		detail["action"] = string(st.Key.Action)
	default:
		return
	}
	delete(detail, "outcome")
	if nerr := s.notifier.Notify(ctx, notify.Event{
		Name:   name,
		Market: market,
		Actor:  st.Key.Actor,
		TxHash: st.TxHash,
		Detail: detail,
	}); nerr != nil {
		s.logger.WarnContext(ctx, "raffle_service: notify failed",
			slog.String("event", name),
			slog.String("error", nerr.Error()),
		)
	}
}
