// Package keeper drives markets forward from the operator's wallet: it
// settles revealed markets, optionally draws closed ones and claims the
// wallet's own refunds once a market is finished.
package keeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/marketsync"
	"github.com/alanyoungcy/rafflebot/internal/orchestrator"
	"github.com/alanyoungcy/rafflebot/internal/service"
)

// Source delivers market snapshots.
type Source interface {
	Subscribe() (<-chan domain.MarketSnapshot, func())
	Tracked() []common.Address
	View(addr common.Address) marketsync.View
}

// Actions are the writes the keeper may trigger, plus attempt housekeeping
// for its own wallet.
type Actions interface {
	Settle(ctx context.Context, market, actor common.Address) (orchestrator.State, error)
	DrawAndSettle(ctx context.Context, market, actor common.Address) (orchestrator.State, error)
	ClaimRefund(ctx context.Context, market, actor common.Address) (service.RefundResult, error)
	Attempt(key orchestrator.Key) orchestrator.State
	Reset(key orchestrator.Key) (orchestrator.State, error)
	Recheck(ctx context.Context, key orchestrator.Key) (orchestrator.State, error)
}

// Participants reads the keeper wallet's entry record.
type Participants interface {
	ReadParticipant(ctx context.Context, market, actor common.Address) (domain.ParticipantRecord, error)
}

// Config controls the keeper loop.
type Config struct {
	Wallet        common.Address
	AutoDraw      bool
	DedupTTL      time.Duration
	SweepInterval time.Duration
}

// Keeper reacts to market snapshots.
type Keeper struct {
	cfg          Config
	source       Source
	actions      Actions
	participants Participants
	dedup        *Dedup
	metrics      *Metrics
	logger       *slog.Logger
}

// New creates a Keeper. Zero durations default to a two minute dedup window
// and a one minute sweep. metrics may be nil.
func New(cfg Config, source Source, actions Actions, participants Participants, metrics *Metrics, logger *slog.Logger) *Keeper {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 2 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		cfg:          cfg,
		source:       source,
		actions:      actions,
		participants: participants,
		dedup:        NewDedup(cfg.DedupTTL),
		metrics:      metrics,
		logger:       logger.With(slog.String("component", "keeper")),
	}
}

// Run handles snapshot updates until ctx is cancelled. Tracked markets are
// also swept periodically so restarts and failed attempts are picked up
// without waiting for a status change.
func (k *Keeper) Run(ctx context.Context) error {
	updates, cancel := k.source.Subscribe()
	defer cancel()

	k.logger.InfoContext(ctx, "keeper started",
		slog.String("wallet", k.cfg.Wallet.Hex()),
		slog.Bool("auto_draw", k.cfg.AutoDraw),
	)
	defer k.logger.Info("keeper stopped")

	k.Sweep(ctx)

	sweep := time.NewTicker(k.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			k.Handle(ctx, snap)
		case <-sweep.C:
			k.dedup.Cleanup()
			k.Sweep(ctx)
		}
	}
}

// Sweep handles the current view of every tracked market that has one.
func (k *Keeper) Sweep(ctx context.Context) {
	for _, addr := range k.source.Tracked() {
		v := k.source.View(addr)
		if !v.Decided() || v.Stale {
			continue
		}
		k.Handle(ctx, *v.Snapshot)
	}
}

// Decide picks the action snap calls for, if any.
func (k *Keeper) Decide(ctx context.Context, snap domain.MarketSnapshot) (domain.ActionKind, bool) {
	m := snap.Market
	switch m.Status {
	case domain.StatusRevealed:
		return domain.ActionSettle, true
	case domain.StatusClosed, domain.StatusCommitted:
		return domain.ActionDrawAndSettle, k.cfg.AutoDraw
	case domain.StatusFailed, domain.StatusCompleted:
		if k.participants == nil || !m.HasParticipant(k.cfg.Wallet) {
			return "", false
		}
		rec, err := k.participants.ReadParticipant(ctx, m.LedgerAddress, k.cfg.Wallet)
		if err != nil {
			k.logger.WarnContext(ctx, "participant read failed",
				slog.String("market", m.LedgerAddress.Hex()),
				slog.String("error", err.Error()),
			)
			return "", false
		}
		return domain.ActionClaimRefund, rec.HasEntered && !rec.DepositRefunded
	}
	return "", false
}

// Handle runs the action snap calls for at most once per dedup window.
func (k *Keeper) Handle(ctx context.Context, snap domain.MarketSnapshot) {
	action, ok := k.Decide(ctx, snap)
	if !ok {
		return
	}
	market := snap.Market.LedgerAddress
	dk := market.Hex() + "|" + string(action)
	if k.dedup.IsDuplicate(dk) {
		return
	}

	log := k.logger.With(
		slog.String("market", market.Hex()),
		slog.String("action", string(action)),
	)
	key := orchestrator.Key{Actor: k.cfg.Wallet, Market: market, Action: action}

	switch st := k.actions.Attempt(key); st.Step {
	case orchestrator.StepPending:
		st, err := k.actions.Recheck(ctx, key)
		if err != nil || st.Step == orchestrator.StepPending {
			log.InfoContext(ctx, "previous attempt still pending")
			k.metrics.trigger(string(action), "pending")
			return
		}
		if st.Step == orchestrator.StepSuccess {
			k.metrics.trigger(string(action), "success")
			return
		}
		fallthrough
	case orchestrator.StepError:
		if _, err := k.actions.Reset(key); err != nil {
			log.WarnContext(ctx, "reset of failed attempt refused", slog.String("error", err.Error()))
			return
		}
	}

	err := k.run(ctx, action, market)
	switch {
	case err == nil:
		log.InfoContext(ctx, "keeper action confirmed")
		k.metrics.trigger(string(action), "success")
	case errors.Is(err, domain.ErrAttemptInFlight):
		log.DebugContext(ctx, "attempt already in flight")
		k.metrics.trigger(string(action), "in_flight")
	case isGuard(err):
		log.DebugContext(ctx, "action no longer allowed", slog.String("reason", err.Error()))
		k.metrics.trigger(string(action), "refused")
	default:
		log.ErrorContext(ctx, "keeper action failed", slog.String("error", err.Error()))
		k.metrics.trigger(string(action), "error")
	}
}

func (k *Keeper) run(ctx context.Context, action domain.ActionKind, market common.Address) error {
	var err error
	switch action {
	case domain.ActionSettle:
		_, err = k.actions.Settle(ctx, market, k.cfg.Wallet)
	case domain.ActionDrawAndSettle:
		_, err = k.actions.DrawAndSettle(ctx, market, k.cfg.Wallet)
	case domain.ActionClaimRefund:
		_, err = k.actions.ClaimRefund(ctx, market, k.cfg.Wallet)
	}
	return err
}

func isGuard(err error) bool {
	var ge *domain.GuardError
	return errors.As(err, &ge)
}
