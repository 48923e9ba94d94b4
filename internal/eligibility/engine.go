package eligibility

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/economics"
	"github.com/alanyoungcy/rafflebot/internal/orchestrator"
)

// Snapshots returns a snapshot read from the ledger now.
type Snapshots interface {
	Fresh(ctx context.Context, addr common.Address) (domain.MarketSnapshot, error)
}

// Proofs acquires and spends market-bound verification proofs.
type Proofs interface {
	Acquire(ctx context.Context, market, actor common.Address) (domain.VerificationProof, error)
	Consume(ctx context.Context, proof domain.VerificationProof) error
}

// EnterCalls encodes the enter call.
type EnterCalls interface {
	EnterCall(market, actor common.Address, proof domain.VerificationProof, value *big.Int) (domain.PreparedCall, error)
}

// Executor runs orchestrated attempts.
type Executor interface {
	Execute(ctx context.Context, req orchestrator.Request) (orchestrator.State, error)
	Recheck(ctx context.Context, key orchestrator.Key) (orchestrator.State, error)
	OnReset(key orchestrator.Key, cleanup func())
}

// Deps groups the engine's collaborators. Identity may be nil, in which case
// every actor counts as bound.
type Deps struct {
	Snapshots Snapshots
	Identity  domain.IdentityStore
	Proofs    Proofs
	Calls     EnterCalls
	Executor  Executor
	Params    economics.Params
	Logger    *slog.Logger
}

type actorMarket struct {
	actor  common.Address
	market common.Address
}

// Engine answers CanEnter and performs Enter.
type Engine struct {
	snapshots Snapshots
	identity  domain.IdentityStore
	proofs    Proofs
	calls     EnterCalls
	exec      Executor
	params    economics.Params
	logger    *slog.Logger

	acquiring singleflight.Group

	mu        sync.Mutex
	held      map[orchestrator.Key]domain.VerificationProof
	proofUsed map[actorMarket]bool
}

// NewEngine creates an Engine.
func NewEngine(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		snapshots: deps.Snapshots,
		identity:  deps.Identity,
		proofs:    deps.Proofs,
		calls:     deps.Calls,
		exec:      deps.Executor,
		params:    deps.Params,
		logger:    logger.With(slog.String("component", "eligibility")),
		held:      make(map[orchestrator.Key]domain.VerificationProof),
		proofUsed: make(map[actorMarket]bool),
	}
}

// CanEnter evaluates eligibility against a fresh ledger read. The snapshot
// is returned so callers can show what the decision was based on.
func (e *Engine) CanEnter(ctx context.Context, market, actor common.Address) (Decision, domain.MarketSnapshot, error) {
	snap, err := e.snapshots.Fresh(ctx, market)
	if err != nil {
		return deny(ReasonUndecided), domain.MarketSnapshot{}, fmt.Errorf("eligibility: read %s: %w", market.Hex(), err)
	}
	bound, err := e.identityBound(ctx, actor)
	if err != nil {
		return deny(ReasonUndecided), snap, err
	}

	d := Evaluate(snap, actor, bound)
	if d.Eligible && e.proofSpent(market, actor) {
		d = deny(ReasonProofAlreadyUsed)
	}
	return d, snap, nil
}

// Enter acquires a proof bound to market and runs the enter attempt. The
// proof is spent only when the attempt succeeds; a reset discards it so the
// next attempt fetches a fresh one.
func (e *Engine) Enter(ctx context.Context, market, actor common.Address) (orchestrator.State, error) {
	key := orchestrator.Key{Actor: actor, Market: market, Action: domain.ActionEnter}

	d, snap, err := e.CanEnter(ctx, market, actor)
	if err != nil {
		return orchestrator.State{Key: key, Step: orchestrator.StepIdle}, err
	}
	if !d.Eligible {
		return orchestrator.State{Key: key, Step: orchestrator.StepIdle}, d.GuardError(snap.Market.Status)
	}

	proof, err := e.proof(ctx, key)
	if err != nil {
		return orchestrator.State{Key: key, Step: orchestrator.StepIdle}, err
	}

	st, err := e.exec.Execute(ctx, orchestrator.Request{
		Key: key,
		Prepare: func(ctx context.Context) (domain.PreparedCall, error) {
			snap, err := e.snapshots.Fresh(ctx, market)
			if err != nil {
				return domain.PreparedCall{}, fmt.Errorf("eligibility: re-read %s: %w", market.Hex(), err)
			}
			bound, err := e.identityBound(ctx, actor)
			if err != nil {
				return domain.PreparedCall{}, err
			}
			if d := Evaluate(snap, actor, bound); !d.Eligible {
				return domain.PreparedCall{}, d.GuardError(snap.Market.Status)
			}
			value, err := e.params.RequiredEntryValue(snap.Market.TicketPrice)
			if err != nil {
				return domain.PreparedCall{}, fmt.Errorf("eligibility: entry value: %w", err)
			}
			return e.calls.EnterCall(market, actor, proof, value)
		},
	})
	if err != nil {
		return st, err
	}
	e.spend(ctx, key)
	return st, nil
}

// Recheck looks again at a pending attempt through the executor. An entry
// that confirms here spends its proof the same way Enter does.
func (e *Engine) Recheck(ctx context.Context, key orchestrator.Key) (orchestrator.State, error) {
	st, err := e.exec.Recheck(ctx, key)
	if err == nil && st.Step == orchestrator.StepSuccess && key.Action == domain.ActionEnter {
		e.spend(ctx, key)
	}
	return st, err
}

// spend consumes the proof held for key, if any, and refreshes the market so
// the new entry shows up.
func (e *Engine) spend(ctx context.Context, key orchestrator.Key) {
	e.mu.Lock()
	proof, ok := e.held[key]
	delete(e.held, key)
	e.mu.Unlock()

	if ok {
		if err := e.proofs.Consume(ctx, proof); err != nil {
			e.logger.WarnContext(ctx, "proof consume failed",
				slog.String("market", key.Market.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}

	if _, err := e.snapshots.Fresh(ctx, key.Market); err != nil {
		e.logger.WarnContext(ctx, "post-entry refresh failed",
			slog.String("market", key.Market.Hex()),
			slog.String("error", err.Error()),
		)
	}
}

// proof returns the proof held for key or acquires a new one. Concurrent
// callers for one key share a single oracle request.
func (e *Engine) proof(ctx context.Context, key orchestrator.Key) (domain.VerificationProof, error) {
	v, err, _ := e.acquiring.Do(key.String(), func() (any, error) {
		e.mu.Lock()
		p, ok := e.held[key]
		e.mu.Unlock()
		if ok {
			return p, nil
		}

		p, err := e.proofs.Acquire(ctx, key.Market, key.Actor)
		if err != nil {
			var oe *domain.OracleError
			if errors.As(err, &oe) && oe.Kind == domain.ProofAlreadyUsed {
				e.mu.Lock()
				e.proofUsed[actorMarket{actor: key.Actor, market: key.Market}] = true
				e.mu.Unlock()
				e.logger.InfoContext(ctx, "proof already used for market",
					slog.String("market", key.Market.Hex()),
					slog.String("actor", key.Actor.Hex()),
				)
			}
			return nil, err
		}

		e.mu.Lock()
		e.held[key] = p
		e.mu.Unlock()
		e.exec.OnReset(key, func() { e.Discard(key) })
		return p, nil
	})
	if err != nil {
		return domain.VerificationProof{}, err
	}
	return v.(domain.VerificationProof), nil
}

// Discard drops the proof held for key.
func (e *Engine) Discard(key orchestrator.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.held, key)
}

// Holding reports whether a proof is held for key.
func (e *Engine) Holding(key orchestrator.Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.held[key]
	return ok
}

func (e *Engine) proofSpent(market, actor common.Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proofUsed[actorMarket{actor: actor, market: market}]
}

func (e *Engine) identityBound(ctx context.Context, actor common.Address) (bool, error) {
	if e.identity == nil {
		return true, nil
	}
	bound, err := e.identity.IsBound(ctx, actor)
	if err != nil {
		return false, fmt.Errorf("eligibility: identity %s: %w", actor.Hex(), err)
	}
	return bound, nil
}
