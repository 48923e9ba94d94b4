// Package orchestrator drives a ledger write from preparation to a final
// receipt: prepare, simulate, sign, submit, confirm. Each (actor, market,
// action) key has one observable State, and at most one attempt per key is
// ever signing or confirming.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/ledger"
	"github.com/alanyoungcy/rafflebot/internal/retry"
)

// Ledger is the part of the ledger client the orchestrator drives.
type Ledger interface {
	Simulate(ctx context.Context, call domain.PreparedCall) (domain.PreparedCall, error)
	BuildTx(ctx context.Context, call domain.PreparedCall) (*types.Transaction, error)
	Lookup(ctx context.Context, hash common.Hash) (ledger.TxLookup, error)
	MarketAddressFromReceipt(receipt *types.Receipt) (common.Address, error)
}

// Signer signs a built transaction. A cancelled ctx means the user walked
// away from the signature request.
type Signer interface {
	SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
}

// Submitter hands a signed transaction to the network, directly or through
// a relay, and resolves a provisional id to the final hash.
type Submitter interface {
	Submit(ctx context.Context, tx *types.Transaction) (ledger.Submission, error)
	Resolve(ctx context.Context, provisionalID string) (common.Hash, bool, error)
}

// Request is one attempt. Prepare runs for every attempt and must re-read
// fresh ledger state and re-check guards; a PreparedCall is never reused.
type Request struct {
	Key     Key
	Prepare func(ctx context.Context) (domain.PreparedCall, error)
}

// Config bounds the post-submission polls and the distributed lock.
type Config struct {
	ResolvePolicy retry.Policy
	ConfirmPolicy retry.Policy
	LockTTL       time.Duration
}

// DefaultConfig polls receipts for up to three minutes.
func DefaultConfig() Config {
	return Config{
		ResolvePolicy: retry.DefaultPolicy(),
		ConfirmPolicy: retry.DefaultPolicy(),
		LockTTL:       5 * time.Minute,
	}
}

// ReceiptArchiver keeps the receipt that created a market.
type ReceiptArchiver interface {
	ArchiveCreation(ctx context.Context, market common.Address, listing domain.Listing, receipt *types.Receipt) error
}

// Deps groups the orchestrator's collaborators. Locks, Bus, Listings,
// Receipts and Metrics are optional.
type Deps struct {
	Ledger    Ledger
	Signer    Signer
	Submitter Submitter
	Locks     domain.LockManager
	Bus       domain.SignalBus
	Listings  domain.ListingStore
	Receipts  ReceiptArchiver
	Metrics   *Metrics
	Logger    *slog.Logger
}

// Orchestrator serializes attempts per key and publishes every state change.
type Orchestrator struct {
	cfg       Config
	ledger    Ledger
	signer    Signer
	submitter Submitter
	locks     domain.LockManager
	bus       domain.SignalBus
	listings  domain.ListingStore
	receipts  ReceiptArchiver
	metrics   *Metrics
	logger    *slog.Logger

	mu       sync.Mutex
	states   map[Key]State
	reserved map[Key]bool
	creates  map[Key]domain.Listing
	cleanups map[Key][]func()
	subs     map[int]func(State)
	nextSub  int
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	return &Orchestrator{
		cfg:       cfg,
		ledger:    deps.Ledger,
		signer:    deps.Signer,
		submitter: deps.Submitter,
		locks:     deps.Locks,
		bus:       deps.Bus,
		listings:  deps.Listings,
		receipts:  deps.Receipts,
		metrics:   deps.Metrics,
		logger:    logger.With(slog.String("component", "orchestrator")),
		states:    make(map[Key]State),
		reserved:  make(map[Key]bool),
		creates:   make(map[Key]domain.Listing),
		cleanups:  make(map[Key][]func()),
		subs:      make(map[int]func(State)),
	}
}

// Watch returns the current state of key. An unseen key is idle.
func (o *Orchestrator) Watch(key Key) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.states[key]
	if !ok {
		return State{Key: key, Step: StepIdle}
	}
	return st
}

// Subscribe calls fn with every published state until the returned cancel
// is called. fn runs on the publishing goroutine and must not block.
func (o *Orchestrator) Subscribe(fn func(State)) func() {
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

// OnReset registers cleanup to run when key is next reset, for artifacts the
// attempt holds such as an unspent proof.
func (o *Orchestrator) OnReset(key Key, cleanup func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cleanups[key] = append(o.cleanups[key], cleanup)
}

// Reset returns a finished key to idle and runs its registered cleanups. A
// key that is signing, confirming or pending cannot be reset: a pending
// write may still land, so only Recheck releases it.
func (o *Orchestrator) Reset(key Key) (State, error) {
	o.mu.Lock()
	cur := o.states[key]
	if cur.Step.Busy() || cur.Step == StepPending || o.reserved[key] {
		o.mu.Unlock()
		return cur, domain.ErrAttemptInFlight
	}
	cleanups := o.cleanups[key]
	delete(o.cleanups, key)
	o.mu.Unlock()

	for _, fn := range cleanups {
		fn()
	}
	return o.publish(context.Background(), State{Key: key, Step: StepIdle}), nil
}

// Execute runs one attempt for req.Key. It returns the final state and, for
// anything but success, the error that ended it.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (State, error) {
	st, _, err := o.run(ctx, req)
	return st, err
}

func (o *Orchestrator) run(ctx context.Context, req Request) (State, *types.Receipt, error) {
	key := req.Key
	action := key.Action

	release, cur, err := o.reserve(ctx, key)
	if err != nil {
		return cur, nil, err
	}
	defer release()

	call, err := req.Prepare(ctx)
	if err != nil {
		var ge *domain.GuardError
		if errors.As(err, &ge) {
			o.metrics.outcome(action, string(FailureGuard))
		} else {
			o.metrics.outcome(action, "prepare_error")
		}
		return cur, nil, err
	}

	st := State{Key: key, AttemptID: uuid.NewString(), Failure: FailureNone}
	log := o.logger.With(
		slog.String("attempt", st.AttemptID),
		slog.String("action", string(action)),
		slog.String("actor", key.Actor.Hex()),
		slog.String("market", key.Market.Hex()),
	)

	sim, err := o.ledger.Simulate(ctx, call)
	if err != nil {
		var se *domain.SimulationError
		if !errors.As(err, &se) {
			err = &domain.SimulationError{Action: action, Err: err}
		}
		log.WarnContext(ctx, "simulation failed", slog.String("error", err.Error()))
		return o.fail(ctx, st, FailureSimulation, err), nil, err
	}

	st.Step = StepSigning
	st = o.publish(ctx, st)
	o.metrics.track(action, 1)
	defer o.metrics.track(action, -1)

	tx, err := o.ledger.BuildTx(ctx, sim)
	if err != nil {
		if ctx.Err() != nil {
			return o.abandon(ctx, st, log)
		}
		err = &domain.SubmissionError{Stage: domain.StageSubmit, Err: err}
		return o.fail(ctx, st, FailureSubmit, err), nil, err
	}

	signed, err := o.signer.SignTx(ctx, tx)
	if err != nil {
		if ctx.Err() != nil {
			return o.abandon(ctx, st, log)
		}
		err = &domain.SubmissionError{Stage: domain.StageRejected, Err: err}
		log.InfoContext(ctx, "signature rejected", slog.String("error", err.Error()))
		return o.fail(ctx, st, FailureRejected, err), nil, err
	}

	// Once signed the attempt runs to an outcome even if the caller leaves.
	bg := context.WithoutCancel(ctx)

	sub, err := o.submitter.Submit(bg, signed)
	if err != nil {
		err = &domain.SubmissionError{Stage: domain.StageSubmit, Err: err}
		log.ErrorContext(bg, "submit failed", slog.String("error", err.Error()))
		return o.fail(bg, st, FailureSubmit, err), nil, err
	}

	st.Step = StepConfirming
	st.ProvisionalID = sub.ProvisionalID
	if sub.Final {
		st.TxHash = sub.TxHash.Hex()
	}
	st = o.publish(bg, st)
	submittedAt := time.Now()

	hash := sub.TxHash
	if !sub.Final {
		res := retry.Poll(bg, o.cfg.ResolvePolicy, o.resolveProbe(sub.ProvisionalID))
		switch res.Outcome {
		case retry.Found:
			hash = res.Value
			st.TxHash = hash.Hex()
			st = o.publish(bg, st)
		case retry.TimedOut:
			return o.pending(bg, st, res.Err, log)
		default:
			err := &domain.SubmissionError{Stage: domain.StageSubmit, Err: res.Err}
			return o.fail(bg, st, FailureSubmit, err), nil, err
		}
	}

	res := retry.Poll(bg, o.cfg.ConfirmPolicy, o.lookupProbe(hash))
	switch res.Outcome {
	case retry.Found:
	case retry.TimedOut:
		return o.pending(bg, st, res.Err, log)
	default:
		err := &domain.SubmissionError{Stage: domain.StageSubmit, TxHash: st.TxHash, Err: res.Err}
		return o.fail(bg, st, FailureSubmit, err), nil, err
	}

	o.metrics.confirmed(action, time.Since(submittedAt))
	receipt := res.Value.Receipt
	if res.Value.Reverted {
		err := &domain.SubmissionError{
			Stage:  domain.StageReverted,
			TxHash: st.TxHash,
			Err:    fmt.Errorf("reverted in block %s", receipt.BlockNumber),
		}
		log.WarnContext(bg, "transaction reverted", slog.String("tx", st.TxHash))
		return o.fail(bg, st, FailureReverted, err), receipt, err
	}

	st.Step = StepSuccess
	o.metrics.outcome(action, string(StepSuccess))
	log.InfoContext(bg, "transaction confirmed",
		slog.String("tx", st.TxHash),
		slog.Int("attempts", res.Attempts),
	)
	return o.publish(bg, st), receipt, nil
}

// reserve claims key locally and, when configured, across processes.
func (o *Orchestrator) reserve(ctx context.Context, key Key) (func(), State, error) {
	o.mu.Lock()
	cur, ok := o.states[key]
	if !ok {
		cur = State{Key: key, Step: StepIdle}
	}
	switch {
	case cur.Step.Busy() || cur.Step == StepPending || o.reserved[key]:
		o.mu.Unlock()
		o.metrics.outcome(key.Action, "in_flight")
		return nil, cur, domain.ErrAttemptInFlight
	case cur.Step == StepError:
		o.mu.Unlock()
		return nil, cur, domain.ErrResetRequired
	}
	o.reserved[key] = true
	o.mu.Unlock()

	local := func() {
		o.mu.Lock()
		delete(o.reserved, key)
		o.mu.Unlock()
	}
	if o.locks == nil {
		return local, cur, nil
	}

	unlock, err := o.locks.Acquire(ctx, key.String(), o.cfg.LockTTL)
	if err != nil {
		local()
		if errors.Is(err, domain.ErrLockHeld) {
			o.metrics.outcome(key.Action, "in_flight")
			return nil, cur, domain.ErrAttemptInFlight
		}
		return nil, cur, fmt.Errorf("orchestrator: lock %s: %w", key, err)
	}
	return func() {
		unlock()
		local()
	}, cur, nil
}

func (o *Orchestrator) resolveProbe(id string) retry.Probe[common.Hash] {
	return func(ctx context.Context) (common.Hash, retry.Outcome, error) {
		hash, ok, err := o.submitter.Resolve(ctx, id)
		switch {
		case errors.Is(err, ledger.ErrRelayFailed):
			return common.Hash{}, retry.Failed, err
		case err != nil:
			return common.Hash{}, retry.NotYetVisible, err
		case !ok:
			return common.Hash{}, retry.NotYetVisible, nil
		}
		return hash, retry.Found, nil
	}
}

func (o *Orchestrator) lookupProbe(hash common.Hash) retry.Probe[ledger.TxLookup] {
	return func(ctx context.Context) (ledger.TxLookup, retry.Outcome, error) {
		lk, err := o.ledger.Lookup(ctx, hash)
		if err != nil {
			return lk, retry.NotYetVisible, err
		}
		if lk.State == ledger.LookupFinal {
			return lk, retry.Found, nil
		}
		return lk, retry.NotYetVisible, nil
	}
}

func (o *Orchestrator) fail(ctx context.Context, st State, failure Failure, err error) State {
	st.Step = StepError
	st.Failure = failure
	st.Err = err
	o.metrics.outcome(st.Key.Action, string(failure))
	return o.publish(ctx, st)
}

func (o *Orchestrator) abandon(ctx context.Context, st State, log *slog.Logger) (State, *types.Receipt, error) {
	log.InfoContext(ctx, "signature request abandoned")
	o.metrics.outcome(st.Key.Action, "abandoned")
	idle := o.publish(context.WithoutCancel(ctx), State{Key: st.Key, Step: StepIdle})
	return idle, nil, domain.ErrSignatureAbandoned
}

func (o *Orchestrator) pending(ctx context.Context, st State, last error, log *slog.Logger) (State, *types.Receipt, error) {
	err := &domain.SubmissionError{
		Stage:  domain.StageTimeout,
		TxHash: st.TxHash,
		Err:    errors.Join(errors.New("no final receipt yet"), last),
	}
	st.Step = StepPending
	st.Failure = FailureTimeout
	st.Err = err
	o.metrics.outcome(st.Key.Action, string(StepPending))
	log.WarnContext(ctx, "confirmation timed out; still pending",
		slog.String("provisional_id", st.ProvisionalID),
		slog.String("tx", st.TxHash),
	)
	return o.publish(ctx, st), nil, err
}

// publish stores st and fans it out locally and on the bus.
func (o *Orchestrator) publish(ctx context.Context, st State) State {
	st.UpdatedAt = time.Now().UTC()

	o.mu.Lock()
	o.states[st.Key] = st
	subs := make([]func(State), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}

	if o.bus != nil {
		payload, err := json.Marshal(st)
		if err == nil {
			if err := o.bus.Publish(ctx, AttemptChannel(st.Key.Actor), payload); err != nil {
				o.logger.WarnContext(ctx, "attempt publish failed", slog.String("error", err.Error()))
			}
			if err := o.bus.StreamAppend(ctx, domain.StreamAttempts, payload); err != nil {
				o.logger.WarnContext(ctx, "attempt stream append failed", slog.String("error", err.Error()))
			}
		}
	}
	return st
}

// AttemptChannel is the SignalBus channel carrying attempts of actor.
func AttemptChannel(actor common.Address) string {
	return domain.ChannelAttemptPrefix + strings.ToLower(actor.Hex())
}
