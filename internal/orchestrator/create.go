package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/ledger"
)

// ErrListingNotRetained means a pending create confirmed after its listing
// details were lost, for example across a restart.
var ErrListingNotRetained = errors.New("orchestrator: listing details not retained")

// Reconciliation steps reported in State.Warning.
const (
	StepExtractAddress = "extract_market_address"
	StepPersistListing = "persist_listing"
)

// CreateRequest is a createMarket attempt plus the off-chain listing to
// persist once the market address is known.
type CreateRequest struct {
	Key     Key
	Prepare func(ctx context.Context) (domain.PreparedCall, error)
	Listing domain.Listing
}

// CreateMarket runs the createMarket write, takes the new market address
// from the receipt and only then persists the listing. Failures after the
// write confirmed leave the attempt at success with State.Warning set. A
// create that ends pending keeps its listing until Recheck settles it.
func (o *Orchestrator) CreateMarket(ctx context.Context, req CreateRequest) (State, error) {
	req.Key.Action = domain.ActionCreateMarket
	st, receipt, err := o.run(ctx, Request{Key: req.Key, Prepare: req.Prepare})
	if err != nil {
		if st.Step == StepPending {
			o.mu.Lock()
			o.creates[req.Key] = req.Listing
			o.mu.Unlock()
		}
		return st, err
	}
	return o.finishCreate(context.WithoutCancel(ctx), st, req.Listing, true, receipt), nil
}

// finishCreate runs the steps that follow a confirmed createMarket receipt.
// Without the listing the address is still reported and the listing step
// is left to ReconcileListing.
func (o *Orchestrator) finishCreate(ctx context.Context, st State, listing domain.Listing, haveListing bool, receipt *types.Receipt) State {
	log := o.logger.With(slog.String("attempt", st.AttemptID), slog.String("tx", st.TxHash))

	addr, err := o.ledger.MarketAddressFromReceipt(receipt)
	if err != nil {
		st.Warning = &domain.ReconciliationWarning{Step: StepExtractAddress, TxHash: st.TxHash, Err: err}
		log.WarnContext(ctx, "market created but address not found in receipt", slog.String("error", err.Error()))
		return o.publish(ctx, st)
	}
	st.MarketAddress = addr

	if !haveListing {
		st.Warning = &domain.ReconciliationWarning{Step: StepPersistListing, TxHash: st.TxHash, Err: ErrListingNotRetained}
		log.WarnContext(ctx, "market created but listing details are gone", slog.String("market", addr.Hex()))
		return o.publish(ctx, st)
	}

	listing = CompleteListing(listing, st.Key.Actor, addr, st.TxHash)
	if w := o.persistListing(ctx, listing, st.TxHash); w != nil {
		st.Warning = w
		log.WarnContext(ctx, "market created but listing not persisted",
			slog.String("market", addr.Hex()),
			slog.String("error", w.Err.Error()),
		)
	}

	if o.receipts != nil {
		if err := o.receipts.ArchiveCreation(ctx, addr, listing, receipt); err != nil {
			log.WarnContext(ctx, "creation receipt archive failed", slog.String("error", err.Error()))
		}
	}

	log.InfoContext(ctx, "market created", slog.String("market", addr.Hex()))
	return o.publish(ctx, st)
}

// takeCreate removes and returns the listing held for a pending create.
func (o *Orchestrator) takeCreate(key Key) (domain.Listing, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.creates[key]
	delete(o.creates, key)
	return l, ok
}

// CompleteListing fills the fields of l that come from the ledger.
func CompleteListing(l domain.Listing, seller, market common.Address, txHash string) domain.Listing {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Seller == (common.Address{}) {
		l.Seller = seller
	}
	l.MarketAddress = market
	l.CreatedTxHash = txHash
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	return l
}

func (o *Orchestrator) persistListing(ctx context.Context, l domain.Listing, txHash string) *domain.ReconciliationWarning {
	if o.listings == nil {
		return nil
	}
	if _, err := o.listings.CreateListing(ctx, l); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return &domain.ReconciliationWarning{Step: StepPersistListing, TxHash: txHash, Err: err}
	}
	return nil
}

// Recheck looks once more at a pending attempt. It moves the key to success
// or error when the ledger has a final answer and leaves it pending
// otherwise.
func (o *Orchestrator) Recheck(ctx context.Context, key Key) (State, error) {
	st := o.Watch(key)
	if st.Step != StepPending {
		return st, nil
	}

	hash := common.HexToHash(st.TxHash)
	if st.TxHash == "" {
		h, ok, err := o.submitter.Resolve(ctx, st.ProvisionalID)
		if err != nil {
			if errors.Is(err, ledger.ErrRelayFailed) {
				return o.fail(ctx, st, FailureSubmit, &domain.SubmissionError{Stage: domain.StageSubmit, Err: err}), err
			}
			return st, err
		}
		if !ok {
			return st, nil
		}
		hash = h
		st.TxHash = h.Hex()
	}

	lk, err := o.ledger.Lookup(ctx, hash)
	if err != nil {
		return st, err
	}
	if lk.State != ledger.LookupFinal {
		return o.publish(ctx, st), nil
	}
	if lk.Reverted {
		o.takeCreate(key)
		err := &domain.SubmissionError{Stage: domain.StageReverted, TxHash: st.TxHash, Err: errors.New("reverted")}
		return o.fail(ctx, st, FailureReverted, err), err
	}
	st.Step = StepSuccess
	st.Failure = FailureNone
	st.Err = nil
	o.metrics.outcome(key.Action, string(StepSuccess))
	if key.Action == domain.ActionCreateMarket {
		listing, ok := o.takeCreate(key)
		return o.finishCreate(context.WithoutCancel(ctx), st, listing, ok, lk.Receipt), nil
	}
	return o.publish(ctx, st), nil
}
