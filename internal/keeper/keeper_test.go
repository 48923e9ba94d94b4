package keeper

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/marketsync"
	"github.com/alanyoungcy/rafflebot/internal/orchestrator"
	"github.com/alanyoungcy/rafflebot/internal/service"
)

var (
	wallet = common.HexToAddress("0x9000000000000000000000000000000000000009")
	mkt    = common.HexToAddress("0xAbCdEf0000000000000000000000000000000001")
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func snapshot(status domain.MarketStatus, participants ...common.Address) domain.MarketSnapshot {
	return domain.MarketSnapshot{Market: domain.Market{
		LedgerAddress: mkt,
		Kind:          domain.MarketKindQuantityBased,
		TicketPrice:   big.NewInt(1),
		Status:        status,
		Participants:  participants,
	}}
}

type fakeSource struct {
	ch    chan domain.MarketSnapshot
	views map[common.Address]marketsync.View
}

func (f *fakeSource) Subscribe() (<-chan domain.MarketSnapshot, func()) { return f.ch, func() {} }

func (f *fakeSource) Tracked() []common.Address {
	out := make([]common.Address, 0, len(f.views))
	for a := range f.views {
		out = append(out, a)
	}
	return out
}

func (f *fakeSource) View(addr common.Address) marketsync.View { return f.views[addr] }

type fakeActions struct {
	mu     sync.Mutex
	calls  []domain.ActionKind
	err    error
	state  orchestrator.State
	resets int
	done   chan struct{}
}

func (f *fakeActions) record(a domain.ActionKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, a)
	if f.done != nil {
		f.done <- struct{}{}
	}
	return f.err
}

func (f *fakeActions) Settle(context.Context, common.Address, common.Address) (orchestrator.State, error) {
	return orchestrator.State{}, f.record(domain.ActionSettle)
}

func (f *fakeActions) DrawAndSettle(context.Context, common.Address, common.Address) (orchestrator.State, error) {
	return orchestrator.State{}, f.record(domain.ActionDrawAndSettle)
}

func (f *fakeActions) ClaimRefund(context.Context, common.Address, common.Address) (service.RefundResult, error) {
	return service.RefundResult{}, f.record(domain.ActionClaimRefund)
}

func (f *fakeActions) Attempt(key orchestrator.Key) orchestrator.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.state
	st.Key = key
	return st
}

func (f *fakeActions) Reset(key orchestrator.Key) (orchestrator.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.state = orchestrator.State{Key: key, Step: orchestrator.StepIdle}
	return f.state, nil
}

func (f *fakeActions) Recheck(_ context.Context, key orchestrator.Key) (orchestrator.State, error) {
	return f.Attempt(key), nil
}

func (f *fakeActions) actions() []domain.ActionKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ActionKind(nil), f.calls...)
}

type fakeParticipants struct {
	rec domain.ParticipantRecord
}

func (f fakeParticipants) ReadParticipant(context.Context, common.Address, common.Address) (domain.ParticipantRecord, error) {
	return f.rec, nil
}

func newKeeper(autoDraw bool, acts *fakeActions, parts Participants) *Keeper {
	src := &fakeSource{ch: make(chan domain.MarketSnapshot)}
	return New(Config{Wallet: wallet, AutoDraw: autoDraw}, src, acts, parts, nil, discard())
}

func TestDecide(t *testing.T) {
	t.Parallel()

	entered := fakeParticipants{rec: domain.ParticipantRecord{HasEntered: true}}
	refunded := fakeParticipants{rec: domain.ParticipantRecord{HasEntered: true, DepositRefunded: true}}

	tests := []struct {
		name     string
		autoDraw bool
		parts    Participants
		snap     domain.MarketSnapshot
		action   domain.ActionKind
		ok       bool
	}{
		{"revealed_settles", false, nil, snapshot(domain.StatusRevealed), domain.ActionSettle, true},
		{"closed_without_auto_draw", false, nil, snapshot(domain.StatusClosed), domain.ActionDrawAndSettle, false},
		{"closed_with_auto_draw", true, nil, snapshot(domain.StatusClosed), domain.ActionDrawAndSettle, true},
		{"committed_with_auto_draw", true, nil, snapshot(domain.StatusCommitted), domain.ActionDrawAndSettle, true},
		{"failed_wallet_entered", false, entered, snapshot(domain.StatusFailed, wallet), domain.ActionClaimRefund, true},
		{"completed_wallet_refunded", false, refunded, snapshot(domain.StatusCompleted, wallet), domain.ActionClaimRefund, false},
		{"failed_wallet_not_participant", false, entered, snapshot(domain.StatusFailed), "", false},
		{"open_does_nothing", true, entered, snapshot(domain.StatusOpen, wallet), "", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			k := newKeeper(tt.autoDraw, &fakeActions{}, tt.parts)
			action, ok := k.Decide(context.Background(), tt.snap)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.action, action)
			}
		})
	}
}

func TestHandleDedups(t *testing.T) {
	t.Parallel()

	acts := &fakeActions{}
	k := newKeeper(false, acts, nil)
	ctx := context.Background()

	k.Handle(ctx, snapshot(domain.StatusRevealed))
	k.Handle(ctx, snapshot(domain.StatusRevealed))
	assert.Equal(t, []domain.ActionKind{domain.ActionSettle}, acts.actions())

	k.dedup.Forget(mkt.Hex() + "|" + string(domain.ActionSettle))
	k.Handle(ctx, snapshot(domain.StatusRevealed))
	assert.Len(t, acts.actions(), 2)
}

func TestHandleInFlightIsNotAnError(t *testing.T) {
	t.Parallel()

	acts := &fakeActions{err: domain.ErrAttemptInFlight}
	k := newKeeper(false, acts, nil)
	k.Handle(context.Background(), snapshot(domain.StatusRevealed))
	assert.Len(t, acts.actions(), 1)
}

func TestHandleResetsFailedAttempt(t *testing.T) {
	t.Parallel()

	acts := &fakeActions{state: orchestrator.State{Step: orchestrator.StepError}}
	k := newKeeper(false, acts, nil)
	k.Handle(context.Background(), snapshot(domain.StatusRevealed))
	assert.Equal(t, 1, acts.resets)
	assert.Equal(t, []domain.ActionKind{domain.ActionSettle}, acts.actions())
}

func TestHandleLeavesPendingAttempt(t *testing.T) {
	t.Parallel()

	acts := &fakeActions{state: orchestrator.State{Step: orchestrator.StepPending}}
	k := newKeeper(false, acts, nil)
	k.Handle(context.Background(), snapshot(domain.StatusRevealed))
	assert.Zero(t, acts.resets)
	assert.Empty(t, acts.actions())
}

func TestSweepSkipsUndecidedViews(t *testing.T) {
	t.Parallel()

	revealed := snapshot(domain.StatusRevealed)
	other := common.HexToAddress("0x02")
	src := &fakeSource{
		ch: make(chan domain.MarketSnapshot),
		views: map[common.Address]marketsync.View{
			mkt:   {State: marketsync.Ready, Snapshot: &revealed},
			other: {State: marketsync.Loading},
		},
	}
	acts := &fakeActions{}
	k := New(Config{Wallet: wallet}, src, acts, nil, nil, discard())
	k.Sweep(context.Background())
	assert.Equal(t, []domain.ActionKind{domain.ActionSettle}, acts.actions())
}

func TestRunHandlesUpdates(t *testing.T) {
	t.Parallel()

	src := &fakeSource{ch: make(chan domain.MarketSnapshot)}
	acts := &fakeActions{done: make(chan struct{}, 1)}
	k := New(Config{Wallet: wallet, AutoDraw: true}, src, acts, nil, nil, discard())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- k.Run(ctx) }()

	src.ch <- snapshot(domain.StatusClosed)
	select {
	case <-acts.done:
	case <-time.After(2 * time.Second):
		t.Fatal("keeper did not act")
	}
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, []domain.ActionKind{domain.ActionDrawAndSettle}, acts.actions())
}

func TestDedupExpires(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	d := NewDedup(time.Minute)
	d.now = func() time.Time { return now }

	assert.False(t, d.IsDuplicate("a"))
	assert.True(t, d.IsDuplicate("a"))

	now = now.Add(time.Minute)
	assert.False(t, d.IsDuplicate("a"))

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	assert.Zero(t, d.Len())
}
