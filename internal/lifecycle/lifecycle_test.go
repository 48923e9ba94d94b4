package lifecycle_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/lifecycle"
)

func TestGuardPredicatesPartition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    domain.MarketStatus
		entryOpen bool
		canSettle bool
		canRefund bool
		terminal  bool
	}{
		{domain.StatusCreated, false, false, false, false},
		{domain.StatusOpen, true, false, false, false},
		{domain.StatusClosed, false, false, false, false},
		{domain.StatusCommitted, false, false, false, false},
		{domain.StatusRevealed, false, true, false, false},
		{domain.StatusCompleted, false, false, true, true},
		{domain.StatusFailed, false, false, true, true},
	}
	require.Len(t, tests, len(domain.AllStatuses))

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.entryOpen, lifecycle.IsEntryOpen(tt.status))
			require.Equal(t, tt.canSettle, lifecycle.CanSettle(tt.status))
			require.Equal(t, tt.canRefund, lifecycle.CanClaimRefund(tt.status))
			require.Equal(t, tt.terminal, lifecycle.IsTerminal(tt.status))
		})
	}
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	t.Parallel()

	for _, s := range domain.AllStatuses {
		if lifecycle.IsTerminal(s) {
			require.Empty(t, lifecycle.Next(s), s)
			for _, to := range domain.AllStatuses {
				require.False(t, lifecycle.CanTransition(s, to))
			}
		} else {
			require.NotEmpty(t, lifecycle.Next(s), s)
		}
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	legal := [][2]domain.MarketStatus{
		{domain.StatusCreated, domain.StatusOpen},
		{domain.StatusOpen, domain.StatusClosed},
		{domain.StatusOpen, domain.StatusFailed},
		{domain.StatusClosed, domain.StatusRevealed},
		{domain.StatusClosed, domain.StatusCommitted},
		{domain.StatusClosed, domain.StatusFailed},
		{domain.StatusCommitted, domain.StatusRevealed},
		{domain.StatusRevealed, domain.StatusCompleted},
	}
	isLegal := func(from, to domain.MarketStatus) bool {
		for _, e := range legal {
			if e[0] == from && e[1] == to {
				return true
			}
		}
		return false
	}

	for _, from := range domain.AllStatuses {
		for _, to := range domain.AllStatuses {
			require.Equalf(t, isLegal(from, to), lifecycle.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCheckObserved(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prev    domain.MarketStatus
		next    domain.MarketStatus
		wantErr error
		ok      bool
	}{
		{name: "same", prev: domain.StatusOpen, next: domain.StatusOpen, ok: true},
		{name: "single_edge", prev: domain.StatusCreated, next: domain.StatusOpen, ok: true},
		{name: "commit_skipped", prev: domain.StatusClosed, next: domain.StatusRevealed, ok: true},
		{name: "missed_polls", prev: domain.StatusOpen, next: domain.StatusCompleted, ok: true},
		{name: "backwards", prev: domain.StatusRevealed, next: domain.StatusOpen},
		{name: "leave_completed", prev: domain.StatusCompleted, next: domain.StatusFailed, wantErr: domain.ErrTerminalStatus},
		{name: "leave_failed", prev: domain.StatusFailed, next: domain.StatusOpen, wantErr: domain.ErrTerminalStatus},
		{name: "unknown", prev: domain.StatusOpen, next: domain.MarketStatus("PAUSED"), wantErr: domain.ErrUnknownStatus},
		{name: "created_to_revealed", prev: domain.StatusCreated, next: domain.StatusRevealed, ok: true},
		{name: "revealed_cannot_fail", prev: domain.StatusRevealed, next: domain.StatusFailed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := lifecycle.CheckObserved(tt.prev, tt.next)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestGuard(t *testing.T) {
	t.Parallel()

	allowed := map[domain.ActionKind][]domain.MarketStatus{
		domain.ActionOpenMarket:    {domain.StatusCreated},
		domain.ActionEnter:         {domain.StatusOpen},
		domain.ActionSettle:        {domain.StatusRevealed},
		domain.ActionClaimRefund:   {domain.StatusCompleted, domain.StatusFailed},
		domain.ActionDrawAndSettle: {domain.StatusClosed, domain.StatusCommitted},
		domain.ActionCreateMarket:  domain.AllStatuses,
	}

	for action, statuses := range allowed {
		for _, s := range domain.AllStatuses {
			err := lifecycle.Guard(action, s)
			want := false
			for _, a := range statuses {
				if a == s {
					want = true
				}
			}
			if want {
				require.NoErrorf(t, err, "%s in %s", action, s)
				continue
			}
			var ge *domain.GuardError
			require.Truef(t, errors.As(err, &ge), "%s in %s", action, s)
			require.Equal(t, action, ge.Action)
			require.Equal(t, s, ge.Status)
		}
	}

	var ge *domain.GuardError
	require.ErrorAs(t, lifecycle.Guard(domain.ActionKind("burn"), domain.StatusOpen), &ge)
}
