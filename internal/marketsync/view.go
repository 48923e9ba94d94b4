package marketsync

import (
	"time"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// ViewState is the load state of a tracked market.
type ViewState int

const (
	// Uninitialized means no read was ever requested.
	Uninitialized ViewState = iota
	// Loading means a read is outstanding and nothing fresh is known yet. A
	// cached snapshot may be attached, flagged Stale.
	Loading
	// Ready means the view holds a snapshot read from the ledger.
	Ready
)

func (s ViewState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	default:
		return "uninitialized"
	}
}

// MarshalText renders the state name in JSON.
func (s ViewState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// View is what callers see of a market. Snapshot is nil while Uninitialized
// and for a Loading view that has no cached data.
type View struct {
	State     ViewState              `json:"state"`
	Snapshot  *domain.MarketSnapshot `json:"snapshot,omitempty"`
	Stale     bool                   `json:"stale,omitempty"`
	LastError string                 `json:"last_error,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Decided reports whether the view may drive a guard. Only a fresh ledger
// read counts; a stale cached snapshot never does.
func (v View) Decided() bool {
	return v.State == Ready && v.Snapshot != nil
}

// Status returns the observed status, or "" when not decided.
func (v View) Status() domain.MarketStatus {
	if !v.Decided() {
		return ""
	}
	return v.Snapshot.Market.Status
}

func (v View) clone() View {
	if v.Snapshot != nil {
		snap := *v.Snapshot
		v.Snapshot = &snap
	}
	return v
}
