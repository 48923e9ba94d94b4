package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/eligibility"
	"github.com/alanyoungcy/rafflebot/internal/marketsync"
	"github.com/alanyoungcy/rafflebot/internal/service"
)

// MarketViews exposes the synced market views. It is declared locally so the
// handler package does not depend on the concrete syncer.
type MarketViews interface {
	View(addr common.Address) marketsync.View
	Warm(ctx context.Context, addr common.Address) marketsync.View
	Track(addr common.Address)
}

// MarketReader answers the read-only market questions.
type MarketReader interface {
	Quote(ctx context.Context, market, actor common.Address) (service.Quote, error)
	CanEnter(ctx context.Context, market, actor common.Address) (eligibility.Decision, domain.MarketSnapshot, error)
}

// MarketHandler serves the market read endpoints.
type MarketHandler struct {
	views  MarketViews
	reader MarketReader
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(views MarketViews, reader MarketReader, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		views:  views,
		reader: reader,
		logger: logger,
	}
}

// GetMarket returns the current view of a market. An untracked market is
// tracked from now on and answered from cache, if any, as a stale loading
// view.
// GET /api/markets/{address}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	addr, ok := marketParam(w, r)
	if !ok {
		return
	}

	v := h.views.View(addr)
	if v.State == marketsync.Uninitialized {
		h.views.Track(addr)
		v = h.views.Warm(r.Context(), addr)
	}
	writeJSON(w, http.StatusOK, v)
}

type eligibilityResponse struct {
	Market      common.Address      `json:"market"`
	Actor       common.Address      `json:"actor"`
	Eligible    bool                `json:"eligible"`
	Reason      eligibility.Reason  `json:"reason"`
	Status      domain.MarketStatus `json:"status,omitempty"`
	BlockNumber uint64              `json:"block_number,omitempty"`
}

// Eligibility reports whether actor may enter the market now.
// GET /api/markets/{address}/eligibility?actor=0x...
func (h *MarketHandler) Eligibility(w http.ResponseWriter, r *http.Request) {
	addr, ok := marketParam(w, r)
	if !ok {
		return
	}
	actor, ok := optionalActor(w, r)
	if !ok {
		return
	}
	if actor == (common.Address{}) {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	d, snap, err := h.reader.CanEnter(r.Context(), addr, actor)
	resp := eligibilityResponse{
		Market:      addr,
		Actor:       actor,
		Eligible:    d.Eligible,
		Reason:      d.Reason,
		Status:      snap.Market.Status,
		BlockNumber: snap.BlockNumber,
	}
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: eligibility undecided",
			slog.String("market", addr.Hex()),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Quote prices the market for the optional actor.
// GET /api/markets/{address}/quote?actor=0x...
func (h *MarketHandler) Quote(w http.ResponseWriter, r *http.Request) {
	addr, ok := marketParam(w, r)
	if !ok {
		return
	}
	actor, ok := optionalActor(w, r)
	if !ok {
		return
	}

	q, err := h.reader.Quote(r.Context(), addr, actor)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: quote failed",
			slog.String("market", addr.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "market state unavailable")
		return
	}
	writeJSON(w, http.StatusOK, q)
}
