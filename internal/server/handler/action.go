package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/orchestrator"
	"github.com/alanyoungcy/rafflebot/internal/service"
)

// Actions are the writes exposed over HTTP. Every action is signed by the
// service wallet.
type Actions interface {
	CreateMarket(ctx context.Context, seller common.Address, in service.CreateMarketInput) (orchestrator.State, error)
	OpenMarket(ctx context.Context, market, actor common.Address) (orchestrator.State, error)
	Enter(ctx context.Context, market, actor common.Address) (orchestrator.State, error)
	Settle(ctx context.Context, market, actor common.Address) (orchestrator.State, error)
	DrawAndSettle(ctx context.Context, market, actor common.Address) (orchestrator.State, error)
	ClaimRefund(ctx context.Context, market, actor common.Address) (service.RefundResult, error)
	Attempt(key orchestrator.Key) orchestrator.State
	Reset(key orchestrator.Key) (orchestrator.State, error)
	Recheck(ctx context.Context, key orchestrator.Key) (orchestrator.State, error)
	History(ctx context.Context, actor common.Address, limit int) ([]orchestrator.HistoryEntry, error)
}

// Reconciler repairs listings after a reconciliation warning.
type Reconciler interface {
	ReconcileListing(ctx context.Context, txHash common.Hash, listing domain.Listing) (domain.Listing, error)
}

// ActionHandler serves the action endpoints.
type ActionHandler struct {
	actions    Actions
	reconciler Reconciler
	wallet     common.Address
	logger     *slog.Logger
}

// NewActionHandler creates an ActionHandler acting as wallet.
func NewActionHandler(actions Actions, reconciler Reconciler, wallet common.Address, logger *slog.Logger) *ActionHandler {
	return &ActionHandler{
		actions:    actions,
		reconciler: reconciler,
		wallet:     wallet,
		logger:     logger,
	}
}

// CreateMarket creates a market with the service wallet as seller.
// POST /api/markets
func (h *ActionHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var in service.CreateMarketInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := h.actions.CreateMarket(r.Context(), h.wallet, in)
	h.respond(w, r, st, err, st)
}

// OpenMarket opens a created market.
// POST /api/markets/{address}/open
func (h *ActionHandler) OpenMarket(w http.ResponseWriter, r *http.Request) {
	h.marketAction(w, r, h.actions.OpenMarket)
}

// Enter enters the service wallet into a market.
// POST /api/markets/{address}/enter
func (h *ActionHandler) Enter(w http.ResponseWriter, r *http.Request) {
	h.marketAction(w, r, h.actions.Enter)
}

// Settle pays out a revealed market.
// POST /api/markets/{address}/settle
func (h *ActionHandler) Settle(w http.ResponseWriter, r *http.Request) {
	h.marketAction(w, r, h.actions.Settle)
}

// Draw draws and settles a closed market.
// POST /api/markets/{address}/draw
func (h *ActionHandler) Draw(w http.ResponseWriter, r *http.Request) {
	h.marketAction(w, r, h.actions.DrawAndSettle)
}

// Refund claims the service wallet's refund.
// POST /api/markets/{address}/refund
func (h *ActionHandler) Refund(w http.ResponseWriter, r *http.Request) {
	addr, ok := marketParam(w, r)
	if !ok {
		return
	}
	res, err := h.actions.ClaimRefund(r.Context(), addr, h.wallet)
	h.respond(w, r, res.State, err, res)
}

type attemptRequest struct {
	Market common.Address    `json:"market"`
	Action domain.ActionKind `json:"action"`
}

func (h *ActionHandler) attemptKey(w http.ResponseWriter, r *http.Request) (orchestrator.Key, bool) {
	var req attemptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return orchestrator.Key{}, false
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return orchestrator.Key{}, false
	}
	return orchestrator.Key{Actor: h.wallet, Market: req.Market, Action: req.Action}, true
}

// GetAttempt returns the current state of one attempt slot.
// GET /api/attempts/{address}/{action}
func (h *ActionHandler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	var market common.Address
	if v := r.PathValue("address"); v != "" && v != "-" {
		addr, err := parseAddress(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		market = addr
	}
	key := orchestrator.Key{Actor: h.wallet, Market: market, Action: domain.ActionKind(r.PathValue("action"))}
	writeJSON(w, http.StatusOK, h.actions.Attempt(key))
}

// ListAttempts returns recorded attempt transitions of actor, newest first.
// The actor defaults to the service wallet.
// GET /api/attempts?actor=0x...&limit=50
func (h *ActionHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	actor, ok := optionalActor(w, r)
	if !ok {
		return
	}
	if actor == (common.Address{}) {
		actor = h.wallet
	}
	entries, err := h.actions.History(r.Context(), actor, parseListOpts(r).Limit)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoHistory) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "attempt history failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read attempt history")
		return
	}
	if entries == nil {
		entries = []orchestrator.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actor": actor, "attempts": entries})
}

// ResetAttempt clears a failed attempt.
// POST /api/attempts/reset
func (h *ActionHandler) ResetAttempt(w http.ResponseWriter, r *http.Request) {
	key, ok := h.attemptKey(w, r)
	if !ok {
		return
	}
	st, err := h.actions.Reset(key)
	if err != nil {
		if errors.Is(err, domain.ErrAttemptInFlight) {
			writeJSON(w, http.StatusConflict, actionResponse{Attempt: st, Error: err.Error()})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// RecheckAttempt looks again at a pending attempt.
// POST /api/attempts/recheck
func (h *ActionHandler) RecheckAttempt(w http.ResponseWriter, r *http.Request) {
	key, ok := h.attemptKey(w, r)
	if !ok {
		return
	}
	st, err := h.actions.Recheck(r.Context(), key)
	h.respond(w, r, st, err, st)
}

type reconcileRequest struct {
	TxHash  common.Hash    `json:"tx_hash"`
	Listing domain.Listing `json:"listing"`
}

// ReconcileListing persists a listing whose create reported a warning.
// POST /api/listings/reconcile
func (h *ActionHandler) ReconcileListing(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TxHash == (common.Hash{}) {
		writeError(w, http.StatusBadRequest, "tx_hash is required")
		return
	}
	if req.Listing.Seller == (common.Address{}) {
		req.Listing.Seller = h.wallet
	}
	l, err := h.reconciler.ReconcileListing(r.Context(), req.TxHash, req.Listing)
	if err != nil {
		if errors.Is(err, service.ErrReceiptNotFinal) {
			writeError(w, http.StatusAccepted, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: reconcile listing failed",
			slog.String("tx", req.TxHash.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *ActionHandler) marketAction(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, market, actor common.Address) (orchestrator.State, error),
) {
	addr, ok := marketParam(w, r)
	if !ok {
		return
	}
	st, err := fn(r.Context(), addr, h.wallet)
	h.respond(w, r, st, err, st)
}

type actionResponse struct {
	Attempt orchestrator.State `json:"attempt"`
	Error   string             `json:"error,omitempty"`
	Reason  string             `json:"reason,omitempty"`
}

// respond writes body on success and an error envelope otherwise.
func (h *ActionHandler) respond(w http.ResponseWriter, r *http.Request, st orchestrator.State, err error, body any) {
	if err == nil {
		code := http.StatusOK
		if st.Step == orchestrator.StepPending {
			code = http.StatusAccepted
		}
		writeJSON(w, code, body)
		return
	}

	code, reason := StatusFor(st, err)
	if code >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "handler: action failed",
			slog.String("action", string(st.Key.Action)),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, code, actionResponse{Attempt: st, Error: err.Error(), Reason: reason})
}

// StatusFor maps an action error to its HTTP status and a short reason.
func StatusFor(st orchestrator.State, err error) (int, string) {
	if st.Step == orchestrator.StepPending {
		return http.StatusAccepted, "pending"
	}

	var (
		ge  *domain.GuardError
		oe  *domain.OracleError
		se  *domain.SimulationError
		sub *domain.SubmissionError
	)
	switch {
	case errors.As(err, &ge):
		return http.StatusConflict, ge.Reason
	case errors.As(err, &oe):
		if oe.Terminal() {
			return http.StatusForbidden, string(oe.Kind)
		}
		return http.StatusServiceUnavailable, string(oe.Kind)
	case errors.As(err, &se):
		return http.StatusUnprocessableEntity, se.Reason
	case errors.Is(err, domain.ErrAttemptInFlight):
		return http.StatusConflict, "in_flight"
	case errors.Is(err, domain.ErrResetRequired):
		return http.StatusConflict, "reset_required"
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrSignatureAbandoned):
		return http.StatusRequestTimeout, "abandoned"
	case errors.As(err, &sub):
		switch sub.Stage {
		case domain.StageReverted:
			return http.StatusUnprocessableEntity, string(sub.Stage)
		case domain.StageSubmit:
			return http.StatusBadGateway, string(sub.Stage)
		case domain.StageTimeout:
			return http.StatusAccepted, string(sub.Stage)
		}
		return http.StatusInternalServerError, string(sub.Stage)
	}
	return http.StatusInternalServerError, ""
}
