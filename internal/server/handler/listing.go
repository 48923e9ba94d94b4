package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/service"
)

// ListingService defines the listing reads the handler needs.
type ListingService interface {
	Get(ctx context.Context, market common.Address) (domain.Listing, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.Listing, error)
	Count(ctx context.Context) (int64, error)
	Records(ctx context.Context, market common.Address) ([]domain.BlobInfo, error)
}

// ListingHandler serves the listing browse endpoints.
type ListingHandler struct {
	listings ListingService
	logger   *slog.Logger
}

// NewListingHandler creates a ListingHandler.
func NewListingHandler(listings ListingService, logger *slog.Logger) *ListingHandler {
	return &ListingHandler{listings: listings, logger: logger}
}

type listListingsResponse struct {
	Listings []domain.Listing `json:"listings"`
	Total    int64            `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// ListListings returns listings newest first with pagination.
// GET /api/listings?limit=50&offset=0
func (h *ListingHandler) ListListings(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	listings, err := h.listings.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list listings failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list listings")
		return
	}

	total, err := h.listings.Count(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: count listings failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to count listings")
		return
	}

	if listings == nil {
		listings = []domain.Listing{}
	}
	writeJSON(w, http.StatusOK, listListingsResponse{
		Listings: listings,
		Total:    total,
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	})
}

// GetListing returns the listing of one market.
// GET /api/listings/{address}
func (h *ListingHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	addr, ok := marketParam(w, r)
	if !ok {
		return
	}

	l, err := h.listings.Get(r.Context(), addr)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "listing not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get listing failed",
			slog.String("market", addr.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get listing")
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// ListArchive lists the archived records of one market.
// GET /api/listings/{address}/archive
func (h *ListingHandler) ListArchive(w http.ResponseWriter, r *http.Request) {
	addr, ok := marketParam(w, r)
	if !ok {
		return
	}

	records, err := h.listings.Records(r.Context(), addr)
	if err != nil {
		if errors.Is(err, service.ErrArchiveDisabled) {
			writeError(w, http.StatusNotFound, "archive disabled")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: list archive failed",
			slog.String("market", addr.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list archive")
		return
	}
	if records == nil {
		records = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"market": addr, "records": records})
}
