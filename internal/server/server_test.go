package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/server/handler"
)

type emptyListings struct{}

func (emptyListings) Get(context.Context, common.Address) (domain.Listing, error) {
	return domain.Listing{}, domain.ErrNotFound
}

func (emptyListings) List(context.Context, domain.ListOpts) ([]domain.Listing, error) {
	return nil, nil
}

func (emptyListings) Count(context.Context) (int64, error) { return 0, nil }

func (emptyListings) Records(context.Context, common.Address) ([]domain.BlobInfo, error) {
	return nil, nil
}

func newTestHandler(t *testing.T, apiKey string, checks map[string]handler.Pinger) http.Handler {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	s := NewServer(Config{APIKey: apiKey}, Handlers{
		Health:   handler.NewHealthHandler("watch", checks, logger),
		Markets:  handler.NewMarketHandler(nil, nil, logger),
		Listings: handler.NewListingHandler(emptyListings{}, logger),
	}, Deps{Gatherer: reg, Registry: reg}, logger)
	return s.httpServer.Handler
}

func do(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestReadRoutes(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, "k", nil)

	rec := do(h, http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(h, http.MethodGet, "/api/listings")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"listings":[],"total":0,"limit":50,"offset":0}`, rec.Body.String())

	rec = do(h, http.MethodGet, "/api/listings/0xAbCdEf0000000000000000000000000000000001")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "rafflebot_http_requests_total"))
}

func TestWriteRoutesAbsentWithoutActions(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, "", nil)
	rec := do(h, http.MethodPost, "/api/markets/0xAbCdEf0000000000000000000000000000000001/quote")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWritesRequireKey(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, "k", nil)
	rec := do(h, http.MethodPost, "/api/listings/reconcile")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthDegraded(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, "", map[string]handler.Pinger{
		"redis": handler.PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	rec := do(h, http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}
