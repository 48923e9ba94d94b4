package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuth(t *testing.T) {
	t.Parallel()

	h := Auth("secret")(ok())
	tests := []struct {
		name   string
		method string
		header map[string]string
		code   int
	}{
		{"get is open", http.MethodGet, nil, http.StatusOK},
		{"options is open", http.MethodOptions, nil, http.StatusOK},
		{"post without token", http.MethodPost, nil, http.StatusUnauthorized},
		{"post with bad token", http.MethodPost, map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"post with api key", http.MethodPost, map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"post with bearer", http.MethodPost, map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(tt.method, "/api/markets", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	Auth("")(ok()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
	limit []int
}

func (s *stubLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	s.keys = append(s.keys, key)
	s.limit = append(s.limit, limit)
	return s.allow, s.err
}


func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRateLimit(t *testing.T) {
	t.Parallel()

	lim := &stubLimiter{allow: false}
	h := RateLimit(lim, 100, 5, 30*time.Second, discard())(ok())

	req := httptest.NewRequest(http.MethodPost, "/api/markets", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	lim.allow = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/listings", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, lim.keys, 2)
	assert.Equal(t, "ratelimit:api:write:10.0.0.1", lim.keys[0])
	assert.Equal(t, "ratelimit:api:read:192.0.2.1", lim.keys[1])
	assert.Equal(t, []int{5, 100}, lim.limit)
}

func TestRateLimitFailsOpen(t *testing.T) {
	t.Parallel()

	lim := &stubLimiter{err: errors.New("redis down")}
	rec := httptest.NewRecorder()
	RateLimit(lim, 1, 0, time.Second, discard())(ok()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	t.Parallel()

	h := CORS([]string{"https://app.example"})(ok())

	req := httptest.NewRequest(http.MethodOptions, "/api/markets", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	mux := http.NewServeMux()
	mux.Handle("GET /api/markets/{address}", ok())
	h := Metrics(reg)(mux)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/markets/0xabc", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	families, err := reg.Gather()
	require.NoError(t, err)
	routes := map[string]string{}
	for _, f := range families {
		if f.GetName() != "rafflebot_http_requests_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			var route, code string
			for _, l := range m.GetLabel() {
				switch l.GetName() {
				case "route":
					route = l.GetValue()
				case "code":
					code = l.GetValue()
				}
			}
			routes[route] = code
		}
	}
	assert.Equal(t, "200", routes["GET /api/markets/{address}"])
	assert.Equal(t, "404", routes["unmatched"])
}

func TestLoggingSetsRequestID(t *testing.T) {
	t.Parallel()

	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	Logging(discard())(inner).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "abc-123", seen)
}
