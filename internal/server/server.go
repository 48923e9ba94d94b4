package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/server/handler"
	"github.com/alanyoungcy/rafflebot/internal/server/middleware"
	"github.com/alanyoungcy/rafflebot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	RateLimit       int // requests per window per client IP; 0 disables
	WriteRateLimit  int
	RateLimitWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Actions is
// nil outside full mode, in which case no write routes exist.
type Handlers struct {
	Health   *handler.HealthHandler
	Markets  *handler.MarketHandler
	Listings *handler.ListingHandler
	Actions  *handler.ActionHandler
}

// Deps are the shared collaborators of the server. All fields are optional.
type Deps struct {
	Hub      *ws.Hub
	Limiter  domain.RateLimiter
	Gatherer prometheus.Gatherer
	Registry prometheus.Registerer
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on a ServeMux and
// the middleware chain applied: CORS, logging, metrics, rate limit, then
// auth for writes.
func NewServer(cfg Config, handlers Handlers, deps Deps, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	Routes(mux, handlers, deps)

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.RateLimit(deps.Limiter, cfg.RateLimit, cfg.WriteRateLimit, cfg.RateLimitWindow, logger)(h)
	if deps.Registry != nil {
		h = middleware.Metrics(deps.Registry)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Action requests wait for confirmation.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Routes registers every endpoint on mux.
func Routes(mux *http.ServeMux, handlers Handlers, deps Deps) {
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /api/markets/{address}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{address}/eligibility", handlers.Markets.Eligibility)
	mux.HandleFunc("GET /api/markets/{address}/quote", handlers.Markets.Quote)

	mux.HandleFunc("GET /api/listings", handlers.Listings.ListListings)
	mux.HandleFunc("GET /api/listings/{address}", handlers.Listings.GetListing)
	mux.HandleFunc("GET /api/listings/{address}/archive", handlers.Listings.ListArchive)

	if a := handlers.Actions; a != nil {
		mux.HandleFunc("POST /api/markets", a.CreateMarket)
		mux.HandleFunc("POST /api/markets/{address}/open", a.OpenMarket)
		mux.HandleFunc("POST /api/markets/{address}/enter", a.Enter)
		mux.HandleFunc("POST /api/markets/{address}/settle", a.Settle)
		mux.HandleFunc("POST /api/markets/{address}/draw", a.Draw)
		mux.HandleFunc("POST /api/markets/{address}/refund", a.Refund)
		mux.HandleFunc("GET /api/attempts", a.ListAttempts)
		mux.HandleFunc("GET /api/attempts/{address}/{action}", a.GetAttempt)
		mux.HandleFunc("POST /api/attempts/reset", a.ResetAttempt)
		mux.HandleFunc("POST /api/attempts/recheck", a.RecheckAttempt)
		mux.HandleFunc("POST /api/listings/reconcile", a.ReconcileListing)
	}

	if deps.Hub != nil {
		mux.HandleFunc("GET /ws", deps.Hub.HandleWS)
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
