package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/keeper"
	"github.com/alanyoungcy/rafflebot/internal/server"
	"github.com/alanyoungcy/rafflebot/internal/server/handler"
	"github.com/alanyoungcy/rafflebot/internal/server/ws"
)

// seedPageSize bounds each listing page read while seeding the tracked set.
const seedPageSize = 500

// WatchMode runs the market poller, the websocket hub and the read-only HTTP
// API.
func (a *App) WatchMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting watch mode", slog.String("component", "app"))

	g, ctx := errgroup.WithContext(ctx)
	a.startWatch(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, false)
	return g.Wait()
}

// KeeperMode is WatchMode plus the keeper that settles, draws and refunds
// as soon as the ledger allows.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode",
		slog.String("component", "app"),
		slog.String("wallet", deps.Wallet.Hex()),
	)

	g, ctx := errgroup.WithContext(ctx)
	a.startWatch(ctx, g, deps)
	a.startKeeper(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, false)
	return g.Wait()
}

// FullMode is KeeperMode plus the HTTP action routes.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.String("component", "app"),
		slog.String("wallet", deps.Wallet.Hex()),
	)

	g, ctx := errgroup.WithContext(ctx)
	a.startWatch(ctx, g, deps)
	a.startKeeper(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, true)
	return g.Wait()
}

func (a *App) startWatch(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	for _, m := range a.cfg.TrackedMarkets() {
		deps.Syncer.Track(m)
	}
	n := seedFromListings(ctx, deps.Listings, deps.Syncer.Track, a.logger)
	a.logger.InfoContext(ctx, "tracking markets",
		slog.String("component", "app"),
		slog.Int("configured", len(a.cfg.Sync.Markets)),
		slog.Int("from_listings", n),
	)

	g.Go(func() error {
		return deps.Syncer.Run(ctx)
	})
}

// seedFromListings tracks every market with a stored listing. A store error
// only shortens the seed set; markets are still tracked as they are viewed.
func seedFromListings(ctx context.Context, listings domain.ListingStore, track func(common.Address), logger *slog.Logger) int {
	if listings == nil {
		return 0
	}
	n := 0
	for offset := 0; ; offset += seedPageSize {
		page, err := listings.List(ctx, domain.ListOpts{Limit: seedPageSize, Offset: offset})
		if err != nil {
			logger.WarnContext(ctx, "seed tracked markets from listings failed",
				slog.String("component", "app"),
				slog.String("error", err.Error()),
			)
			return n
		}
		for _, l := range page {
			if l.MarketAddress != (common.Address{}) {
				track(l.MarketAddress)
				n++
			}
		}
		if len(page) < seedPageSize {
			return n
		}
	}
}

func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	k := keeper.New(keeper.Config{
		Wallet:        deps.Wallet,
		AutoDraw:      a.cfg.Keeper.AutoDraw,
		DedupTTL:      a.cfg.Keeper.DedupTTL.Duration,
		SweepInterval: a.cfg.Keeper.SweepInterval.Duration,
	}, deps.Syncer, deps.Raffles, deps.Ledger, keeper.NewMetrics(deps.Registry), a.logger)

	g.Go(func() error {
		return k.Run(ctx)
	})
}

// startHTTPServer builds the handlers, the websocket hub and the server, and
// runs them in g. The action routes are only mounted when withActions is set.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, withActions bool) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		StartedAt:      time.Now().UTC(),
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(a.cfg.Mode, deps.Checks, a.logger),
		Markets:  handler.NewMarketHandler(deps.Syncer, deps.Raffles, a.logger),
		Listings: handler.NewListingHandler(deps.ListingSvc, a.logger),
	}
	if withActions {
		handlers.Actions = handler.NewActionHandler(deps.Raffles, deps.ListingSvc, deps.Wallet, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		WriteRateLimit:  a.cfg.Server.WriteRateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, server.Deps{
		Hub:      hub,
		Limiter:  deps.RateLimiter,
		Gatherer: deps.Registry,
		Registry: deps.Registry,
	}, a.logger)

	g.Go(func() error {
		return srv.Run(ctx)
	})
}
