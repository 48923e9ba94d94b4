package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/alanyoungcy/rafflebot/internal/blob/s3"
	"github.com/alanyoungcy/rafflebot/internal/cache/redis"
	"github.com/alanyoungcy/rafflebot/internal/config"
	"github.com/alanyoungcy/rafflebot/internal/crypto"
	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/economics"
	"github.com/alanyoungcy/rafflebot/internal/eligibility"
	"github.com/alanyoungcy/rafflebot/internal/ledger"
	"github.com/alanyoungcy/rafflebot/internal/marketsync"
	"github.com/alanyoungcy/rafflebot/internal/notify"
	"github.com/alanyoungcy/rafflebot/internal/orchestrator"
	"github.com/alanyoungcy/rafflebot/internal/retry"
	"github.com/alanyoungcy/rafflebot/internal/server/handler"
	"github.com/alanyoungcy/rafflebot/internal/service"
	"github.com/alanyoungcy/rafflebot/internal/store/postgres"
	"github.com/alanyoungcy/rafflebot/internal/verify"
)

// Dependencies bundles everything the modes need. It is constructed by Wire
// and torn down by the returned cleanup function.
type Dependencies struct {
	Params economics.Params
	Wallet common.Address // zero in watch mode

	// Stores
	Listings domain.ListingStore
	Audit    domain.AuditStore
	Identity domain.IdentityStore

	// Caches and coordination
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	Ledger       *ledger.Client
	Syncer       *marketsync.Syncer
	Orchestrator *orchestrator.Orchestrator
	Raffles      *service.RaffleService
	ListingSvc   *service.ListingService

	Notifier *notify.Notifier

	Registry *prometheus.Registry
	Checks   map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(step string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", step, err)
	}

	params, err := cfg.EconomicParams()
	if err != nil {
		return fail("protocol", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	deps := &Dependencies{
		Params:   params,
		Registry: reg,
		Checks:   map[string]handler.Pinger{},
	}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)
	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}
	pool := pgClient.Pool()
	deps.Listings = postgres.NewListingStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)
	deps.Identity = postgres.NewIdentityStore(pool)
	deps.Checks["postgres"] = handler.PingFunc(pgClient.Health)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
	locks := redis.NewLockManager(redisClient)
	snapshots := redis.NewSnapshotCache(redisClient, cfg.Redis.SnapshotTTL.Duration)
	proofs := redis.NewProofRegistry(redisClient)
	deps.Checks["redis"] = handler.PingFunc(redisClient.Ping)

	// --- S3 archive (optional) ---
	var archiver *s3blob.Archiver
	if cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail("s3", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })
		archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), logger)
		deps.Checks["s3"] = handler.PingFunc(s3Client.Health)
	}

	// --- Ledger ---
	network := ledger.Network{ChainID: cfg.Protocol.ChainID, Factory: cfg.Factory()}
	ledgerClient, err := ledger.Dial(ctx, cfg.Ledger.RPCURL, network, ledger.Options{
		RequestsPerSecond: cfg.Ledger.RequestsPerSecond,
		Burst:             cfg.Ledger.Burst,
		BreakerTrips:      uint32(max(0, cfg.Ledger.BreakerTrips)),
		BreakerTimeout:    cfg.Ledger.BreakerTimeout.Duration,
	}, logger)
	if err != nil {
		return fail("ledger", err)
	}
	deps.Ledger = ledgerClient

	// --- Wallet ---
	var signer *crypto.Signer
	if cfg.NeedsWallet() {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return fail("wallet", err)
		}
		signer, err = crypto.NewSigner(key, cfg.Protocol.ChainID)
		if err != nil {
			return fail("wallet", err)
		}
		deps.Wallet = signer.Address()
	}

	// --- Market sync ---
	syncDeps := marketsync.Deps{
		Reader:  ledgerClient,
		Cache:   snapshots,
		Bus:     deps.SignalBus,
		Metrics: marketsync.NewMetrics(reg),
		Logger:  logger,
	}
	if archiver != nil {
		syncDeps.Archive = archiver
	}
	deps.Syncer = marketsync.New(marketsync.Config{
		Interval:    cfg.Sync.Interval.Duration,
		Concurrency: cfg.Sync.Concurrency,
	}, syncDeps)

	// --- Orchestrator ---
	var submitter orchestrator.Submitter = ledgerClient
	if cfg.Relayer.URL != "" {
		var auth *crypto.HMACAuth
		if cfg.Relayer.APIKey != "" {
			auth = &crypto.HMACAuth{Key: cfg.Relayer.APIKey, Secret: cfg.Relayer.APISecret}
		}
		submitter = ledger.NewRelayer(cfg.Relayer.URL, cfg.Protocol.ChainID, auth)
	}
	confirm := retry.DefaultPolicy()
	confirm.Ceiling = cfg.Ledger.ConfirmTimeout.Duration
	orchDeps := orchestrator.Deps{
		Ledger:    ledgerClient,
		Submitter: submitter,
		Locks:     locks,
		Bus:       deps.SignalBus,
		Listings:  deps.Listings,
		Metrics:   orchestrator.NewMetrics(reg),
		Logger:    logger,
	}
	if signer != nil {
		orchDeps.Signer = signer
	}
	if archiver != nil {
		orchDeps.Receipts = archiver
	}
	deps.Orchestrator = orchestrator.New(orchestrator.Config{
		ResolvePolicy: retry.DefaultPolicy(),
		ConfirmPolicy: confirm,
		LockTTL:       cfg.Ledger.LockTTL.Duration,
	}, orchDeps)

	// --- Eligibility ---
	var oracleAuth *crypto.HMACAuth
	if cfg.Oracle.APIKey != "" {
		oracleAuth = &crypto.HMACAuth{Key: cfg.Oracle.APIKey, Secret: cfg.Oracle.APISecret}
	}
	oracle := verify.NewHTTPOracle(cfg.Oracle.URL, oracleAuth, cfg.Oracle.Timeout.Duration, logger)
	engine := eligibility.NewEngine(eligibility.Deps{
		Snapshots: deps.Syncer,
		Identity:  deps.Identity,
		Proofs:    verify.NewAdapter(oracle, proofs, logger),
		Calls:     ledgerClient,
		Executor:  deps.Orchestrator,
		Params:    params,
		Logger:    logger,
	})

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Services ---
	deps.Raffles = service.NewRaffleService(service.RaffleDeps{
		Calls:     ledgerClient,
		Snapshots: deps.Syncer,
		Attempts:  deps.Orchestrator,
		Entrant:   engine,
		Audit:     deps.Audit,
		Notifier:  deps.Notifier,
		Params:    params,
		Decimals:  cfg.Protocol.Decimals,
		Logger:    logger,
	})
	var archive service.Archive
	if archiver != nil {
		archive = archiver
	}
	deps.ListingSvc = service.NewListingService(deps.Listings, ledgerClient, deps.Syncer, archive, logger)

	return deps, cleanup, nil
}
