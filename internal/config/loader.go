package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies RAFFLEBOT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known RAFFLEBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "RAFFLEBOT_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "RAFFLEBOT_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "RAFFLEBOT_WALLET_KEY_PASSWORD")

	// ── Protocol ──
	setInt64(&cfg.Protocol.ChainID, "RAFFLEBOT_PROTOCOL_CHAIN_ID")
	setStr(&cfg.Protocol.FactoryAddress, "RAFFLEBOT_PROTOCOL_FACTORY_ADDRESS")
	setStr(&cfg.Protocol.ParticipantDeposit, "RAFFLEBOT_PROTOCOL_PARTICIPANT_DEPOSIT")
	setInt64(&cfg.Protocol.PlatformFeeBps, "RAFFLEBOT_PROTOCOL_PLATFORM_FEE_BPS")
	setInt64(&cfg.Protocol.CreatorFeeBps, "RAFFLEBOT_PROTOCOL_CREATOR_FEE_BPS")

	// ── Ledger ──
	setStr(&cfg.Ledger.RPCURL, "RAFFLEBOT_LEDGER_RPC_URL")
	setFloat64(&cfg.Ledger.RequestsPerSecond, "RAFFLEBOT_LEDGER_REQUESTS_PER_SECOND")
	setInt(&cfg.Ledger.Burst, "RAFFLEBOT_LEDGER_BURST")
	setDuration(&cfg.Ledger.ConfirmTimeout, "RAFFLEBOT_LEDGER_CONFIRM_TIMEOUT")

	// ── Relayer ──
	setStr(&cfg.Relayer.URL, "RAFFLEBOT_RELAYER_URL")
	setStr(&cfg.Relayer.APIKey, "RAFFLEBOT_RELAYER_API_KEY")
	setStr(&cfg.Relayer.APISecret, "RAFFLEBOT_RELAYER_API_SECRET")

	// ── Oracle ──
	setStr(&cfg.Oracle.URL, "RAFFLEBOT_ORACLE_URL")
	setStr(&cfg.Oracle.APIKey, "RAFFLEBOT_ORACLE_API_KEY")
	setStr(&cfg.Oracle.APISecret, "RAFFLEBOT_ORACLE_API_SECRET")
	setDuration(&cfg.Oracle.Timeout, "RAFFLEBOT_ORACLE_TIMEOUT")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "RAFFLEBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "RAFFLEBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "RAFFLEBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "RAFFLEBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "RAFFLEBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "RAFFLEBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "RAFFLEBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "RAFFLEBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "RAFFLEBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "RAFFLEBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "RAFFLEBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "RAFFLEBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "RAFFLEBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "RAFFLEBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "RAFFLEBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "RAFFLEBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "RAFFLEBOT_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "RAFFLEBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "RAFFLEBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "RAFFLEBOT_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "RAFFLEBOT_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "RAFFLEBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "RAFFLEBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "RAFFLEBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "RAFFLEBOT_S3_FORCE_PATH_STYLE")

	// ── Sync ──
	setDuration(&cfg.Sync.Interval, "RAFFLEBOT_SYNC_INTERVAL")
	setInt(&cfg.Sync.Concurrency, "RAFFLEBOT_SYNC_CONCURRENCY")
	setStringSlice(&cfg.Sync.Markets, "RAFFLEBOT_SYNC_MARKETS")

	// ── Keeper ──
	setBool(&cfg.Keeper.AutoDraw, "RAFFLEBOT_KEEPER_AUTO_DRAW")
	setDuration(&cfg.Keeper.DedupTTL, "RAFFLEBOT_KEEPER_DEDUP_TTL")
	setDuration(&cfg.Keeper.SweepInterval, "RAFFLEBOT_KEEPER_SWEEP_INTERVAL")

	// ── Server ──
	setInt(&cfg.Server.Port, "RAFFLEBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "RAFFLEBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "RAFFLEBOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "RAFFLEBOT_SERVER_RATE_LIMIT")
	setInt(&cfg.Server.WriteRateLimit, "RAFFLEBOT_SERVER_WRITE_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "RAFFLEBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "RAFFLEBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "RAFFLEBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "RAFFLEBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "RAFFLEBOT_MODE")
	setStr(&cfg.LogLevel, "RAFFLEBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
