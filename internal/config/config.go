// Package config defines the top-level configuration for rafflebot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/economics"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by RAFFLEBOT_* environment variables.
type Config struct {
	Wallet   WalletConfig   `toml:"wallet"`
	Protocol ProtocolConfig `toml:"protocol"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Relayer  RelayerConfig  `toml:"relayer"`
	Oracle   OracleConfig   `toml:"oracle"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Sync     SyncConfig     `toml:"sync"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// WalletConfig holds the operator wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ProtocolConfig holds the constants the deployed contracts were built with.
// They are read once at start.
type ProtocolConfig struct {
	ChainID        int64  `toml:"chain_id"`
	FactoryAddress string `toml:"factory_address"`
	// ParticipantDeposit is in whole native units, e.g. "0.001".
	ParticipantDeposit string `toml:"participant_deposit"`
	PlatformFeeBps     int64  `toml:"platform_fee_bps"`
	CreatorFeeBps      int64  `toml:"creator_fee_bps"`
	Decimals           int32  `toml:"decimals"`
}

// LedgerConfig holds the JSON-RPC endpoint and its pacing.
type LedgerConfig struct {
	RPCURL            string   `toml:"rpc_url"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	BreakerTrips      int      `toml:"breaker_trips"`
	BreakerTimeout    duration `toml:"breaker_timeout"`
	ConfirmTimeout    duration `toml:"confirm_timeout"`
	LockTTL           duration `toml:"lock_ttl"`
}

// RelayerConfig holds the optional transaction relay. When URL is empty,
// signed transactions go straight to the RPC endpoint.
type RelayerConfig struct {
	URL       string `toml:"url"`
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
}

// OracleConfig holds the verification oracle endpoint.
type OracleConfig struct {
	URL       string   `toml:"url"`
	APIKey    string   `toml:"api_key"`
	APISecret string   `toml:"api_secret"`
	Timeout   duration `toml:"timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	SnapshotTTL  duration `toml:"snapshot_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters. An empty Bucket
// disables archiving.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SyncConfig tunes the market poller.
type SyncConfig struct {
	Interval    duration `toml:"interval"`
	Concurrency int      `toml:"concurrency"`
	// Markets are tracked from start. Listings in the store are added too.
	Markets []string `toml:"markets"`
}

// KeeperConfig tunes the settlement keeper.
type KeeperConfig struct {
	AutoDraw      bool     `toml:"auto_draw"`
	DedupTTL      duration `toml:"dedup_ttl"`
	SweepInterval duration `toml:"sweep_interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	WriteRateLimit  int      `toml:"write_rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Protocol: ProtocolConfig{
			ChainID:            84532,
			ParticipantDeposit: "0.0001",
			PlatformFeeBps:     economics.DefaultPlatformFeeBps,
			CreatorFeeBps:      economics.DefaultCreatorFeeBps,
			Decimals:           18,
		},
		Ledger: LedgerConfig{
			RequestsPerSecond: 20,
			Burst:             10,
			BreakerTrips:      5,
			BreakerTimeout:    duration{30 * time.Second},
			ConfirmTimeout:    duration{3 * time.Minute},
			LockTTL:           duration{5 * time.Minute},
		},
		Oracle: OracleConfig{
			Timeout: duration{15 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "rafflebot:",
			SnapshotTTL:  duration{24 * time.Hour},
			StreamMaxLen: 10_000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "rafflebot-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Sync: SyncConfig{
			Interval:    duration{5 * time.Second},
			Concurrency: 4,
		},
		Keeper: KeeperConfig{
			AutoDraw:      true,
			DedupTTL:      duration{2 * time.Minute},
			SweepInterval: duration{time.Minute},
		},
		Server: ServerConfig{
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       300,
			WriteRateLimit:  30,
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"market_settled", "refund_claimed", "attempt_failed", "reconciliation_warning"},
		},
		Mode:     "watch",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"watch":  true,
	"keeper": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// NeedsWallet reports whether the mode signs transactions.
func (c *Config) NeedsWallet() bool {
	m := strings.ToLower(c.Mode)
	return m == "keeper" || m == "full"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: watch, keeper, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet
	if c.NeedsWallet() {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Protocol
	if c.Protocol.ChainID <= 0 {
		errs = append(errs, "protocol: chain_id must be positive")
	}
	if !common.IsHexAddress(c.Protocol.FactoryAddress) || common.HexToAddress(c.Protocol.FactoryAddress) == (common.Address{}) {
		errs = append(errs, fmt.Sprintf("protocol: factory_address %q is not a valid address", c.Protocol.FactoryAddress))
	}
	if c.Protocol.Decimals < 0 || c.Protocol.Decimals > 36 {
		errs = append(errs, fmt.Sprintf("protocol: decimals must be 0-36, got %d", c.Protocol.Decimals))
	} else if _, err := c.EconomicParams(); err != nil {
		errs = append(errs, "protocol: "+err.Error())
	}

	// Ledger
	if c.Ledger.RPCURL == "" {
		errs = append(errs, "ledger: rpc_url must not be empty")
	}
	if c.Ledger.RequestsPerSecond <= 0 {
		errs = append(errs, "ledger: requests_per_second must be > 0")
	}
	if c.Ledger.ConfirmTimeout.Duration <= 0 {
		errs = append(errs, "ledger: confirm_timeout must be > 0")
	}

	// Relayer: key and secret travel together.
	if (c.Relayer.APIKey == "") != (c.Relayer.APISecret == "") {
		errs = append(errs, "relayer: api_key and api_secret must be set together")
	}

	// Oracle is only needed to enter markets.
	if strings.ToLower(c.Mode) == "full" && c.Oracle.URL == "" {
		errs = append(errs, "oracle: url is required for mode full")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Bucket != "" && c.S3.Region == "" {
		errs = append(errs, "s3: region must not be empty when bucket is set")
	}

	// Sync
	if c.Sync.Interval.Duration < time.Second {
		errs = append(errs, "sync: interval must be >= 1s")
	}
	for _, m := range c.Sync.Markets {
		if !common.IsHexAddress(m) {
			errs = append(errs, fmt.Sprintf("sync: market %q is not a valid address", m))
		}
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
		errs = append(errs, "server: rate_limit_window must be > 0 when rate_limit is set")
	}
	if strings.ToLower(c.Mode) == "full" && c.Server.APIKey == "" {
		errs = append(errs, "server: api_key is required for mode full")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// EconomicParams converts the protocol section into the immutable fee and
// deposit parameters.
func (c *Config) EconomicParams() (economics.Params, error) {
	deposit, err := economics.ToUnits(c.Protocol.ParticipantDeposit, c.Protocol.Decimals)
	if err != nil {
		return economics.Params{}, fmt.Errorf("participant_deposit: %w", err)
	}
	return economics.NewParams(deposit, c.Protocol.PlatformFeeBps, c.Protocol.CreatorFeeBps)
}

// Factory returns the configured factory address.
func (c *Config) Factory() common.Address {
	return common.HexToAddress(c.Protocol.FactoryAddress)
}

// TrackedMarkets returns the configured start set of markets.
func (c *Config) TrackedMarkets() []common.Address {
	out := make([]common.Address, 0, len(c.Sync.Markets))
	for _, m := range c.Sync.Markets {
		if common.IsHexAddress(m) {
			out = append(out, common.HexToAddress(m))
		}
	}
	return out
}
