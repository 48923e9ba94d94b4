package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rafflebot/internal/economics"
)

const factory = "0x1111111111111111111111111111111111111111"

func validConfig() Config {
	cfg := Defaults()
	cfg.Protocol.FactoryAddress = factory
	cfg.Ledger.RPCURL = "http://localhost:8545"
	return cfg
}

func TestDefaultsValidateInWatchMode(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.NeedsWallet())
}

func TestValidateCollectsProblems(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   []string
	}{
		{
			name:   "unknown mode",
			mutate: func(c *Config) { c.Mode = "trade" },
			want:   []string{`unknown mode "trade"`},
		},
		{
			name:   "keeper without wallet",
			mutate: func(c *Config) { c.Mode = "keeper" },
			want:   []string{"wallet: either private_key or encrypted_key_path"},
		},
		{
			name: "full needs oracle and api key",
			mutate: func(c *Config) {
				c.Mode = "full"
				c.Wallet.PrivateKey = "0xabc"
			},
			want: []string{"oracle: url is required", "server: api_key is required"},
		},
		{
			name: "fees over 100 percent",
			mutate: func(c *Config) {
				c.Protocol.PlatformFeeBps = 9000
				c.Protocol.CreatorFeeBps = 2000
			},
			want: []string{"protocol:"},
		},
		{
			name:   "bad deposit",
			mutate: func(c *Config) { c.Protocol.ParticipantDeposit = "-1" },
			want:   []string{"participant_deposit"},
		},
		{
			name:   "missing factory and rpc",
			mutate: func(c *Config) { c.Protocol.FactoryAddress = ""; c.Ledger.RPCURL = "" },
			want:   []string{"factory_address", "ledger: rpc_url"},
		},
		{
			name:   "relayer half configured",
			mutate: func(c *Config) { c.Relayer.APIKey = "k" },
			want:   []string{"relayer: api_key and api_secret"},
		},
		{
			name:   "bad tracked market",
			mutate: func(c *Config) { c.Sync.Markets = []string{"nope"} },
			want:   []string{`sync: market "nope"`},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			for _, w := range tt.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}
}

func TestEconomicParams(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Protocol.ParticipantDeposit = "0.001"
	p, err := cfg.EconomicParams()
	require.NoError(t, err)
	assert.Equal(t, 0, p.ParticipantDeposit().Cmp(big.NewInt(1_000_000_000_000_000)))
	assert.Equal(t, int64(economics.DefaultPlatformFeeBps), p.PlatformFeeBps())
}

func TestLoadAppliesFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rafflebot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "keeper"

[protocol]
factory_address = "`+factory+`"
platform_fee_bps = 100

[ledger]
rpc_url = "http://file:8545"

[sync]
interval = "10s"
markets = ["0x2222222222222222222222222222222222222222"]
`), 0o600))

	t.Setenv("RAFFLEBOT_LEDGER_RPC_URL", "http://env:8545")
	t.Setenv("RAFFLEBOT_KEEPER_AUTO_DRAW", "false")
	t.Setenv("RAFFLEBOT_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "keeper", cfg.Mode)
	assert.Equal(t, int64(100), cfg.Protocol.PlatformFeeBps)
	assert.Equal(t, int64(economics.DefaultCreatorFeeBps), cfg.Protocol.CreatorFeeBps)
	assert.Equal(t, "http://env:8545", cfg.Ledger.RPCURL)
	assert.Equal(t, 10*time.Second, cfg.Sync.Interval.Duration)
	assert.False(t, cfg.Keeper.AutoDraw)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	require.Len(t, cfg.TrackedMarkets(), 1)
	assert.Equal(t, "0x2222222222222222222222222222222222222222", cfg.TrackedMarkets()[0].Hex())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Wallet.PrivateKey = "0xsecret"
	cfg.Server.APIKey = "key"
	cfg.Oracle.APISecret = "s"
	cfg.Server.CORSOrigins = []string{"https://a.example"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Wallet.PrivateKey)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.Oracle.APISecret)
	assert.Empty(t, out.Wallet.KeyPassword)

	out.Server.CORSOrigins[0] = "changed"
	assert.Equal(t, "https://a.example", cfg.Server.CORSOrigins[0])
	assert.Equal(t, "0xsecret", cfg.Wallet.PrivateKey)
}
