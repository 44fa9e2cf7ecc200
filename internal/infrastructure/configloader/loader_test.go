package configloader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  port: \":9000\"\n"))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Port)
	assert.Equal(t, 180, cfg.Server.WriteTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, int64(10000), cfg.RPCClient.RequestTimeoutMs)
	assert.Equal(t, WalletQueueConfig{PreDelayMs: 500, PostDelayMs: 350, BaseBackoffMs: 1000, MaxTries: 6, JitterMs: 300}, cfg.WalletQueue)
	assert.Equal(t, SendLockConfig{TTLMs: 15000, PollIntervalMs: 120, SettleDelayMs: 50, AcquireTimeoutMs: 20000, SendSpacingMs: 2500}, cfg.SendLock)
	assert.Equal(t, []string{"1.35", "1.6"}, cfg.Fees.BumpMultipliers)
	assert.Equal(t, []string{"1", "2"}, cfg.Fees.BumpTipGwei)
	assert.Equal(t, 2, cfg.Fees.MaxRetries)
	assert.Equal(t, "bolt", cfg.Storage.Driver)
	assert.Equal(t, int64(4000), cfg.BlockPoller.IntervalMs)
}

func TestParseKeepsExplicitValues(t *testing.T) {
	cfg, err := Parse([]byte(`
walletQueue:
  maxTries: 2
  baseBackoffMs: 250
fees:
  bumpMultipliers: ["1.1"]
  bumpTipGwei: ["0.5"]
storage:
  driver: memory
`))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.WalletQueue.MaxTries)
	assert.Equal(t, int64(250), cfg.WalletQueue.BaseBackoffMs)
	assert.Equal(t, []string{"1.1"}, cfg.Fees.BumpMultipliers)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad log level", "logging:\n  level: loud\n"},
		{"bad storage driver", "storage:\n  driver: redis\n"},
		{"bad upstream url", "wallet:\n  upstreamURL: \"not a url\"\n"},
		{"negative tries", "walletQueue:\n  maxTries: -1\n"},
		{"bump lists differ", "fees:\n  bumpMultipliers: [\"1.2\", \"1.4\"]\n  bumpTipGwei: [\"1\"]\n"},
		{"not yaml", "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("network:\n  default: monad-testnet\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "monad-testnet", cfg.Network.Default)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestDefaultMatchesShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "..", "config", "config.yml"))
	require.NoError(t, err)
	def := Default()

	assert.Equal(t, def.WalletQueue, cfg.WalletQueue)
	assert.Equal(t, def.SendLock, cfg.SendLock)
	assert.Equal(t, def.Fees, cfg.Fees)
}
