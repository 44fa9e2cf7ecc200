package configloader

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"stake_orchestrator/internal/domain/entity"
)

var validate = validator.New()

// ServerConfig holds HTTP relay settings.
type ServerConfig struct {
	Port         string   `yaml:"port" validate:"required"`
	ReadTimeout  int      `yaml:"readTimeout" validate:"gte=0"`  // seconds
	WriteTimeout int      `yaml:"writeTimeout" validate:"gte=0"` // seconds
	IdleTimeout  int      `yaml:"idleTimeout" validate:"gte=0"`  // seconds
	AllowOrigins []string `yaml:"allowOrigins"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
}

// NetworkSection selects the default network and optionally extends the built-in table.
type NetworkSection struct {
	Default string                 `yaml:"default"`
	Custom  []entity.NetworkConfig `yaml:"custom" validate:"dive"`
}

// RPCClientConfig holds settings of the read-only router.
type RPCClientConfig struct {
	RequestTimeoutMs int64 `yaml:"requestTimeoutMs" validate:"gte=0"`
	ProbeTimeoutMs   int64 `yaml:"probeTimeoutMs" validate:"gte=0"`
	RateLimit        int   `yaml:"rateLimit" validate:"gte=0"` // requests per second, 0 disables
	BurstLimit       int   `yaml:"burstLimit" validate:"gte=0"`
}

// WalletConfig points at the upstream signer.
type WalletConfig struct {
	UpstreamURL     string `yaml:"upstreamURL" validate:"omitempty,url"`
	WatchIntervalMs int64  `yaml:"watchIntervalMs" validate:"gte=0"`
}

// WalletQueueConfig holds pacing and backoff of wallet calls.
type WalletQueueConfig struct {
	PreDelayMs    int64 `yaml:"preDelayMs" validate:"gte=0"`
	PostDelayMs   int64 `yaml:"postDelayMs" validate:"gte=0"`
	BaseBackoffMs int64 `yaml:"baseBackoffMs" validate:"gte=0"`
	MaxTries      int   `yaml:"maxTries" validate:"gte=0"`
	JitterMs      int64 `yaml:"jitterMs" validate:"gte=0"`
}

// SendLockConfig holds cross-process send lock timings.
type SendLockConfig struct {
	TTLMs            int64 `yaml:"ttlMs" validate:"gte=0"`
	PollIntervalMs   int64 `yaml:"pollIntervalMs" validate:"gte=0"`
	SettleDelayMs    int64 `yaml:"settleDelayMs" validate:"gte=0"`
	AcquireTimeoutMs int64 `yaml:"acquireTimeoutMs" validate:"gte=0"`
	SendSpacingMs    int64 `yaml:"sendSpacingMs" validate:"gte=0"`
}

// FeesConfig holds fee estimation and escalation parameters.
type FeesConfig struct {
	BaseFeeMultiplier     string   `yaml:"baseFeeMultiplier"`
	LegacyMultiplier      string   `yaml:"legacyMultiplier"`
	DefaultTipGwei        string   `yaml:"defaultTipGwei"`
	FallbackGasPriceGwei  string   `yaml:"fallbackGasPriceGwei"`
	GasLimitMarginPercent int      `yaml:"gasLimitMarginPercent" validate:"gte=0"`
	MaxRetries            int      `yaml:"maxRetries" validate:"gte=0"`
	BumpMultipliers       []string `yaml:"bumpMultipliers"`
	BumpTipGwei           []string `yaml:"bumpTipGwei"`
}

// StorageConfig selects the shared store backend.
type StorageConfig struct {
	Driver        string `yaml:"driver" validate:"omitempty,oneof=bolt memory"`
	Path          string `yaml:"path"`
	OpenTimeoutMs int64  `yaml:"openTimeoutMs" validate:"gte=0"`
}

// BlockPollerConfig holds the shared block number poller settings.
type BlockPollerConfig struct {
	IntervalMs int64 `yaml:"intervalMs" validate:"gte=0"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Network     NetworkSection    `yaml:"network"`
	RPCClient   RPCClientConfig   `yaml:"rpcClient"`
	Wallet      WalletConfig      `yaml:"wallet"`
	WalletQueue WalletQueueConfig `yaml:"walletQueue"`
	SendLock    SendLockConfig    `yaml:"sendLock"`
	Fees        FeesConfig        `yaml:"fees"`
	Storage     StorageConfig     `yaml:"storage"`
	BlockPoller BlockPollerConfig `yaml:"blockPoller"`
}

// Load reads the YAML configuration file from the given path, applies defaults and validates it.
func Load(path string) (*Config, error) {
	logrus.Infof("Loading configuration from path: %s", path)
	data, err := os.ReadFile(path)
	if err != nil {
		logrus.Errorf("Failed to read config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if len(cfg.Fees.BumpMultipliers) != len(cfg.Fees.BumpTipGwei) {
		return nil, fmt.Errorf("config validation failed: fees.bumpMultipliers has %d entries, fees.bumpTipGwei has %d",
			len(cfg.Fees.BumpMultipliers), len(cfg.Fees.BumpTipGwei))
	}

	logrus.Info("Configuration loaded successfully.")
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}

// ApplyDefaults fills zero-valued fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8545"
		logrus.Infof("server.port not set, defaulting to %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30
	}
	if cfg.Server.WriteTimeout == 0 {
		// signing requests may wait for the send lock and several backoffs
		cfg.Server.WriteTimeout = 180
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.RPCClient.RequestTimeoutMs == 0 {
		cfg.RPCClient.RequestTimeoutMs = 10000
		logrus.Infof("rpcClient.requestTimeoutMs not set, defaulting to %d ms", cfg.RPCClient.RequestTimeoutMs)
	}
	if cfg.RPCClient.ProbeTimeoutMs == 0 {
		cfg.RPCClient.ProbeTimeoutMs = 5000
	}

	if cfg.Wallet.WatchIntervalMs == 0 {
		cfg.Wallet.WatchIntervalMs = 2000
	}

	if cfg.WalletQueue.PreDelayMs == 0 {
		cfg.WalletQueue.PreDelayMs = 500
	}
	if cfg.WalletQueue.PostDelayMs == 0 {
		cfg.WalletQueue.PostDelayMs = 350
	}
	if cfg.WalletQueue.BaseBackoffMs == 0 {
		cfg.WalletQueue.BaseBackoffMs = 1000
	}
	if cfg.WalletQueue.MaxTries == 0 {
		cfg.WalletQueue.MaxTries = 6
	}
	if cfg.WalletQueue.JitterMs == 0 {
		cfg.WalletQueue.JitterMs = 300
	}

	if cfg.SendLock.TTLMs == 0 {
		cfg.SendLock.TTLMs = 15000
	}
	if cfg.SendLock.PollIntervalMs == 0 {
		cfg.SendLock.PollIntervalMs = 120
	}
	if cfg.SendLock.SettleDelayMs == 0 {
		cfg.SendLock.SettleDelayMs = 50
	}
	if cfg.SendLock.AcquireTimeoutMs == 0 {
		cfg.SendLock.AcquireTimeoutMs = 20000
	}
	if cfg.SendLock.SendSpacingMs == 0 {
		cfg.SendLock.SendSpacingMs = 2500
	}

	if cfg.Fees.BaseFeeMultiplier == "" {
		cfg.Fees.BaseFeeMultiplier = "1.2"
	}
	if cfg.Fees.LegacyMultiplier == "" {
		cfg.Fees.LegacyMultiplier = "1.25"
	}
	if cfg.Fees.DefaultTipGwei == "" {
		cfg.Fees.DefaultTipGwei = "2"
	}
	if cfg.Fees.FallbackGasPriceGwei == "" {
		cfg.Fees.FallbackGasPriceGwei = "1"
	}
	if cfg.Fees.GasLimitMarginPercent == 0 {
		cfg.Fees.GasLimitMarginPercent = 18
	}
	if cfg.Fees.MaxRetries == 0 {
		cfg.Fees.MaxRetries = 2
	}
	if len(cfg.Fees.BumpMultipliers) == 0 && len(cfg.Fees.BumpTipGwei) == 0 {
		cfg.Fees.BumpMultipliers = []string{"1.35", "1.6"}
		cfg.Fees.BumpTipGwei = []string{"1", "2"}
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "bolt"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "data/shared.db"
		logrus.Infof("storage.path not set, defaulting to %s", cfg.Storage.Path)
	}
	if cfg.Storage.OpenTimeoutMs == 0 {
		cfg.Storage.OpenTimeoutMs = 1000
	}

	if cfg.BlockPoller.IntervalMs == 0 {
		cfg.BlockPoller.IntervalMs = 4000
	}
}
