// Package config provides configuration loading and validation for the pool.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete pool configuration.
type Config struct {
	Mining   MiningConfig   `yaml:"mining"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Wallet   WalletConfig   `yaml:"wallet"`
	Payment  PaymentConfig  `yaml:"payment"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// MiningConfig holds pool-wide mining parameters and the set of Stratum
// ports the pool listens on.
type MiningConfig struct {
	HashType       string        `yaml:"hash_type"`
	PoolWallet     string        `yaml:"pool_wallet"`
	PoolFee        float64       `yaml:"pool_fee"`
	Donations      []Donation    `yaml:"donations"`
	Ports          []PortConfig  `yaml:"ports"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	BanDuration    time.Duration `yaml:"ban_duration"`
	TemplatePoll   time.Duration `yaml:"template_poll_interval"`
	UnlockDepth    uint64        `yaml:"unlock_depth"`
	MaxAliasLength int           `yaml:"max_alias_length"`
}

// Donation routes a percentage of each block reward to a fixed address. The
// percentage is taken on top of the pool fee, not out of it.
type Donation struct {
	Address string  `yaml:"address"`
	Percent float64 `yaml:"percent"`
}

// PortConfig is one listening Stratum port and its VarDiff parameters.
type PortConfig struct {
	Port               int     `yaml:"port"`
	StartingDifficulty uint64  `yaml:"starting_difficulty"`
	TargetTime         float64 `yaml:"target_time"`
	MaxConnections     int     `yaml:"max_connections"`
}

// DaemonConfig points at the CryptoNote daemon's JSON-RPC endpoint.
type DaemonConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// WalletConfig points at the wallet RPC endpoint used for payouts.
type WalletConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// PaymentConfig controls the payment batcher. MinPayment and Denomination
// are in whole currency units; the batcher converts to 10^12 atomic units.
type PaymentConfig struct {
	MinPayment   float64 `yaml:"min_payment"`
	Denomination float64 `yaml:"payment_denomination"`
	Mixin        int     `yaml:"payment_mixin"`
}

// RedisConfig holds Redis connection settings, used for online-miner
// tracking and hashrate rollups.
type RedisConfig struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"pool_size"`
	KeyPrefix string        `yaml:"key_prefix"`
	MinerTTL  time.Duration `yaml:"miner_ttl"`
}

// PostgresConfig holds PostgreSQL connection settings for the durable Store.
type PostgresConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Database         string        `yaml:"database"`
	User             string        `yaml:"user"`
	Password         string        `yaml:"password"`
	MaxConnections   int           `yaml:"max_connections"`
	MinConnections   int           `yaml:"min_connections"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Mining.HashType == "" {
		cfg.Mining.HashType = "cryptonight"
	}
	if cfg.Mining.SessionTTL == 0 {
		cfg.Mining.SessionTTL = 2 * time.Hour
	}
	if cfg.Mining.BanDuration == 0 {
		cfg.Mining.BanDuration = 5 * time.Minute
	}
	if cfg.Mining.TemplatePoll == 0 {
		cfg.Mining.TemplatePoll = 2 * time.Second
	}
	if cfg.Mining.UnlockDepth == 0 {
		cfg.Mining.UnlockDepth = 60
	}
	if cfg.Mining.MaxAliasLength == 0 {
		cfg.Mining.MaxAliasLength = 100
	}
	for i := range cfg.Mining.Ports {
		p := &cfg.Mining.Ports[i]
		if p.StartingDifficulty == 0 {
			p.StartingDifficulty = 5000
		}
		if p.TargetTime == 0 {
			p.TargetTime = 30
		}
		if p.MaxConnections == 0 {
			p.MaxConnections = 10000
		}
	}

	if cfg.Daemon.Timeout == 0 {
		cfg.Daemon.Timeout = 10 * time.Second
	}
	if cfg.Wallet.Timeout == 0 {
		cfg.Wallet.Timeout = 30 * time.Second
	}

	if cfg.Payment.MinPayment == 0 {
		cfg.Payment.MinPayment = 0.5
	}
	if cfg.Payment.Denomination == 0 {
		cfg.Payment.Denomination = 0.01
	}
	if cfg.Payment.Mixin == 0 {
		cfg.Payment.Mixin = 4
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 100
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "pool:"
	}
	if cfg.Redis.MinerTTL == 0 {
		cfg.Redis.MinerTTL = 10 * time.Minute
	}

	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MinConnections == 0 {
		cfg.Postgres.MinConnections = 10
	}
	if cfg.Postgres.ConnectTimeout == 0 {
		cfg.Postgres.ConnectTimeout = 10 * time.Second
	}
	if cfg.Postgres.StatementTimeout == 0 {
		cfg.Postgres.StatementTimeout = 30 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

func validate(cfg *Config) error {
	switch cfg.Mining.HashType {
	case "cryptonight", "cryptonightlite", "cryptonight-lite":
	default:
		return fmt.Errorf("invalid hash_type: %s", cfg.Mining.HashType)
	}
	if cfg.Mining.PoolWallet == "" {
		return fmt.Errorf("mining.pool_wallet is required")
	}
	if len(cfg.Mining.Ports) == 0 {
		return fmt.Errorf("at least one mining port must be configured")
	}
	for _, p := range cfg.Mining.Ports {
		if p.Port < 1 || p.Port > 65535 {
			return fmt.Errorf("invalid mining port: %d", p.Port)
		}
	}

	donationTotal := 0.0
	for _, d := range cfg.Mining.Donations {
		if d.Address == "" {
			return fmt.Errorf("donation entry missing address")
		}
		donationTotal += d.Percent
	}
	if cfg.Mining.PoolFee+donationTotal >= 100 {
		return fmt.Errorf("pool_fee plus donations must be less than 100%%")
	}

	if cfg.Daemon.URL == "" {
		return fmt.Errorf("daemon.url is required")
	}
	if cfg.Wallet.URL == "" {
		return fmt.Errorf("wallet.url is required")
	}

	return nil
}
