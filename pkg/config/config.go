// Package config provides configuration management for pondex.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all pondex configuration.
type Config struct {
	// Name is the indexer instance name.
	Name string `mapstructure:"name"`

	// RPCURL is the upstream chain RPC endpoint.
	RPCURL string `mapstructure:"rpc_url"`

	// ContractAddress is the ponds contract to index.
	ContractAddress string `mapstructure:"contract_address"`

	// ABIPath is the path to the contract events ABI JSON file.
	ABIPath string `mapstructure:"abi_path"`

	// StartBlock is the block to start indexing from on a fresh database.
	StartBlock uint64 `mapstructure:"start_block"`

	// PollInterval is how long the engine sleeps when caught up.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Database is the PostgreSQL connection string for the event store.
	Database string `mapstructure:"database"`

	// LedgerDatabase is the connection string for the ledger store.
	// Empty means the event store database is shared.
	LedgerDatabase string `mapstructure:"ledger_database"`

	// Sync holds ingestion batch sizing and retry configuration.
	Sync SyncConfig `mapstructure:"sync"`

	// Points holds calculator configuration.
	Points PointsConfig `mapstructure:"points"`

	// Selector holds winner-selection submitter configuration.
	Selector SelectorConfig `mapstructure:"selector"`

	// Server holds listener configuration.
	Server ServerConfig `mapstructure:"server"`
}

// SyncConfig holds ingestion batch sizing and retry configuration.
type SyncConfig struct {
	// InitialBatchSize is the block-range width the engine starts with.
	InitialBatchSize uint64 `mapstructure:"initial_batch_size"`

	// MinBatchSize is the floor the batch size shrinks to on failures.
	MinBatchSize uint64 `mapstructure:"min_batch_size"`

	// MaxBatchSize is the cap the batch size grows to on successes.
	MaxBatchSize uint64 `mapstructure:"max_batch_size"`

	// GrowthFactor multiplies the batch size after a successful fetch.
	GrowthFactor float64 `mapstructure:"growth_factor"`

	// ShrinkFactor multiplies the batch size after a failed fetch.
	ShrinkFactor float64 `mapstructure:"shrink_factor"`

	// ReorgMargin is the number of most-recent blocks left unindexed.
	ReorgMargin uint64 `mapstructure:"reorg_margin"`

	// MaxRetries is the maximum attempts for a single upstream call.
	MaxRetries int `mapstructure:"max_retries"`

	// RetryDelay is the initial retry backoff delay.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// PointsConfig holds calculator configuration.
type PointsConfig struct {
	// TossMultiplier scales toss point awards.
	TossMultiplier int64 `mapstructure:"toss_multiplier"`

	// WinnerBonus is the fixed award for winning a pond.
	WinnerBonus int64 `mapstructure:"winner_bonus"`

	// ReferralBonus is the fixed award to a referrer on activation.
	ReferralBonus int64 `mapstructure:"referral_bonus"`

	// BatchLimit is the maximum events processed per kind per invocation.
	BatchLimit int `mapstructure:"batch_limit"`

	// Schedule is the cron spec for calculator runs in daemon mode.
	Schedule string `mapstructure:"schedule"`

	// PondConfigTTL is how long live pond configuration is cached.
	PondConfigTTL time.Duration `mapstructure:"pond_config_ttl"`
}

// SelectorConfig holds winner-selection submitter configuration.
type SelectorConfig struct {
	// PrivateKey is the hex key signing performUpkeep transactions.
	// Empty disables the selector.
	PrivateKey string `mapstructure:"private_key"`

	// GasLimit is the gas limit per submitted transaction.
	GasLimit uint64 `mapstructure:"gas_limit"`

	// GasPriceGwei is the gas price per submitted transaction.
	GasPriceGwei int64 `mapstructure:"gas_price_gwei"`

	// MaxIterations caps winner selections per invocation.
	MaxIterations int `mapstructure:"max_iterations"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	// MetricsPort is the Prometheus metrics port.
	MetricsPort int `mapstructure:"metrics_port"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	cfg := &Config{}

	setDefaults()

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Environment overrides for deployment secrets.
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database = dbURL
	}
	if dbURL := os.Getenv("LEDGER_DATABASE_URL"); dbURL != "" {
		cfg.LedgerDatabase = dbURL
	}
	if rpcURL := os.Getenv("RPC_URL"); rpcURL != "" {
		cfg.RPCURL = rpcURL
	}
	if addr := os.Getenv("CONTRACT_ADDRESS"); addr != "" {
		cfg.ContractAddress = addr
	}
	if key := os.Getenv("PRIVATE_KEY"); key != "" {
		cfg.Selector.PrivateKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("rpc_url is required (set RPC_URL env var or rpc_url in config)")
	}
	if c.ContractAddress == "" {
		return fmt.Errorf("contract_address is required (set CONTRACT_ADDRESS env var or contract_address in config)")
	}
	if c.ABIPath == "" {
		return fmt.Errorf("abi_path is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database connection string is required (set DATABASE_URL env var or database in config)")
	}
	if c.Sync.MinBatchSize == 0 {
		return fmt.Errorf("sync.min_batch_size must be at least 1")
	}
	if c.Sync.MaxBatchSize < c.Sync.MinBatchSize {
		return fmt.Errorf("sync.max_batch_size must be >= sync.min_batch_size")
	}
	if c.Sync.InitialBatchSize < c.Sync.MinBatchSize || c.Sync.InitialBatchSize > c.Sync.MaxBatchSize {
		return fmt.Errorf("sync.initial_batch_size must be within [min_batch_size, max_batch_size]")
	}
	if c.Sync.GrowthFactor <= 1.0 {
		return fmt.Errorf("sync.growth_factor must be > 1.0")
	}
	if c.Sync.ShrinkFactor <= 0 || c.Sync.ShrinkFactor >= 1.0 {
		return fmt.Errorf("sync.shrink_factor must be in (0, 1)")
	}
	if c.Points.BatchLimit <= 0 {
		return fmt.Errorf("points.batch_limit must be at least 1")
	}
	return nil
}

// LedgerDSN returns the ledger store connection string, falling back to the
// event store database when no separate one is configured.
func (c *Config) LedgerDSN() string {
	if c.LedgerDatabase != "" {
		return c.LedgerDatabase
	}
	return c.Database
}

// setDefaults sets default configuration values.
func setDefaults() {
	viper.SetDefault("name", "pondex")
	viper.SetDefault("abi_path", "contract_abi.json")
	viper.SetDefault("start_block", 0)
	viper.SetDefault("poll_interval", "10s")
	viper.SetDefault("sync.initial_batch_size", 200)
	viper.SetDefault("sync.min_batch_size", 10)
	viper.SetDefault("sync.max_batch_size", 400)
	viper.SetDefault("sync.growth_factor", 1.2)
	viper.SetDefault("sync.shrink_factor", 0.5)
	viper.SetDefault("sync.reorg_margin", 5)
	viper.SetDefault("sync.max_retries", 3)
	viper.SetDefault("sync.retry_delay", "1s")
	viper.SetDefault("points.toss_multiplier", 10)
	viper.SetDefault("points.winner_bonus", 100)
	viper.SetDefault("points.referral_bonus", 20)
	viper.SetDefault("points.batch_limit", 1000)
	viper.SetDefault("points.schedule", "@every 15m")
	viper.SetDefault("points.pond_config_ttl", "5m")
	viper.SetDefault("selector.gas_limit", 300000)
	viper.SetDefault("selector.gas_price_gwei", 20)
	viper.SetDefault("selector.max_iterations", 10)
	viper.SetDefault("server.metrics_port", 9090)
}
