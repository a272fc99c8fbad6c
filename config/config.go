package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

// Config holds all agent configuration loaded from the environment.
type Config struct {
	// Identity
	Address       string
	PrivateKeyWIF string
	Network       string
	DryRun        bool

	// Fulfillment tuning
	MaxMempoolTxs      int
	ComposeCooldown    time.Duration
	MaxRetries         int
	RBFEnabled         bool
	StuckTxThreshold   int64
	MaxTotalFeeSats    int64
	MaxFeeRateForNewTx int64

	// Maintenance tuning
	OrderExpiration     int
	WaitAfterBroadcast  time.Duration
	MaintenanceInterval time.Duration

	// Scheduling
	CheckInterval time.Duration

	// External endpoints
	CounterpartyAPI string
	MempoolAPI      string
	BlockstreamAPI  string

	// State store
	RedisURL      string
	RedisPassword string

	// Optional surfaces
	NotifyWebhookURL string
	StatusPort       int
	PriceTablePath   string
}

// Load reads configuration from environment variables and validates
// required keys. Defaults match production tuning.
func Load() (*Config, error) {
	cfg := &Config{
		Address:       os.Getenv("XCPFOLIO_ADDRESS"),
		PrivateKeyWIF: os.Getenv("XCPFOLIO_PRIVATE_KEY"),
		Network:       getEnvOrDefault("NETWORK", "mainnet"),
		DryRun:        getEnvAsBool("DRY_RUN", false),

		MaxMempoolTxs:      getEnvAsInt("MAX_MEMPOOL_TXS", 25),
		ComposeCooldown:    getEnvAsMillis("COMPOSE_COOLDOWN", 10000),
		MaxRetries:         getEnvAsInt("MAX_RETRIES", 10),
		RBFEnabled:         getEnvAsBool("RBF_ENABLED", true),
		StuckTxThreshold:   int64(getEnvAsInt("STUCK_TX_THRESHOLD", 3)),
		MaxTotalFeeSats:    int64(getEnvAsInt("MAX_TOTAL_FEE_SATS", 10000)),
		MaxFeeRateForNewTx: int64(getEnvAsInt("MAX_FEE_RATE_FOR_NEW_TX", 100)),

		OrderExpiration:     getEnvAsInt("ORDER_EXPIRATION", 8064),
		WaitAfterBroadcast:  getEnvAsMillis("WAIT_AFTER_BROADCAST", 10000),
		MaintenanceInterval: getEnvAsDuration("MAINTENANCE_INTERVAL", time.Hour),

		CheckInterval: getEnvAsDuration("CHECK_INTERVAL", time.Minute),

		CounterpartyAPI: getEnvOrDefault("COUNTERPARTY_API", "https://api.counterparty.io:4000/v2"),
		MempoolAPI:      getEnvOrDefault("MEMPOOL_API", "https://mempool.space/api"),
		BlockstreamAPI:  getEnvOrDefault("BLOCKSTREAM_API", "https://blockstream.info/api"),

		RedisURL:      os.Getenv("REDIS_URL"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		NotifyWebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
		StatusPort:       getEnvAsInt("STATUS_PORT", 8090),
		PriceTablePath:   getEnvOrDefault("PRICE_TABLE_PATH", "prices.yaml"),
	}

	if cfg.Address == "" {
		return nil, fmt.Errorf("XCPFOLIO_ADDRESS is required")
	}
	if cfg.PrivateKeyWIF == "" {
		return nil, fmt.Errorf("XCPFOLIO_PRIVATE_KEY is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.Network != "mainnet" && cfg.Network != "testnet" {
		return nil, fmt.Errorf("NETWORK must be mainnet or testnet, got %q", cfg.Network)
	}

	return cfg, nil
}

// ChainParams returns the btcsuite network parameters for the
// configured network.
func (c *Config) ChainParams() *chaincfg.Params {
	if c.Network == "testnet" {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsMillis parses an integer millisecond value into a Duration.
func getEnvAsMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultMillis)) * time.Millisecond
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
