package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the watchtower service.
type Config struct {
	// Network Configuration
	EthereumURL string
	EthChainID  int64

	// Server Configuration
	ListenAddr  string
	MetricsAddr string
	HealthAddr  string

	// Database Configuration (receipt archive)
	DatabaseURL          string
	DatabaseMaxConns     int
	DatabaseMinConns     int
	DatabaseMaxIdleTime  int // seconds
	DatabaseMaxLifetime  int // seconds
	DatabaseRequired     bool
	DatabaseRetryAttempts int           // attempts for a receipt archive write before giving up
	DatabaseRetryBackoff  time.Duration // base delay between archive write retries, scaled per attempt

	// DBHost/DBPort/DBName back the YAML overlay; DatabaseURL is what the
	// client actually dials with.
	DBHost string
	DBPort int
	DBName string

	// Blockchain Configuration
	EthPrivateKey string // operator key the multi-responder signs with

	// Watchtower identity
	WatchtowerKeyPath string // path to the watchtower's own signing key, distinct from the operator key
	DataDir           string

	// Contract Addresses
	AccountabilityContractAddress string

	// Service Configuration
	LogLevel string

	// Block processing
	MaxDepth              uint64 // reorg cache depth
	ConfirmationsRequired uint64 // confirmations before watcher/responder consider a match final
	MaxReorgLimit         uint64 // blocks past EndBlock an appointment stays trackable
	PollInterval          time.Duration

	// Gas queue / responder
	ReplacementRate        uint64 // percent bump required to jump the queue via replace-by-fee
	MaxQueueDepth          int
	GasPriceFloorWei       int64
	GasPriceMultiplier     int64 // percent
	LowBalanceThresholdWei int64

	// Appointment intake
	DefaultChallengePeriod uint64
	MinStartBlockLeadTime  uint64
	MaxEndBlockWindow      uint64
}

// Load reads configuration from environment variables.
//
// Required variables have no defaults and must be explicitly set; call
// Validate() after Load() before starting the service.
func Load() (*Config, error) {
	cfg := &Config{
		EthereumURL: getEnv("ETHEREUM_URL", ""),
		EthChainID:  getEnvInt64("ETH_CHAIN_ID", 11155111),

		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),
		HealthAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("HEALTH_CHECK_PORT", "8081"),

		DatabaseURL:           getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:      getEnvInt("DATABASE_MAX_CONNS", 25),
		DatabaseMinConns:      getEnvInt("DATABASE_MIN_CONNS", 5),
		DatabaseMaxIdleTime:   getEnvInt("DATABASE_MAX_IDLE_TIME", 300),
		DatabaseMaxLifetime:   getEnvInt("DATABASE_MAX_LIFETIME", 3600),
		DatabaseRequired:      getEnvBool("DATABASE_REQUIRED", false),
		DatabaseRetryAttempts: getEnvInt("DATABASE_RETRY_ATTEMPTS", 3),
		DatabaseRetryBackoff:  getEnvDuration("DATABASE_RETRY_BACKOFF", 200*time.Millisecond),

		DBHost: getEnv("DB_HOST", "localhost"),
		DBPort: getEnvInt("DB_PORT", 5432),
		DBName: getEnv("DB_NAME", "watchtower"),

		EthPrivateKey: getEnv("ETH_PRIVATE_KEY", ""),

		WatchtowerKeyPath: getEnv("WATCHTOWER_KEY_PATH", ""),
		DataDir:           getEnv("DATA_DIR", "./data"),

		AccountabilityContractAddress: getEnv("ACCOUNTABILITY_CONTRACT_ADDRESS", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		MaxDepth:              uint64(getEnvInt("MAX_DEPTH", 100)),
		ConfirmationsRequired: uint64(getEnvInt("CONFIRMATIONS_REQUIRED", 6)),
		MaxReorgLimit:         uint64(getEnvInt("MAX_REORG_LIMIT", 100)),
		PollInterval:          getEnvDuration("POLL_INTERVAL", 15*time.Second),

		ReplacementRate:        uint64(getEnvInt("GAS_REPLACEMENT_RATE_PCT", 13)),
		MaxQueueDepth:          getEnvInt("MAX_QUEUE_DEPTH", 6),
		GasPriceFloorWei:       getEnvInt64("GAS_PRICE_FLOOR_WEI", 5_000_000_000), // 5 gwei
		GasPriceMultiplier:     getEnvInt64("GAS_PRICE_MULTIPLIER_PCT", 100),
		LowBalanceThresholdWei: getEnvInt64("LOW_BALANCE_THRESHOLD_WEI", 100_000_000_000_000_000), // 0.1 ether

		DefaultChallengePeriod: uint64(getEnvInt("DEFAULT_CHALLENGE_PERIOD", 100)),
		MinStartBlockLeadTime:  uint64(getEnvInt("MIN_START_BLOCK_LEAD_TIME", 1)),
		MaxEndBlockWindow:      uint64(getEnvInt("MAX_END_BLOCK_WINDOW", 60000)),
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	var errs []string

	if c.EthereumURL == "" {
		errs = append(errs, "ETHEREUM_URL is required but not set")
	}
	if c.EthPrivateKey == "" {
		errs = append(errs, "ETH_PRIVATE_KEY is required but not set")
	}
	if c.WatchtowerKeyPath == "" {
		errs = append(errs, "WATCHTOWER_KEY_PATH is required but not set")
	}
	if c.AccountabilityContractAddress == "" {
		errs = append(errs, "ACCOUNTABILITY_CONTRACT_ADDRESS is required but not set")
	}
	if c.DatabaseRequired && c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required but not set")
	}
	if c.ReplacementRate == 0 {
		errs = append(errs, "GAS_REPLACEMENT_RATE_PCT must be greater than 0")
	}
	if c.MaxQueueDepth <= 0 {
		errs = append(errs, "MAX_QUEUE_DEPTH must be greater than 0")
	}
	if c.ConfirmationsRequired == 0 {
		errs = append(errs, "CONFIRMATIONS_REQUIRED must be greater than 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
