// Package config also supports a YAML overlay file, for deployments that
// prefer a checked-in file over a wall of environment variables.
// Environment variables in the format ${VAR_NAME} or ${VAR_NAME:-default}
// are substituted before parsing.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig mirrors the subset of Config that operators tune per
// deployment: contract wiring, block processing cadence, and the gas
// queue's replace-by-fee parameters.
type FileConfig struct {
	Environment string `yaml:"environment"`

	Network  NetworkSettings  `yaml:"network"`
	Watcher  WatcherSettings  `yaml:"watcher"`
	Gas      GasSettings      `yaml:"gas"`
	Database DatabaseSettings `yaml:"database"`
	Logging  LoggingSettings  `yaml:"logging"`
}

// NetworkSettings describes the chain this watchtower follows.
type NetworkSettings struct {
	EthereumURL                   string `yaml:"ethereum_url"`
	ChainID                       int64  `yaml:"chain_id"`
	AccountabilityContractAddress string `yaml:"accountability_contract_address"`
}

// WatcherSettings controls block processing and state machine timing.
type WatcherSettings struct {
	MaxDepth              uint64   `yaml:"max_depth"`
	ConfirmationsRequired uint64   `yaml:"confirmations_required"`
	MaxReorgLimit         uint64   `yaml:"max_reorg_limit"`
	PollInterval          Duration `yaml:"poll_interval"`
}

// GasSettings controls the responder's gas queue and price estimator.
type GasSettings struct {
	ReplacementRatePct     uint64 `yaml:"replacement_rate_pct"`
	MaxQueueDepth          int    `yaml:"max_queue_depth"`
	FloorWei               int64  `yaml:"floor_wei"`
	MultiplierPct          int64  `yaml:"multiplier_pct"`
	LowBalanceThresholdWei int64  `yaml:"low_balance_threshold_wei"`
}

// DatabaseSettings controls the receipt archive connection.
type DatabaseSettings struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	User            string   `yaml:"user"`
	Name            string   `yaml:"name"`
	SSLMode         string   `yaml:"ssl_mode"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// LoggingSettings controls log verbosity and format.
type LoggingSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// LoadFileConfig loads a FileConfig from path, substituting ${VAR} and
// ${VAR:-default} references against the process environment first.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	var cfg FileConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyOverlay overwrites the fields of c that FileConfig carries a
// non-zero value for, letting a YAML file coexist with the environment
// loader. A non-zero file value replaces the field even when an
// environment variable set it; env vars keep only the fields the file
// leaves zero or absent.
func (c *Config) ApplyOverlay(f *FileConfig) {
	if f.Network.EthereumURL != "" {
		c.EthereumURL = f.Network.EthereumURL
	}
	if f.Network.ChainID != 0 {
		c.EthChainID = f.Network.ChainID
	}
	if f.Network.AccountabilityContractAddress != "" {
		c.AccountabilityContractAddress = f.Network.AccountabilityContractAddress
	}
	if f.Watcher.MaxDepth != 0 {
		c.MaxDepth = f.Watcher.MaxDepth
	}
	if f.Watcher.ConfirmationsRequired != 0 {
		c.ConfirmationsRequired = f.Watcher.ConfirmationsRequired
	}
	if f.Watcher.MaxReorgLimit != 0 {
		c.MaxReorgLimit = f.Watcher.MaxReorgLimit
	}
	if f.Watcher.PollInterval != 0 {
		c.PollInterval = f.Watcher.PollInterval.Duration()
	}
	if f.Gas.ReplacementRatePct != 0 {
		c.ReplacementRate = f.Gas.ReplacementRatePct
	}
	if f.Gas.MaxQueueDepth != 0 {
		c.MaxQueueDepth = f.Gas.MaxQueueDepth
	}
	if f.Gas.FloorWei != 0 {
		c.GasPriceFloorWei = f.Gas.FloorWei
	}
	if f.Gas.MultiplierPct != 0 {
		c.GasPriceMultiplier = f.Gas.MultiplierPct
	}
	if f.Gas.LowBalanceThresholdWei != 0 {
		c.LowBalanceThresholdWei = f.Gas.LowBalanceThresholdWei
	}
	if f.Database.Host != "" {
		c.DBHost = f.Database.Host
	}
	if f.Database.Port != 0 {
		c.DBPort = f.Database.Port
	}
	if f.Database.Name != "" {
		c.DBName = f.Database.Name
	}
	if f.Logging.Level != "" {
		c.LogLevel = f.Logging.Level
	}
}

// envVarPattern matches ${VAR_NAME} or ${VAR_NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}
