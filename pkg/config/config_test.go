package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxDepth != 100 {
		t.Fatalf("MaxDepth = %d, want 100", cfg.MaxDepth)
	}
	if cfg.ReplacementRate != 13 {
		t.Fatalf("ReplacementRate = %d, want 13", cfg.ReplacementRate)
	}
	if cfg.MaxQueueDepth != 6 {
		t.Fatalf("MaxQueueDepth = %d, want 6", cfg.MaxQueueDepth)
	}
	if cfg.DatabaseRetryAttempts != 3 {
		t.Fatalf("DatabaseRetryAttempts = %d, want 3", cfg.DatabaseRetryAttempts)
	}
	if cfg.DatabaseRetryBackoff != 200*time.Millisecond {
		t.Fatalf("DatabaseRetryBackoff = %v, want 200ms", cfg.DatabaseRetryBackoff)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ETHEREUM_URL", "https://node.example/rpc")
	t.Setenv("MAX_DEPTH", "250")
	t.Setenv("GAS_REPLACEMENT_RATE_PCT", "20")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EthereumURL != "https://node.example/rpc" {
		t.Fatalf("EthereumURL = %q", cfg.EthereumURL)
	}
	if cfg.MaxDepth != 250 {
		t.Fatalf("MaxDepth = %d, want 250", cfg.MaxDepth)
	}
	if cfg.ReplacementRate != 20 {
		t.Fatalf("ReplacementRate = %d, want 20", cfg.ReplacementRate)
	}
}

func TestValidateRequiresCoreFields(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate succeeded on an empty config")
	}
}

func TestValidateDatabaseRequired(t *testing.T) {
	cfg := &Config{
		EthereumURL:                   "https://node.example/rpc",
		EthPrivateKey:                 "deadbeef",
		WatchtowerKeyPath:             "/tmp/key",
		AccountabilityContractAddress: "0xabc",
		ReplacementRate:               10,
		MaxQueueDepth:                 1,
		ConfirmationsRequired:         6,
		DatabaseRequired:              true,
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate succeeded with DatabaseRequired set but DatabaseURL empty")
	}
}

func TestApplyOverlayOnlyOverridesNonZero(t *testing.T) {
	cfg := &Config{
		MaxDepth:        100,
		ReplacementRate: 13,
		DBHost:          "localhost",
	}
	file := &FileConfig{
		Watcher: WatcherSettings{MaxDepth: 500},
	}
	cfg.ApplyOverlay(file)

	if cfg.MaxDepth != 500 {
		t.Fatalf("MaxDepth = %d, want 500", cfg.MaxDepth)
	}
	if cfg.ReplacementRate != 13 {
		t.Fatalf("ReplacementRate was overwritten to %d, want unchanged 13", cfg.ReplacementRate)
	}
	if cfg.DBHost != "localhost" {
		t.Fatalf("DBHost was overwritten to %q, want unchanged", cfg.DBHost)
	}
}
