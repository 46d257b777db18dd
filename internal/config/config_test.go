package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Writing config failed: %v", err)
	}
	return path
}

func TestLoadConfig_Valid(t *testing.T) {
	path := writeConfig(t, `
system:
  log_level: DEBUG
  cancel_on_exit: true
  trade_log_path: out.csv
brokers:
  mock:
    strategy: paper
    poll_interval_seconds: 10
    cancel_on_missing: true
    pinned_quote_assets: [USD]
retention:
  filled_orders:
    max_age_hours: 168
    max_count: 1000
    min_keep: 10
  every_n_iterations: 50
telemetry:
  metrics_port: 9090
  enable_metrics: true
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.System.LogLevel != "DEBUG" {
		t.Errorf("Expected DEBUG log level, got %q", cfg.System.LogLevel)
	}
	b, err := cfg.GetBrokerConfig("mock")
	if err != nil {
		t.Fatalf("GetBrokerConfig failed: %v", err)
	}
	if b.PollIntervalSeconds != 10 || !b.CancelOnMissing {
		t.Errorf("Broker config not parsed: %+v", b)
	}
	if len(b.PinnedQuoteAssets) != 1 || b.PinnedQuoteAssets[0] != "USD" {
		t.Errorf("Pinned quote assets not parsed: %v", b.PinnedQuoteAssets)
	}
	if cfg.Retention.EveryNIterations != 50 {
		t.Errorf("Expected every_n_iterations 50, got %d", cfg.Retention.EveryNIterations)
	}
	// Unset knobs pick up defaults.
	if b.MaxConcurrency != 4 {
		t.Errorf("Expected default max_concurrency 4, got %d", b.MaxConcurrency)
	}
}

func TestLoadConfig_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_BROKER_KEY", "key-from-env")
	t.Setenv("TEST_BROKER_SECRET", "secret-from-env")

	path := writeConfig(t, `
system:
  log_level: INFO
brokers:
  acme:
    strategy: live
    api_key: ${TEST_BROKER_KEY}
    secret_key: ${TEST_BROKER_SECRET}
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	b, _ := cfg.GetBrokerConfig("acme")
	if b.APIKey != "key-from-env" || b.SecretKey != "secret-from-env" {
		t.Errorf("Env expansion failed: %+v", b)
	}
}

func TestLoadConfig_MissingCredentials(t *testing.T) {
	path := writeConfig(t, `
system:
  log_level: INFO
brokers:
  acme:
    strategy: live
`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("Expected validation failure for missing credentials")
	}
	if !strings.Contains(err.Error(), "api_key") {
		t.Errorf("Expected api_key in error, got %v", err)
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
system:
  log_level: LOUD
brokers:
  mock: {}
`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("Expected validation failure for bad log level")
	}
}

func TestLoadConfig_MinKeepExceedsMaxCount(t *testing.T) {
	path := writeConfig(t, `
system:
  log_level: INFO
brokers:
  mock: {}
retention:
  filled_orders:
    max_count: 5
    min_keep: 10
`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("Expected validation failure for min_keep > max_count")
	}
}

func TestConfig_StringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Brokers["acme"] = BrokerConfig{
		APIKey:    "super-secret-api-key",
		SecretKey: "even-more-secret-key",
	}

	out := cfg.String()
	if strings.Contains(out, "super-secret-api-key") || strings.Contains(out, "even-more-secret-key") {
		t.Error("String must mask credentials")
	}
}

func TestValidate_NoBrokers(t *testing.T) {
	cfg := &Config{System: SystemConfig{LogLevel: "INFO"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected validation failure for empty brokers")
	}
}
