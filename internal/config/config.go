// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	System    SystemConfig            `yaml:"system"`
	Brokers   map[string]BrokerConfig `yaml:"brokers"`
	Retention RetentionConfig         `yaml:"retention"`
	Telemetry TelemetryConfig         `yaml:"telemetry"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
	TradeLogPath string `yaml:"trade_log_path"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// BrokerConfig contains the per-brokerage connection settings
type BrokerConfig struct {
	Strategy  string `yaml:"strategy"`
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	BaseURL   string `yaml:"base_url"` // Optional override for API URL

	// PollIntervalSeconds drives poll-mode reconciliation; ignored when
	// the adapter provides a push stream.
	PollIntervalSeconds int  `yaml:"poll_interval_seconds" validate:"min=1,max=3600"`
	CancelOnMissing     bool `yaml:"cancel_on_missing"`

	PinnedQuoteAssets []string `yaml:"pinned_quote_assets"`

	MaxConcurrency int     `yaml:"max_concurrency" validate:"min=1,max=100"`
	RateLimit      float64 `yaml:"rate_limit" validate:"min=0"`
	RateBurst      int     `yaml:"rate_burst" validate:"min=0"`

	StartupTimeoutSeconds int `yaml:"startup_timeout_seconds" validate:"min=1,max=300"`
}

// RetentionConfig contains the pruning policy per terminal collection
type RetentionConfig struct {
	FilledOrders   PolicyConfig `yaml:"filled_orders"`
	CanceledOrders PolicyConfig `yaml:"canceled_orders"`
	ErrorOrders    PolicyConfig `yaml:"error_orders"`
	Positions      PolicyConfig `yaml:"positions"`

	EveryNIterations int `yaml:"every_n_iterations" validate:"min=1,max=100000"`
}

// PolicyConfig bounds one collection. Zero disables the corresponding axis.
type PolicyConfig struct {
	MaxAgeHours int `yaml:"max_age_hours" validate:"min=0"`
	MaxCount    int `yaml:"max_count" validate:"min=0"`
	MinKeep     int `yaml:"min_keep" validate:"min=0"`
}

// MaxAge returns the age limit as a duration.
func (p PolicyConfig) MaxAge() time.Duration {
	return time.Duration(p.MaxAgeHours) * time.Hour
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Retention.EveryNIterations == 0 {
		c.Retention.EveryNIterations = 100
	}
	for name, b := range c.Brokers {
		if b.PollIntervalSeconds == 0 {
			b.PollIntervalSeconds = 5
		}
		if b.MaxConcurrency == 0 {
			b.MaxConcurrency = 4
		}
		if b.StartupTimeoutSeconds == 0 {
			b.StartupTimeoutSeconds = 30
		}
		c.Brokers[name] = b
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateBrokers(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRetentionConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateBrokers() error {
	if len(c.Brokers) == 0 {
		return ValidationError{
			Field:   "brokers",
			Message: "at least one broker must be configured",
		}
	}

	for name, b := range c.Brokers {
		// The mock brokerage needs no credentials.
		if name == "mock" {
			continue
		}
		if b.APIKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("brokers.%s.api_key", name),
				Message: "API key is required",
			}
		}
		if b.SecretKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("brokers.%s.secret_key", name),
				Message: "secret key is required",
			}
		}
		if b.PollIntervalSeconds < 1 || b.PollIntervalSeconds > 3600 {
			return ValidationError{
				Field:   fmt.Sprintf("brokers.%s.poll_interval_seconds", name),
				Value:   b.PollIntervalSeconds,
				Message: "must be between 1 and 3600",
			}
		}
	}

	return nil
}

func (c *Config) validateRetentionConfig() error {
	policies := map[string]PolicyConfig{
		"retention.filled_orders":   c.Retention.FilledOrders,
		"retention.canceled_orders": c.Retention.CanceledOrders,
		"retention.error_orders":    c.Retention.ErrorOrders,
		"retention.positions":       c.Retention.Positions,
	}
	for field, p := range policies {
		if p.MaxCount > 0 && p.MinKeep > p.MaxCount {
			return ValidationError{
				Field:   field + ".min_keep",
				Value:   p.MinKeep,
				Message: "min_keep cannot exceed max_count",
			}
		}
	}
	return nil
}

// GetBrokerConfig returns the configuration for the named broker
func (c *Config) GetBrokerConfig(name string) (*BrokerConfig, error) {
	b, exists := c.Brokers[name]
	if !exists {
		return nil, fmt.Errorf("broker configuration not found for: %s", name)
	}
	return &b, nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Brokers = make(map[string]BrokerConfig, len(c.Brokers))
	for name, b := range c.Brokers {
		b.APIKey = maskString(b.APIKey)
		b.SecretKey = maskString(b.SecretKey)
		configCopy.Brokers[name] = b
	}

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			LogLevel:     "INFO",
			CancelOnExit: true,
			TradeLogPath: "trades.csv",
		},
		Brokers: map[string]BrokerConfig{
			"mock": {
				Strategy:              "paper",
				PollIntervalSeconds:   5,
				CancelOnMissing:       true,
				MaxConcurrency:        4,
				StartupTimeoutSeconds: 30,
			},
		},
		Retention: RetentionConfig{
			FilledOrders:     PolicyConfig{MaxAgeHours: 168, MaxCount: 1000, MinKeep: 10},
			CanceledOrders:   PolicyConfig{MaxAgeHours: 168, MaxCount: 1000, MinKeep: 10},
			ErrorOrders:      PolicyConfig{MaxAgeHours: 168, MaxCount: 1000, MinKeep: 10},
			Positions:        PolicyConfig{MaxAgeHours: 168, MaxCount: 500, MinKeep: 10},
			EveryNIterations: 100,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
