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
	App       AppConfig       `yaml:"app"`
	Store     StoreConfig     `yaml:"store"`
	Engine    EngineConfig    `yaml:"engine"`
	Directory DirectoryConfig `yaml:"directory"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name string `yaml:"name"`
}

// StoreConfig configures the SQLite-backed Store (§4.A).
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// EngineConfig configures the Order Engine's workflow driver (§4.F, §5).
type EngineConfig struct {
	WorkerPoolSize    int    `yaml:"worker_pool_size" validate:"required,min=1,max=1000"`
	WorkerQueueSize   int    `yaml:"worker_queue_size" validate:"required,min=1,max=100000"`
	StepTimeoutMillis int    `yaml:"step_timeout_ms" validate:"required,min=1"`
	SettlementDelay   string `yaml:"settlement_delay" validate:"required"`
	MaxExecuteRetries int    `yaml:"max_execute_retries" validate:"min=0,max=20"`
}

// StepTimeout parses StepTimeoutMillis into a time.Duration.
func (c EngineConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutMillis) * time.Millisecond
}

// SettlementDelayDuration parses SettlementDelay (e.g. "10s", "48h" for a
// production T+2). §1 states the demo value is 10s.
func (c EngineConfig) SettlementDelayDuration() (time.Duration, error) {
	return time.ParseDuration(c.SettlementDelay)
}

// DirectoryConfig points at the external investor/asset lookup services (§3).
type DirectoryConfig struct {
	InvestorsBaseURL string `yaml:"investors_base_url" validate:"required"`
	AssetsBaseURL    string `yaml:"assets_base_url" validate:"required"`
	AuthToken        Secret `yaml:"auth_token"`
	TimeoutMillis    int    `yaml:"timeout_ms" validate:"required,min=1"`
}

func (c DirectoryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

// SystemConfig contains process-wide settings.
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	HealthPort    int  `yaml:"health_port"`
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

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateStoreConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateEngineConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateDirectoryConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateStoreConfig() error {
	if c.Store.Path == "" {
		return ValidationError{Field: "store.path", Message: "database path is required"}
	}
	return nil
}

func (c *Config) validateEngineConfig() error {
	if c.Engine.WorkerPoolSize <= 0 || c.Engine.WorkerPoolSize > 1000 {
		return ValidationError{Field: "engine.worker_pool_size", Value: c.Engine.WorkerPoolSize, Message: "must be between 1 and 1000"}
	}
	if c.Engine.WorkerQueueSize <= 0 || c.Engine.WorkerQueueSize > 100000 {
		return ValidationError{Field: "engine.worker_queue_size", Value: c.Engine.WorkerQueueSize, Message: "must be between 1 and 100000"}
	}
	if c.Engine.StepTimeoutMillis <= 0 {
		return ValidationError{Field: "engine.step_timeout_ms", Value: c.Engine.StepTimeoutMillis, Message: "must be positive"}
	}
	if c.Engine.MaxExecuteRetries < 0 || c.Engine.MaxExecuteRetries > 20 {
		return ValidationError{Field: "engine.max_execute_retries", Value: c.Engine.MaxExecuteRetries, Message: "must be between 0 and 20"}
	}
	if _, err := c.Engine.SettlementDelayDuration(); err != nil {
		return ValidationError{Field: "engine.settlement_delay", Value: c.Engine.SettlementDelay, Message: "must be a valid duration"}
	}
	return nil
}

func (c *Config) validateDirectoryConfig() error {
	if c.Directory.InvestorsBaseURL == "" {
		return ValidationError{Field: "directory.investors_base_url", Message: "required"}
	}
	if c.Directory.AssetsBaseURL == "" {
		return ValidationError{Field: "directory.assets_base_url", Message: "required"}
	}
	if c.Directory.TimeoutMillis <= 0 {
		return ValidationError{Field: "directory.timeout_ms", Value: c.Directory.TimeoutMillis, Message: "must be positive"}
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

// String returns a string representation of the configuration.
func (c *Config) String() string {
	data, _ := yaml.Marshal(*c)
	return string(data)
}

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

// DefaultConfig returns a default configuration for local development and tests.
func DefaultConfig() *Config {
	return &Config{
		App:   AppConfig{Name: "ordercore"},
		Store: StoreConfig{Path: "ordercore.db"},
		Engine: EngineConfig{
			WorkerPoolSize:    10,
			WorkerQueueSize:   256,
			StepTimeoutMillis: 5000,
			SettlementDelay:   "10s",
			MaxExecuteRetries: 3,
		},
		Directory: DirectoryConfig{
			InvestorsBaseURL: "http://localhost:8081",
			AssetsBaseURL:    "http://localhost:8082",
			TimeoutMillis:    2000,
		},
		System: SystemConfig{LogLevel: "INFO"},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
			HealthPort:    8080,
		},
	}
}
