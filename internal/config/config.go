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
	App         AppConfig               `yaml:"app"`
	Brokers     map[string]BrokerConfig `yaml:"brokers"`
	Engine      EngineConfig            `yaml:"engine"`
	Storage     StorageConfig           `yaml:"storage"`
	Encryption  EncryptionConfig        `yaml:"encryption"`
	System      SystemConfig            `yaml:"system"`
	Timing      TimingConfig            `yaml:"timing"`
	Concurrency ConcurrencyConfig       `yaml:"concurrency"`
	Telemetry   TelemetryConfig         `yaml:"telemetry"`
	EventStream EventStreamConfig       `yaml:"event_stream"`
	Alerts      AlertsConfig            `yaml:"alerts"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	DefaultBroker  string   `yaml:"default_broker"`  // Broker used when an account does not name one
	AutostartUsers []string `yaml:"autostart_users"` // Engines started on boot; empty = every active account
	Autostart      bool     `yaml:"autostart"`
}

// BrokerConfig contains broker-specific endpoints and limits. Credentials
// live per user in storage, encrypted; this section never holds keys.
type BrokerConfig struct {
	BaseURL         string `yaml:"base_url"`
	WSURL           string `yaml:"ws_url"`
	TimeoutSeconds  int    `yaml:"timeout_seconds" validate:"min=1,max=60"`
	RateLimitPerSec int    `yaml:"rate_limit_per_sec" validate:"min=1,max=100"`
}

// EngineConfig contains per-user trading engine parameters
type EngineConfig struct {
	PositionPollInterval int    `yaml:"position_poll_interval" validate:"min=1,max=60"`  // seconds
	PricePollInterval    int    `yaml:"price_poll_interval" validate:"min=1,max=60"`     // seconds, LTP fallback
	RulesRefreshInterval int    `yaml:"rules_refresh_interval" validate:"min=1,max=3600"` // seconds
	MaxAuthFailures      int    `yaml:"max_auth_failures" validate:"min=1,max=10"`
	UseTicker            bool   `yaml:"use_ticker"`
	Timezone             string `yaml:"timezone"`
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms" validate:"min=0,max=60000"`
}

// EncryptionConfig contains credential encryption settings
type EncryptionConfig struct {
	Key  Secret `yaml:"key" validate:"required"`
	Salt string `yaml:"salt"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// TimingConfig contains timing-related settings
type TimingConfig struct {
	WebsocketWriteWait    int `yaml:"websocket_write_wait" validate:"min=1,max=300"`    // seconds
	WebsocketPongWait     int `yaml:"websocket_pong_wait" validate:"min=1,max=300"`     // seconds
	WebsocketPingInterval int `yaml:"websocket_ping_interval" validate:"min=1,max=300"` // seconds
	ReconnectMaxDelay     int `yaml:"reconnect_max_delay" validate:"min=1,max=600"`     // seconds
	ReconnectMaxTries     int `yaml:"reconnect_max_tries" validate:"min=1,max=300"`
	OrderRetryAttempts    int `yaml:"order_retry_attempts" validate:"min=1,max=10"`
	OrderRetryDelay       int `yaml:"order_retry_delay" validate:"min=1,max=10000"` // milliseconds, doubles per attempt
	TokenCacheTTL         int `yaml:"token_cache_ttl" validate:"min=1,max=3600"`    // seconds
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	ExitPoolSize    int `yaml:"exit_pool_size" validate:"min=1,max=100"`
	ExitPoolBuffer  int `yaml:"exit_pool_buffer" validate:"min=1,max=10000"`
	AlertPoolSize   int `yaml:"alert_pool_size" validate:"min=1,max=100"`
	AlertPoolBuffer int `yaml:"alert_pool_buffer" validate:"min=1,max=10000"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// EventStreamConfig contains the websocket event broadcast settings
type EventStreamConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ListenAddr     string `yaml:"listen_addr"`
	MaxConnections int    `yaml:"max_connections" validate:"min=1,max=10000"`
}

// AlertsConfig contains outbound notification settings
type AlertsConfig struct {
	Enabled          bool   `yaml:"enabled"`
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
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

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateBrokers(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateEngineConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateStorageConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateTimingConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateEventStreamConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	if c.App.DefaultBroker == "" {
		return ValidationError{
			Field:   "app.default_broker",
			Message: "a default broker must be named",
		}
	}
	if c.App.DefaultBroker == "mock" {
		return nil
	}
	if _, exists := c.Brokers[c.App.DefaultBroker]; !exists {
		return ValidationError{
			Field:   "app.default_broker",
			Value:   c.App.DefaultBroker,
			Message: "broker configuration not found in brokers section",
		}
	}
	return nil
}

func (c *Config) validateBrokers() error {
	for name, broker := range c.Brokers {
		// The mock broker needs no endpoints.
		if name == "mock" {
			continue
		}

		if broker.BaseURL == "" {
			return ValidationError{
				Field:   fmt.Sprintf("brokers.%s.base_url", name),
				Message: "base URL is required",
			}
		}
		if broker.TimeoutSeconds <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("brokers.%s.timeout_seconds", name),
				Value:   broker.TimeoutSeconds,
				Message: "timeout must be positive",
			}
		}
	}
	return nil
}

func (c *Config) validateEngineConfig() error {
	if c.Engine.PositionPollInterval <= 0 {
		return ValidationError{
			Field:   "engine.position_poll_interval",
			Value:   c.Engine.PositionPollInterval,
			Message: "position poll interval must be positive",
		}
	}
	if c.Engine.PricePollInterval <= 0 {
		return ValidationError{
			Field:   "engine.price_poll_interval",
			Value:   c.Engine.PricePollInterval,
			Message: "price poll interval must be positive",
		}
	}
	if c.Engine.RulesRefreshInterval <= 0 {
		return ValidationError{
			Field:   "engine.rules_refresh_interval",
			Value:   c.Engine.RulesRefreshInterval,
			Message: "rules refresh interval must be positive",
		}
	}
	if c.Engine.MaxAuthFailures <= 0 {
		return ValidationError{
			Field:   "engine.max_auth_failures",
			Value:   c.Engine.MaxAuthFailures,
			Message: "max auth failures must be positive",
		}
	}
	if c.Engine.Timezone != "" {
		if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
			return ValidationError{
				Field:   "engine.timezone",
				Value:   c.Engine.Timezone,
				Message: "unknown timezone",
			}
		}
	}
	return nil
}

func (c *Config) validateStorageConfig() error {
	if c.Storage.Path == "" {
		return ValidationError{
			Field:   "storage.path",
			Message: "database path is required",
		}
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

func (c *Config) validateTimingConfig() error {
	if c.Timing.ReconnectMaxTries > 300 {
		return ValidationError{
			Field:   "timing.reconnect_max_tries",
			Value:   c.Timing.ReconnectMaxTries,
			Message: "must not exceed 300",
		}
	}
	if c.Timing.OrderRetryAttempts <= 0 {
		return ValidationError{
			Field:   "timing.order_retry_attempts",
			Value:   c.Timing.OrderRetryAttempts,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateEventStreamConfig() error {
	if !c.EventStream.Enabled {
		return nil // Skip validation if disabled
	}
	if c.EventStream.ListenAddr == "" {
		return ValidationError{
			Field:   "event_stream.listen_addr",
			Message: "listen address required when event stream is enabled",
		}
	}
	return nil
}

// GetBrokerConfig returns the configuration for the named broker
func (c *Config) GetBrokerConfig(name string) (*BrokerConfig, error) {
	broker, exists := c.Brokers[name]
	if !exists {
		return nil, fmt.Errorf("broker configuration not found for: %s", name)
	}
	return &broker, nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the baseline configuration; LoadConfig overlays the
// file on top of these values.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			DefaultBroker: "kite",
			Autostart:     true,
		},
		Brokers: map[string]BrokerConfig{
			"kite": {
				BaseURL:         "https://api.kite.trade",
				WSURL:           "wss://ws.kite.trade",
				TimeoutSeconds:  7,
				RateLimitPerSec: 3,
			},
		},
		Engine: EngineConfig{
			PositionPollInterval: 2,
			PricePollInterval:    1,
			RulesRefreshInterval: 1,
			MaxAuthFailures:      3,
			UseTicker:            true,
			Timezone:             "Asia/Kolkata",
		},
		Storage: StorageConfig{
			Path:          "exit_engine.db",
			BusyTimeoutMS: 5000,
		},
		Encryption: EncryptionConfig{
			Key:  "default-secret-change-in-production",
			Salt: "trading-api-salt",
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Timing: TimingConfig{
			WebsocketWriteWait:    5,
			WebsocketPongWait:     10,
			WebsocketPingInterval: 30,
			ReconnectMaxDelay:     60,
			ReconnectMaxTries:     50,
			OrderRetryAttempts:    3,
			OrderRetryDelay:       1000,
			TokenCacheTTL:         300,
		},
		Concurrency: ConcurrencyConfig{
			ExitPoolSize:    8,
			ExitPoolBuffer:  256,
			AlertPoolSize:   4,
			AlertPoolBuffer: 100,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		EventStream: EventStreamConfig{
			Enabled:        false,
			ListenAddr:     ":8080",
			MaxConnections: 256,
		},
		Alerts: AlertsConfig{
			Enabled: false,
		},
	}
}
