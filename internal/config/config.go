package config

import (
	"fmt"
)

// Config represents the main taskpilot configuration
type Config struct {
	// Session store and retention
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Gateway server
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// AI provider profiles
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// SessionConfig holds conversation-session lifecycle settings
type SessionConfig struct {
	DBPath         string `json:"db_path" mapstructure:"db_path"`
	MaxMessages    int    `json:"max_messages" mapstructure:"max_messages"`
	RetentionDays  int    `json:"retention_days" mapstructure:"retention_days"`
	CleanupHourUTC int    `json:"cleanup_hour_utc" mapstructure:"cleanup_hour_utc"`
}

// GatewayConfig holds HTTP gateway settings
type GatewayConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles     []AIProfile `json:"profiles" mapstructure:"profiles"`
	Model        string      `json:"model" mapstructure:"model"`
	SystemPrompt string      `json:"system_prompt" mapstructure:"system_prompt"`
	MaxTokens    int         `json:"max_tokens" mapstructure:"max_tokens"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			MaxMessages:    200,
			RetentionDays:  7,
			CleanupHourUTC: 2,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8742,
		},
		AI: AIConfig{
			Model:     "claude-3-5-sonnet-20241022",
			MaxTokens: 4096,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Session.MaxMessages <= 0 {
		return fmt.Errorf("session.max_messages must be positive, got %d", c.Session.MaxMessages)
	}
	if c.Session.RetentionDays <= 0 {
		return fmt.Errorf("session.retention_days must be positive, got %d", c.Session.RetentionDays)
	}
	if c.Session.CleanupHourUTC < 0 || c.Session.CleanupHourUTC > 23 {
		return fmt.Errorf("session.cleanup_hour_utc must be in [0,23], got %d", c.Session.CleanupHourUTC)
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be a valid port, got %d", c.Gateway.Port)
	}
	return nil
}
