// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/reconnect"
)

// defaultDataDir returns the default directory for gateway data.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".wa-gateway")
}

// Config holds all configuration for the gateway.
type Config struct {
	// Paths
	SessionPath string `mapstructure:"session_path"`
	StorePath   string `mapstructure:"store_path"`
	QRImagePath string `mapstructure:"qr_image_path"`

	// HTTP
	HTTPAddr       string   `mapstructure:"http_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// Connection
	AutoStart      bool          `mapstructure:"auto_start"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	LogoutTimeout  time.Duration `mapstructure:"logout_timeout"`

	// Reconnection
	ReconnectMaxAttempts      int           `mapstructure:"reconnect_max_attempts"`
	ReconnectBaseDelay        time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay         time.Duration `mapstructure:"reconnect_max_delay"`
	ReconnectUnknownBaseDelay time.Duration `mapstructure:"reconnect_unknown_base_delay"`
	ReconnectUnknownMaxDelay  time.Duration `mapstructure:"reconnect_unknown_max_delay"`
	ReauthDelay               time.Duration `mapstructure:"reauth_delay"`

	// Sending, per recipient
	SendRateLimit float64 `mapstructure:"send_rate_limit"`
	SendBurst     int     `mapstructure:"send_burst"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Metrics. A zero port serves /metrics on HTTPAddr.
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
	MetricsPort    int  `mapstructure:"metrics_port"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	policy := reconnect.DefaultPolicy()
	return &Config{
		SessionPath:               filepath.Join(dataDir, "session"),
		StorePath:                 filepath.Join(dataDir, "gateway.db"),
		QRImagePath:               filepath.Join(dataDir, "qrcode.png"),
		HTTPAddr:                  ":3001",
		AllowedOrigins:            []string{"*"},
		AutoStart:                 true,
		ConnectTimeout:            30 * time.Second,
		LogoutTimeout:             10 * time.Second,
		ReconnectMaxAttempts:      policy.MaxAttempts,
		ReconnectBaseDelay:        policy.BaseDelay,
		ReconnectMaxDelay:         policy.MaxDelay,
		ReconnectUnknownBaseDelay: policy.UnknownBaseDelay,
		ReconnectUnknownMaxDelay:  policy.UnknownMaxDelay,
		ReauthDelay:               policy.ReauthDelay,
		SendRateLimit:             1,
		SendBurst:                 5,
		LogLevel:                  "info",
		LogFormat:                 "json",
		MetricsEnabled:            true,
		MetricsPort:               0,
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// Priority: CLI flags > Environment > Config file > Defaults
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("session_path", defaults.SessionPath)
	v.SetDefault("store_path", defaults.StorePath)
	v.SetDefault("qr_image_path", defaults.QRImagePath)
	v.SetDefault("http_addr", defaults.HTTPAddr)
	v.SetDefault("allowed_origins", defaults.AllowedOrigins)
	v.SetDefault("auto_start", defaults.AutoStart)
	v.SetDefault("connect_timeout", defaults.ConnectTimeout)
	v.SetDefault("logout_timeout", defaults.LogoutTimeout)
	v.SetDefault("reconnect_max_attempts", defaults.ReconnectMaxAttempts)
	v.SetDefault("reconnect_base_delay", defaults.ReconnectBaseDelay)
	v.SetDefault("reconnect_max_delay", defaults.ReconnectMaxDelay)
	v.SetDefault("reconnect_unknown_base_delay", defaults.ReconnectUnknownBaseDelay)
	v.SetDefault("reconnect_unknown_max_delay", defaults.ReconnectUnknownMaxDelay)
	v.SetDefault("reauth_delay", defaults.ReauthDelay)
	v.SetDefault("send_rate_limit", defaults.SendRateLimit)
	v.SetDefault("send_burst", defaults.SendBurst)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)
	v.SetDefault("metrics_enabled", defaults.MetricsEnabled)
	v.SetDefault("metrics_port", defaults.MetricsPort)

	// Environment variables with WAGATEWAY_ prefix
	v.SetEnvPrefix("WAGATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// A missing default config.yaml falls back to built-in defaults.
			isNotFound := errors.Is(err, os.ErrNotExist)
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotFound {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Policy builds the reconnect policy from the configuration.
func (c *Config) Policy() reconnect.Policy {
	return reconnect.Policy{
		BaseDelay:        c.ReconnectBaseDelay,
		MaxDelay:         c.ReconnectMaxDelay,
		MaxAttempts:      c.ReconnectMaxAttempts,
		UnknownBaseDelay: c.ReconnectUnknownBaseDelay,
		UnknownMaxDelay:  c.ReconnectUnknownMaxDelay,
		ReauthDelay:      c.ReauthDelay,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.LogFormat)
	}

	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d (must be 0-65535)", c.MetricsPort)
	}

	if c.HTTPAddr == "" {
		return fmt.Errorf("http address must be set")
	}

	if c.SessionPath == "" || c.StorePath == "" {
		return fmt.Errorf("session and store paths must be set")
	}

	if c.ConnectTimeout <= 0 || c.LogoutTimeout <= 0 {
		return fmt.Errorf("connect and logout timeouts must be positive")
	}

	if c.SendRateLimit <= 0 || c.SendBurst < 1 {
		return fmt.Errorf("send rate limit must be positive and burst at least 1")
	}

	if err := c.Policy().Validate(); err != nil {
		return err
	}

	return nil
}
