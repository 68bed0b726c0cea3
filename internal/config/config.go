// Package config loads and validates the pairline configuration file.
package config

import "fmt"

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			Port: 18620,
			Bind: "loopback",
			Auth: GatewayAuth{Mode: "token"},
		},
		Storage: StorageConfig{
			Backend: "sqlite",
		},
		Chat: ChatConfig{
			HistoryLimit: 200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// applyDefaults fills zero-valued fields after a partial yaml load.
func applyDefaults(cfg *Config) {
	def := Defaults()
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = def.Gateway.Port
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = def.Gateway.Bind
	}
	if cfg.Gateway.Auth.Mode == "" {
		cfg.Gateway.Auth.Mode = def.Gateway.Auth.Mode
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = def.Storage.Backend
	}
	if cfg.Chat.HistoryLimit == 0 {
		cfg.Chat.HistoryLimit = def.Chat.HistoryLimit
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
}
