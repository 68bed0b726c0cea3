package config

import (
	"fmt"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.port",
			Message: fmt.Sprintf("port must be 0-65535, got %d", cfg.Gateway.Port),
		})
	}

	validBinds := []string{"loopback", "lan", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.bind",
			Message: fmt.Sprintf("must be one of %v, got %q", validBinds, cfg.Gateway.Bind),
		})
	}
	if cfg.Gateway.Bind == "custom" && cfg.Gateway.CustomBindHost == "" {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.customBindHost",
			Message: "required when gateway.bind is custom",
		})
	}

	validAuthModes := []string{"token", "none"}
	if cfg.Gateway.Auth.Mode != "" && !slices.Contains(validAuthModes, cfg.Gateway.Auth.Mode) {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.auth.mode",
			Message: fmt.Sprintf("must be one of %v, got %q", validAuthModes, cfg.Gateway.Auth.Mode),
		})
	}

	validBackends := []string{"sqlite", "memory"}
	if cfg.Storage.Backend != "" && !slices.Contains(validBackends, cfg.Storage.Backend) {
		issues = append(issues, ValidationIssue{
			Path:    "storage.backend",
			Message: fmt.Sprintf("must be one of %v, got %q", validBackends, cfg.Storage.Backend),
		})
	}

	if cfg.Chat.HistoryLimit < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "chat.historyLimit",
			Message: fmt.Sprintf("must be >= 0, got %d", cfg.Chat.HistoryLimit),
		})
	}

	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	validFormats := []string{"console", "json"}
	if cfg.Logging.Format != "" && !slices.Contains(validFormats, cfg.Logging.Format) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.format",
			Message: fmt.Sprintf("must be one of %v, got %q", validFormats, cfg.Logging.Format),
		})
	}

	return issues
}
