package config

import (
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// applyEnvOverrides lets the environment override individual settings,
// useful in containers where editing the yaml is awkward.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PAIRLINE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("PAIRLINE_BIND"); v != "" {
		cfg.Gateway.Bind = v
	}
	if v := os.Getenv("PAIRLINE_TOKEN"); v != "" {
		cfg.Gateway.Auth.Token = v
	}
	if v := os.Getenv("PAIRLINE_DB"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("PAIRLINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Load reads the config file, applies defaults and environment
// overrides, and expands ${ENV} references in credential fields.
// A missing file produces defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	cfg.Gateway.Auth.Token = expandEnvVars(cfg.Gateway.Auth.Token)
	return cfg, nil
}
