package config

// Config is the root configuration for the pairline server.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway,omitempty"`
	Storage StorageConfig `yaml:"storage,omitempty"`
	Chat    ChatConfig    `yaml:"chat,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`
}

// GatewayConfig controls the HTTP/WebSocket server.
type GatewayConfig struct {
	Port           int         `yaml:"port,omitempty"`
	Bind           string      `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string      `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth `yaml:"auth,omitempty"`
	AllowedOrigins []string    `yaml:"allowedOrigins,omitempty"`
}

// GatewayAuth configures connection authentication.
type GatewayAuth struct {
	Mode  string `yaml:"mode,omitempty"` // "token" | "none"
	Token string `yaml:"token,omitempty"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend string `yaml:"backend,omitempty"` // "sqlite" | "memory"
	Path    string `yaml:"path,omitempty"`    // sqlite file; empty means <data>/pairline.db
}

// ChatConfig tunes the chat core.
type ChatConfig struct {
	// HistoryLimit caps how many messages of a thread are replayed to a
	// connection on join. 0 means no cap.
	HistoryLimit int `yaml:"historyLimit,omitempty"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // trace..fatal, silent
	Format string `yaml:"format,omitempty"` // "console" | "json"
}
