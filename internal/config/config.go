package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Database    DatabaseConfig    `yaml:"database"`
	Log         LogConfig         `yaml:"log"`
	Cache       CacheConfig       `yaml:"cache"`
	Limiter     LimiterConfig     `yaml:"limiter"`
	Resolver    ResolverConfig    `yaml:"resolver"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Events      EventsConfig      `yaml:"events"`

	ShutdownTimeout Duration `yaml:"shutdown_timeout"` // Grace period for draining in-flight work
}

// ServerConfig contains the gateway HTTP server settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AuthConfig lists the credentials trusted by the gateway.
// When both lists are empty, requests are accepted unauthenticated.
type AuthConfig struct {
	Tokens  []string `yaml:"tokens"`   // Bearer tokens
	APIKeys []string `yaml:"api_keys"` // X-API-Key values
}

// BridgeConfig contains Hue bridge connection settings
type BridgeConfig struct {
	Host           string   `yaml:"host"`            // Bridge IP/hostname; stored settings take precedence
	ApplicationKey string   `yaml:"application_key"` // hue-application-key; stored settings take precedence
	Timeout        Duration `yaml:"timeout"`         // HTTP timeout for bridge requests

	// Outbound retry settings
	RetryMaxAttempts int      `yaml:"retry_max_attempts"` // Attempts per retryable request (default: 3)
	RetryBaseDelay   Duration `yaml:"retry_base_delay"`   // Base backoff delay (default: 200ms)
	RetryMaxDelay    Duration `yaml:"retry_max_delay"`    // Cap for a single backoff sleep (default: 5s)

	// Event stream reconnect settings
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // Minimum backoff between reconnects (default: 1s)
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // Maximum backoff between reconnects (default: 2m)
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // Backoff multiplier (default: 2.0)
	MaxReconnects   int      `yaml:"max_reconnects"`    // Max reconnect attempts, 0 = infinite (default: 0)
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	UseJSON bool   `yaml:"json"`
	Colors  bool   `yaml:"colors"`
}

// CacheConfig contains resource cache settings
type CacheConfig struct {
	ResyncInterval Duration `yaml:"resync_interval"` // Periodic full resync interval (default: 5m)
}

// LimiterConfig contains per-credential admission settings
type LimiterConfig struct {
	RPS   float64 `yaml:"rps"`   // Sustained tokens per second (default: 5)
	Burst int     `yaml:"burst"` // Bucket capacity (default: 10)
}

// ResolverConfig contains fuzzy name resolution thresholds
type ResolverConfig struct {
	MatchThreshold    float64 `yaml:"match_threshold"`    // Minimum score to accept a match (default: 0.90)
	AutopickThreshold float64 `yaml:"autopick_threshold"` // Score that wins regardless of margin (default: 0.95)
	Margin            float64 `yaml:"margin"`             // Required lead over the runner-up (default: 0.05)
}

// IdempotencyConfig contains idempotency record retention settings
type IdempotencyConfig struct {
	TTL             Duration `yaml:"ttl"`              // Record retention window (default: 15m)
	MaxRows         int      `yaml:"max_rows"`         // Hard cap on stored records (default: 5000)
	CleanupInterval Duration `yaml:"cleanup_interval"` // Expiry sweep interval (default: 1m)
}

// EventsConfig contains change-event fan-out settings
type EventsConfig struct {
	ReplaySize int `yaml:"replay_size"` // Replay buffer length for stream resumption (default: 500)
	QueueSize  int `yaml:"queue_size"`  // Per-subscriber queue size (default: 200)
}

// GetLevel returns the log level with default
func (c *LogConfig) GetLevel() string {
	if c.Level == "" {
		return "info"
	}
	return c.Level
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "./hue-gateway.sqlite"
	}

	// Bridge defaults
	if cfg.Bridge.Timeout == 0 {
		cfg.Bridge.Timeout = Duration(10 * time.Second)
	}
	if cfg.Bridge.RetryMaxAttempts == 0 {
		cfg.Bridge.RetryMaxAttempts = 3
	}
	if cfg.Bridge.RetryBaseDelay == 0 {
		cfg.Bridge.RetryBaseDelay = Duration(200 * time.Millisecond)
	}
	if cfg.Bridge.RetryMaxDelay == 0 {
		cfg.Bridge.RetryMaxDelay = Duration(5 * time.Second)
	}
	if cfg.Bridge.MinRetryBackoff == 0 {
		cfg.Bridge.MinRetryBackoff = Duration(1 * time.Second)
	}
	if cfg.Bridge.MaxRetryBackoff == 0 {
		cfg.Bridge.MaxRetryBackoff = Duration(2 * time.Minute)
	}
	if cfg.Bridge.RetryMultiplier == 0 {
		cfg.Bridge.RetryMultiplier = 2.0
	}
	// MaxReconnects defaults to 0 (infinite), no need to set

	if cfg.Cache.ResyncInterval == 0 {
		cfg.Cache.ResyncInterval = Duration(5 * time.Minute)
	}

	if cfg.Limiter.RPS == 0 {
		cfg.Limiter.RPS = 5.0
	}
	if cfg.Limiter.Burst == 0 {
		cfg.Limiter.Burst = 10
	}

	if cfg.Resolver.MatchThreshold == 0 {
		cfg.Resolver.MatchThreshold = 0.90
	}
	if cfg.Resolver.AutopickThreshold == 0 {
		cfg.Resolver.AutopickThreshold = 0.95
	}
	if cfg.Resolver.Margin == 0 {
		cfg.Resolver.Margin = 0.05
	}

	if cfg.Idempotency.TTL == 0 {
		cfg.Idempotency.TTL = Duration(15 * time.Minute)
	}
	if cfg.Idempotency.MaxRows == 0 {
		cfg.Idempotency.MaxRows = 5000
	}
	if cfg.Idempotency.CleanupInterval == 0 {
		cfg.Idempotency.CleanupInterval = Duration(1 * time.Minute)
	}

	if cfg.Events.ReplaySize == 0 {
		cfg.Events.ReplaySize = 500
	}
	if cfg.Events.QueueSize == 0 {
		cfg.Events.QueueSize = 200
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// ExpandEnvString expands a single string with environment variables
func ExpandEnvString(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return expandEnvVars(s)
	}
	return s
}
