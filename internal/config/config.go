// ABOUTME: Configuration loading and parsing for switchboard
// ABOUTME: Supports YAML or TOML files with ${VAR} expansion, duration parsing and SWITCHBOARD_* overrides

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SWITCHBOARD_"

// Config represents the complete switchboard configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server" envPrefix:"SERVER_"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale" envPrefix:"TAILSCALE_"`
	Database  DatabaseConfig  `yaml:"database" toml:"database" envPrefix:"DATABASE_"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth" envPrefix:"AUTH_"`
	Chats     ChatsConfig     `yaml:"chats" toml:"chats" envPrefix:"CHATS_"`
	Router    RouterConfig    `yaml:"router" toml:"router" envPrefix:"ROUTER_"`
	Events    EventsConfig    `yaml:"events" toml:"events" envPrefix:"EVENTS_"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry" envPrefix:"TELEMETRY_"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging" envPrefix:"LOGGING_"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" env:"HTTP_ADDR"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr" env:"GRPC_ADDR"`
	// AllowedOrigins limits which sites may open WebSockets. Empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// TailscaleConfig holds Tailscale tsnet configuration. When enabled the
// server listens on the tailnet instead of the server addresses.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Hostname  string `yaml:"hostname" toml:"hostname" env:"HOSTNAME"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key" env:"AUTH_KEY"`
	StateDir  string `yaml:"state_dir" toml:"state_dir" env:"STATE_DIR"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral" env:"EPHEMERAL"`
	HTTPS     bool   `yaml:"https" toml:"https" env:"HTTPS"`   // Serve HTTP with Tailscale certs on :443
	Funnel    bool   `yaml:"funnel" toml:"funnel" env:"FUNNEL"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds chat history storage configuration.
// A path of ":memory:" keeps history in process memory.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" env:"PATH"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" env:"JWT_SECRET"`
}

// ChatsConfig holds chat lifecycle and assignment tuning
type ChatsConfig struct {
	ReapInterval    time.Duration `yaml:"-" toml:"-" env:"REAP_INTERVAL"`
	StaleAge        time.Duration `yaml:"-" toml:"-" env:"STALE_AGE"`
	AbandonTimeout  time.Duration `yaml:"-" toml:"-" env:"ABANDON_TIMEOUT"`
	BidTimeout      time.Duration `yaml:"-" toml:"-" env:"BID_TIMEOUT"`
	DefaultCapacity int           `yaml:"default_capacity" toml:"default_capacity" env:"DEFAULT_CAPACITY"`
	HistoryLimit    int           `yaml:"history_limit" toml:"history_limit" env:"HISTORY_LIMIT"`

	// Raw string values for file unmarshaling
	ReapIntervalRaw   string `yaml:"reap_interval" toml:"reap_interval"`
	StaleAgeRaw       string `yaml:"stale_age" toml:"stale_age"`
	AbandonTimeoutRaw string `yaml:"abandon_timeout" toml:"abandon_timeout"`
	BidTimeoutRaw     string `yaml:"bid_timeout" toml:"bid_timeout"`
}

// RouterConfig holds message router configuration
type RouterConfig struct {
	Markdown     bool          `yaml:"markdown" toml:"markdown" env:"MARKDOWN"`
	BlockedWords []string      `yaml:"blocked_words" toml:"blocked_words" env:"BLOCKED_WORDS" envSeparator:","`
	DedupeTTL    time.Duration `yaml:"-" toml:"-" env:"DEDUPE_TTL"`

	DedupeTTLRaw string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// EventsConfig holds broker publication configuration. Events are disabled
// when AMQPURL is empty.
type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url" toml:"amqp_url" env:"AMQP_URL"`
	Exchange string `yaml:"exchange" toml:"exchange" env:"EXCHANGE"`
}

// TelemetryConfig holds tracing configuration. Tracing is disabled when
// OTLPEndpoint is empty.
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint" toml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" toml:"service_name" env:"SERVICE_NAME"`
	SampleRatio  float64 `yaml:"sample_ratio" toml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL"`
	Format string `yaml:"format" toml:"format" env:"FORMAT"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then
// SWITCHBOARD_* variables override individual fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	return finish(&cfg)
}

// FromEnv builds a configuration from defaults and SWITCHBOARD_* variables only.
func FromEnv() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(c *Config) {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.GRPCAddr == "" {
		c.Server.GRPCAddr = ":50051"
	}
	if c.Database.Path == "" {
		c.Database.Path = ":memory:"
	}
	if c.Chats.ReapInterval == 0 {
		c.Chats.ReapInterval = time.Minute
	}
	if c.Chats.StaleAge == 0 {
		c.Chats.StaleAge = 4 * time.Hour
	}
	if c.Chats.BidTimeout == 0 {
		c.Chats.BidTimeout = 5 * time.Second
	}
	if c.Chats.DefaultCapacity == 0 {
		c.Chats.DefaultCapacity = 3
	}
	if c.Chats.HistoryLimit == 0 {
		c.Chats.HistoryLimit = 100
	}
	if c.Router.DedupeTTL == 0 {
		c.Router.DedupeTTL = 10 * time.Minute
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = "switchboard.events"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "switchboard"
	}
	if c.Telemetry.SampleRatio == 0 {
		c.Telemetry.SampleRatio = 1
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Server.GRPCAddr == "" {
		return fmt.Errorf("server.grpc_addr is required")
	}
	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth.jwt_secret must be at least 16 characters")
	}
	if c.Chats.ReapInterval < 0 || c.Chats.StaleAge < 0 || c.Chats.AbandonTimeout < 0 || c.Chats.BidTimeout < 0 {
		return fmt.Errorf("chats durations must not be negative")
	}
	if c.Chats.DefaultCapacity < 0 {
		return fmt.Errorf("chats.default_capacity must not be negative")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reap_interval", cfg.Chats.ReapIntervalRaw, &cfg.Chats.ReapInterval},
		{"stale_age", cfg.Chats.StaleAgeRaw, &cfg.Chats.StaleAge},
		{"abandon_timeout", cfg.Chats.AbandonTimeoutRaw, &cfg.Chats.AbandonTimeout},
		{"bid_timeout", cfg.Chats.BidTimeoutRaw, &cfg.Chats.BidTimeout},
		{"dedupe_ttl", cfg.Router.DedupeTTLRaw, &cfg.Router.DedupeTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
