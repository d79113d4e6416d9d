// ABOUTME: Configuration loading and parsing for helpdesk-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding option is absent.
const (
	DefaultTimeout                 = 30 * time.Second
	DefaultTransferTimeoutMultiple = 6
	DefaultTokenTTL                = 30 * time.Minute
	DefaultRefreshThreshold        = 60 * time.Second
	DefaultTemplateTTL             = time.Hour
	DefaultCacheSweepInterval      = 5 * time.Minute
	DefaultSessionTimeout          = 30 * time.Minute
	DefaultSessionSweepInterval    = 5 * time.Minute
	DefaultRateLimitPerMinute      = 120
	DefaultHTTPAddr                = "127.0.0.1:3845"
)

// Config represents the complete helpdesk-gateway configuration
type Config struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	Auth     AuthConfig     `yaml:"auth"`
	Cache    CacheConfig    `yaml:"cache"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// UpstreamConfig holds connection settings for the service-desk API
type UpstreamConfig struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// TransferTimeoutMultiple scales the base timeout for uploads/downloads
	TransferTimeoutMultiple int `yaml:"transfer_timeout_multiple"`

	Timeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// AuthConfig holds bearer-token lifecycle settings
type AuthConfig struct {
	TokenTTL         time.Duration `yaml:"-"`
	RefreshThreshold time.Duration `yaml:"-"`

	TokenTTLRaw         string `yaml:"token_ttl"`
	RefreshThresholdRaw string `yaml:"refresh_threshold"`
}

// CacheConfig holds TTL cache settings
type CacheConfig struct {
	TemplateTTL   time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	TemplateTTLRaw   string `yaml:"template_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// ServerConfig holds the HTTP transport settings
type ServerConfig struct {
	HTTPAddr           string   `yaml:"http_addr"`
	AllowedOrigins     []string `yaml:"allowed_origins"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`

	SessionTimeout       time.Duration `yaml:"-"`
	SessionSweepInterval time.Duration `yaml:"-"`

	SessionTimeoutRaw       string `yaml:"session_timeout"`
	SessionSweepIntervalRaw string `yaml:"session_sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

// applyDefaults fills in defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = DefaultTimeout
	}
	if c.Upstream.TransferTimeoutMultiple == 0 {
		c.Upstream.TransferTimeoutMultiple = DefaultTransferTimeoutMultiple
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Auth.RefreshThreshold == 0 {
		c.Auth.RefreshThreshold = DefaultRefreshThreshold
	}
	if c.Cache.TemplateTTL == 0 {
		c.Cache.TemplateTTL = DefaultTemplateTTL
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = DefaultCacheSweepInterval
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.RateLimitPerMinute == 0 {
		c.Server.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	if c.Server.SessionTimeout == 0 {
		c.Server.SessionTimeout = DefaultSessionTimeout
	}
	if c.Server.SessionSweepInterval == 0 {
		c.Server.SessionSweepInterval = DefaultSessionSweepInterval
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.Username == "" {
		return fmt.Errorf("upstream.username is required")
	}
	if c.Upstream.Password == "" {
		return fmt.Errorf("upstream.password is required")
	}
	if c.Upstream.TransferTimeoutMultiple < 1 {
		return fmt.Errorf("upstream.transfer_timeout_multiple must be at least 1")
	}
	if c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("server.rate_limit_per_minute must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Upstream.TimeoutRaw, "upstream.timeout", &cfg.Upstream.Timeout},
		{cfg.Auth.TokenTTLRaw, "auth.token_ttl", &cfg.Auth.TokenTTL},
		{cfg.Auth.RefreshThresholdRaw, "auth.refresh_threshold", &cfg.Auth.RefreshThreshold},
		{cfg.Cache.TemplateTTLRaw, "cache.template_ttl", &cfg.Cache.TemplateTTL},
		{cfg.Cache.SweepIntervalRaw, "cache.sweep_interval", &cfg.Cache.SweepInterval},
		{cfg.Server.SessionTimeoutRaw, "server.session_timeout", &cfg.Server.SessionTimeout},
		{cfg.Server.SessionSweepIntervalRaw, "server.session_sweep_interval", &cfg.Server.SessionSweepInterval},
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
