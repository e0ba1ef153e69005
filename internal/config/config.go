// Package config loads the toolauthd YAML configuration. Values in the
// ${VAR} form are expanded from the environment before parsing, so secrets
// can stay out of the file itself.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete toolauthd configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Auth           AuthConfig           `yaml:"auth"`
	HTTP           HTTPConfig           `yaml:"http"`
	ResourceServer ResourceServerConfig `yaml:"resource_server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Audit          AuditConfig          `yaml:"audit"`
}

// ServerConfig holds the listener configuration.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	ShutdownTimeout    time.Duration `yaml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout"`
}

// AuthConfig configures the authorization server core.
type AuthConfig struct {
	// Issuer is the external URL clients reach this server at.
	Issuer string `yaml:"issuer"`

	Scopes           []string `yaml:"scopes"`
	AllowedResources []string `yaml:"allowed_resources"`
	MaxClientsPerIP  int      `yaml:"max_clients_per_ip"`

	CodeTTL           time.Duration `yaml:"-"`
	AccessTokenTTL    time.Duration `yaml:"-"`
	CodeTTLRaw        string        `yaml:"code_ttl"`
	AccessTokenTTLRaw string        `yaml:"access_token_ttl"`

	// SigningKeyFile holds the Ed25519 seed, hex encoded. Empty means an
	// ephemeral key per process, which invalidates tokens on restart.
	SigningKeyFile string `yaml:"signing_key_file"`
}

// HTTPConfig tunes the HTTP layer of the authorization server.
type HTTPConfig struct {
	TrustProxy         bool `yaml:"trust_proxy"`
	TrustedProxyCount  int  `yaml:"trusted_proxy_count"`
	RateLimitPerSecond int  `yaml:"rate_limit_per_second"`
	RateLimitBurst     int  `yaml:"rate_limit_burst"`
}

// ResourceServerConfig optionally serves a tool-invocation guard from the
// same process.
type ResourceServerConfig struct {
	Enabled bool `yaml:"enabled"`

	// ResourceID is this resource server's identifier, matched against
	// token audiences.
	ResourceID string `yaml:"resource_id"`

	// UpstreamURL is where authorized tool calls are forwarded.
	UpstreamURL string `yaml:"upstream_url"`

	// Tools maps tool names to the scope each requires.
	Tools map[string]string `yaml:"tools"`

	// PrivilegedScope authorizes every tool when present.
	PrivilegedScope string `yaml:"privileged_scope"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds OpenTelemetry configuration.
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// AuditConfig holds security audit logging configuration.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) parseDurations() error {
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", c.Server.ShutdownTimeoutRaw, &c.Server.ShutdownTimeout},
		{"auth.code_ttl", c.Auth.CodeTTLRaw, &c.Auth.CodeTTL},
		{"auth.access_token_ttl", c.Auth.AccessTokenTTLRaw, &c.Auth.AccessTokenTTL},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %q", d.name, d.raw)
		}
		*d.dst = parsed
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *Config) validate() error {
	if c.Auth.Issuer == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.ResourceServer.Enabled {
		if c.ResourceServer.ResourceID == "" {
			return fmt.Errorf("resource_server.resource_id is required when enabled")
		}
		if c.ResourceServer.UpstreamURL == "" {
			return fmt.Errorf("resource_server.upstream_url is required when enabled")
		}
		if len(c.ResourceServer.Tools) == 0 {
			return fmt.Errorf("resource_server.tools must map at least one tool")
		}
	}
	return nil
}
