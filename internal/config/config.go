// Package config loads the color service configuration.
//
// Sources are applied in order, later ones winning: built-in defaults, an
// optional YAML file, an optional .env file, then the process environment.
// Command-line flags are layered on top by the binary.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultEnvFile is read when it exists and no other .env file was requested.
const DefaultEnvFile = ".env"

// Config is the full service configuration.
type Config struct {
	Secret   string `yaml:"secret" env:"EXT_SECRET"`
	ClientID string `yaml:"client_id" env:"EXT_CLIENT_ID"`

	Host    string `yaml:"host" env:"HOST"`
	Port    int    `yaml:"port" env:"PORT,strict"`
	TLSCert string `yaml:"tls_cert" env:"TLS_CERT"`
	TLSKey  string `yaml:"tls_key" env:"TLS_KEY"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	// CORSAllowedOrigins is a comma separated origin list; "*" allows all.
	CORSAllowedOrigins string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS,strict"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST,strict"`

	BroadcastEnabled  bool          `yaml:"broadcast_enabled" env:"BROADCAST_ENABLED,strict"`
	BroadcastAPIBase  string        `yaml:"broadcast_api_base" env:"BROADCAST_API_BASE"`
	BroadcastCooldown time.Duration `yaml:"broadcast_cooldown" env:"BROADCAST_COOLDOWN,strict"`

	LimiterCleanupSchedule string `yaml:"limiter_cleanup_schedule" env:"LIMITER_CLEANUP_SCHEDULE"`
}

// Default returns the built-in configuration. It has no secret and does not validate.
func Default() *Config {
	return &Config{
		Host:                   "localhost",
		Port:                   8081,
		TLSCert:                "conf/server.crt",
		TLSKey:                 "conf/server.key",
		LogLevel:               "debug",
		LogFormat:              "text",
		CORSAllowedOrigins:     "*",
		RateLimitRPS:           10,
		RateLimitBurst:         20,
		BroadcastAPIBase:       "https://api.twitch.tv",
		BroadcastCooldown:      time.Second,
		LimiterCleanupSchedule: "@every 10m",
	}
}

// LoadOptions selects the optional files Load reads.
type LoadOptions struct {
	// ConfigFile is a YAML file. Empty skips it; a missing file is an error.
	ConfigFile string
	// EnvFile is a dotenv file. Empty means DefaultEnvFile, which may be absent.
	EnvFile string
}

// Load builds a Config from defaults, files and the environment. The result is
// not validated so that flags can still be applied.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if opts.ConfigFile != "" {
		if err := cfg.loadYAML(opts.ConfigFile); err != nil {
			return nil, err
		}
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil {
		if opts.EnvFile != "" || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("extension secret is required: use --secret or EXT_SECRET")
	}
	if _, err := c.SecretBytes(); err != nil {
		return err
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.BroadcastEnabled {
		if c.ClientID == "" {
			return fmt.Errorf("client id is required when broadcasting: use --client-id or EXT_CLIENT_ID")
		}
		if c.BroadcastCooldown <= 0 {
			return fmt.Errorf("broadcast cooldown must be positive")
		}
	}
	if _, err := cron.ParseStandard(c.LimiterCleanupSchedule); err != nil {
		return fmt.Errorf("invalid limiter cleanup schedule %q: %w", c.LimiterCleanupSchedule, err)
	}
	return nil
}

// SecretBytes decodes the base64 extension secret.
func (c *Config) SecretBytes() ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return nil, fmt.Errorf("extension secret is not valid base64: %w", err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("extension secret is empty")
	}
	return secret, nil
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TLSEnabled reports whether both the certificate and key files exist.
func (c *Config) TLSEnabled() bool {
	return fileExists(c.TLSCert) && fileExists(c.TLSKey)
}

// AllowedOrigins splits CORSAllowedOrigins.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
