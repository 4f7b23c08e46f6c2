// Package config maps WK_* environment variables onto a typed struct.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

const appDir = "wanikani-keeper"

// Credential backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds the runtime settings of the wk CLI.
type Config struct {
	// WaniKani endpoints
	APIBaseURL  string `env:"API_BASE_URL" envDefault:"https://api.wanikani.com/v2"`
	WebBaseURL  string `env:"WEB_BASE_URL" envDefault:"https://www.wanikani.com"`
	APIRevision string `env:"API_REVISION" envDefault:"20170710"`
	AppLabel    string `env:"APP_LABEL"    envDefault:"wanikani-go"`

	// Request policy
	PageSize            int           `env:"PAGE_SIZE"`
	RequestsPerMinute   int           `env:"REQUESTS_PER_MINUTE"       envDefault:"60"`
	MaxRateLimitRetries int           `env:"MAX_RATE_LIMIT_RETRIES"    envDefault:"3"`
	HTTPTimeout         time.Duration `env:"HTTP_TIMEOUT"              envDefault:"30s"`
	FreshnessWindow     time.Duration `env:"FRESHNESS_WINDOW"          envDefault:"6h"`

	// Local state; empty means the XDG default
	ConfigDir string `env:"CONFIG_DIR"`
	DataDir   string `env:"DATA_DIR"`

	// Credential storage
	CredentialBackend string `env:"CREDENTIAL_BACKEND" envDefault:"file"`
	CredentialDomain  string `env:"CREDENTIAL_DOMAIN"  envDefault:"api.wanikani.com"`
	PostgresDSN       string `env:"POSTGRES_DSN"`
	RedisURL          string `env:"REDIS_URL"`
	VaultPassphrase   string `env:"VAULT_PASSPHRASE"`

	Debug bool `env:"DEBUG" envDefault:"false"`
}

// Load parses the process environment.
func Load() (*Config, error) {
	return parse(env.Options{Prefix: "WK_"})
}

// LoadFrom parses a fixed environment instead of the process one.
func LoadFrom(environ map[string]string) (*Config, error) {
	return parse(env.Options{Prefix: "WK_", Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	lookup := os.Getenv
	if opts.Environment != nil {
		lookup = func(k string) string { return opts.Environment[k] }
	}
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = xdgDir(lookup, "XDG_CONFIG_HOME", ".config")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = xdgDir(lookup, "XDG_DATA_HOME", filepath.Join(".local", "share"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the backend settings; call it again after overriding fields.
func (c *Config) Validate() error {
	switch c.CredentialBackend {
	case BackendFile:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("config: WK_POSTGRES_DSN is required for the %s backend", BackendPostgres)
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: WK_REDIS_URL is required for the %s backend", BackendRedis)
		}
	default:
		return fmt.Errorf("config: unknown credential backend %q", c.CredentialBackend)
	}
	if c.CredentialDomain == "" {
		return fmt.Errorf("config: WK_CREDENTIAL_DOMAIN must not be empty")
	}
	return nil
}

func xdgDir(lookup func(string) string, xdgVar, homeRel string) string {
	if v := lookup(xdgVar); v != "" {
		return filepath.Join(v, appDir)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, homeRel, appDir)
}

// CredentialDir holds the file backend records and the vault key.
func (c *Config) CredentialDir() string { return filepath.Join(c.ConfigDir, "credentials") }

// SubjectCachePath is the subject cache file.
func (c *Config) SubjectCachePath() string { return filepath.Join(c.DataDir, "subjects.json") }
