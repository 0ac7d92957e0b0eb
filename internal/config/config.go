// Package config loads the server configuration from a TOML file with
// environment variable overrides. Precedence: defaults -> config file
// -> environment.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Environment variable names for overrides. Secrets are usually
// supplied this way rather than through the config file.
const (
	EnvListenAddr   = "CALTUBE_LISTEN_ADDR"
	EnvBaseURL      = "CALTUBE_BASE_URL"
	EnvDatabasePath = "CALTUBE_DATABASE_PATH"
	EnvCronSecret   = "CALTUBE_CRON_SECRET"
	EnvClientID     = "GOOGLE_CLIENT_ID"
	EnvClientSecret = "GOOGLE_CLIENT_SECRET"
)

// Google holds the OAuth application credentials.
type Google struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
}

// Config is the effective server configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `toml:"listen_addr"`

	// BaseURL is the deployment's public base URL, used to build the
	// webhook callback address. Loopback or private hosts switch
	// webhook creation into simulated mode.
	BaseURL string `toml:"base_url"`

	// DatabasePath is the SQLite file holding all durable sync state.
	DatabasePath string `toml:"database_path"`

	// CronSecret gates the scheduled-job endpoints.
	CronSecret string `toml:"cron_secret"`

	// MetricsEnabled exposes /metrics when set.
	MetricsEnabled bool `toml:"metrics_enabled"`

	Google Google `toml:"google"`
}

// DefaultConfig returns a Config populated with defaults suitable for
// local development.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     ":8080",
		BaseURL:        "http://localhost:8080",
		DatabasePath:   "caltube.db",
		MetricsEnabled: true,
	}
}

// Load reads the TOML file at path (skipped when it does not exist),
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.ListenAddr = v
	}

	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.BaseURL = v
	}

	if v := os.Getenv(EnvDatabasePath); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv(EnvCronSecret); v != "" {
		cfg.CronSecret = v
	}

	if v := os.Getenv(EnvClientID); v != "" {
		cfg.Google.ClientID = v
	}

	if v := os.Getenv(EnvClientSecret); v != "" {
		cfg.Google.ClientSecret = v
	}
}

// Validate checks the invariants the rest of the system assumes.
func Validate(cfg *Config) error {
	if cfg.ListenAddr == "" {
		return errors.New("listen_addr must not be empty")
	}

	if cfg.BaseURL == "" {
		return errors.New("base_url must not be empty")
	}

	if cfg.DatabasePath == "" {
		return errors.New("database_path must not be empty")
	}

	return nil
}

// OAuthConfig builds the oauth2 client configuration for token
// refresh grants.
func (c *Config) OAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.Google.ClientID,
		ClientSecret: c.Google.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"https://www.googleapis.com/auth/calendar"},
	}
}
