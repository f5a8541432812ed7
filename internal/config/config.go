// Package config loads server configuration from a TOML file with
// environment variable overrides for deploy-time secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds everything the server needs to run.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Vault     VaultConfig     `toml:"vault"`
	Google    OAuthAppConfig  `toml:"google"`
	Microsoft MicrosoftConfig `toml:"microsoft"`
	Sync      SyncConfig      `toml:"sync"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// BaseURL is the externally reachable origin used to build OAuth
	// redirect and webhook notification URLs.
	BaseURL string `toml:"base_url"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type VaultConfig struct {
	// Key is a 64-character hex AES-256 key. Prefer CALHUB_VAULT_KEY over
	// committing it to the config file.
	Key string `toml:"key"`
}

type OAuthAppConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
}

type MicrosoftConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	TenantID     string `toml:"tenant_id"`
}

type SyncConfig struct {
	FeedPollInterval    duration `toml:"feed_poll_interval"`
	WebhookRenewalEvery duration `toml:"webhook_renewal_every"`
	CleanupEvery        duration `toml:"cleanup_every"`
	// Window bounds for full syncs, relative to now.
	LookbackDays  int `toml:"lookback_days"`
	LookaheadDays int `toml:"lookahead_days"`
}

// duration lets TOML carry values like "15m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":8080", BaseURL: "http://localhost:8080"},
		Database: DatabaseConfig{Path: "./data/calendarhub.db"},
		Sync: SyncConfig{
			FeedPollInterval:    duration{15 * time.Minute},
			WebhookRenewalEvery: duration{12 * time.Hour},
			CleanupEvery:        duration{time.Hour},
			LookbackDays:        30,
			LookaheadDays:       365,
		},
	}
}

// Load reads the TOML file at path (if it exists) over the defaults, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"CALHUB_ADDR":             &cfg.Server.Addr,
		"CALHUB_BASE_URL":         &cfg.Server.BaseURL,
		"CALHUB_DB_PATH":          &cfg.Database.Path,
		"CALHUB_VAULT_KEY":        &cfg.Vault.Key,
		"GOOGLE_CLIENT_ID":        &cfg.Google.ClientID,
		"GOOGLE_CLIENT_SECRET":    &cfg.Google.ClientSecret,
		"MICROSOFT_CLIENT_ID":     &cfg.Microsoft.ClientID,
		"MICROSOFT_CLIENT_SECRET": &cfg.Microsoft.ClientSecret,
		"MICROSOFT_TENANT_ID":     &cfg.Microsoft.TenantID,
	}
	for env, dst := range overrides {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

func (cfg *Config) validate() error {
	if cfg.Vault.Key == "" {
		return fmt.Errorf("vault key is required (set CALHUB_VAULT_KEY or [vault] key)")
	}
	if cfg.Sync.LookbackDays < 0 || cfg.Sync.LookaheadDays <= 0 {
		return fmt.Errorf("sync window must extend into the future")
	}
	return nil
}

// SyncWindow returns the configured full-sync window around now.
func (cfg *Config) SyncWindow(now time.Time) (time.Time, time.Time) {
	return now.AddDate(0, 0, -cfg.Sync.LookbackDays), now.AddDate(0, 0, cfg.Sync.LookaheadDays)
}
