// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "CALSYNC"

	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "data/calsync.db"
	defaultLogLevel         = "info"
	defaultNATSURL          = "nats://127.0.0.1:4222"
	defaultReplayWindow     = 5 * time.Minute
	defaultReplayMaxEntries = 10000
	defaultRenewalWindow    = 24 * time.Hour
	defaultRenewalInterval  = 12 * time.Hour
	defaultSyncInterval     = 15 * time.Minute
	defaultDispatchTimeout  = 5 * time.Second
)

// OAuthClient holds one provider's OAuth application credentials.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Tenant       string // Microsoft only
}

// Config captures runtime configuration for the sync service.
type Config struct {
	HTTPAddress string
	// BaseURL is the publicly reachable HTTPS origin providers deliver
	// webhook notifications to.
	BaseURL      string
	DatabasePath string
	NATSURL      string
	LogLevel     string
	JWKSURL      string
	// AuthSecret enables shared-secret HMAC auth when no JWKS URL is set.
	AuthSecret string

	Google    OAuthClient
	Microsoft OAuthClient

	EncryptionKey         string
	EncryptionKeyFallback string
	EncryptionKeyVersion  int

	ReplayWindow     time.Duration
	ReplayMaxEntries int
	RenewalWindow    time.Duration
	RenewalInterval  time.Duration
	SyncInterval     time.Duration
	DispatchTimeout  time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.address", defaultHTTPAddress)
	v.SetDefault("database.path", defaultDatabasePath)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("nats.url", defaultNATSURL)
	v.SetDefault("microsoft.tenant", "common")
	v.SetDefault("encryption.key_version", 1)
	v.SetDefault("replay.window", defaultReplayWindow)
	v.SetDefault("replay.max_entries", defaultReplayMaxEntries)
	v.SetDefault("renewal.window", defaultRenewalWindow)
	v.SetDefault("renewal.interval", defaultRenewalInterval)
	v.SetDefault("sync.interval", defaultSyncInterval)
	v.SetDefault("webhook.dispatch_timeout", defaultDispatchTimeout)
}

// Load parses runtime configuration from viper.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		HTTPAddress:  v.GetString("http.address"),
		BaseURL:      strings.TrimRight(v.GetString("base.url"), "/"),
		DatabasePath: v.GetString("database.path"),
		NATSURL:      v.GetString("nats.url"),
		LogLevel:     v.GetString("log.level"),
		JWKSURL:      v.GetString("auth.jwks_url"),
		AuthSecret:   v.GetString("auth.secret"),
		Google: OAuthClient{
			ClientID:     v.GetString("google.client_id"),
			ClientSecret: v.GetString("google.client_secret"),
			RedirectURL:  v.GetString("google.redirect_url"),
		},
		Microsoft: OAuthClient{
			ClientID:     v.GetString("microsoft.client_id"),
			ClientSecret: v.GetString("microsoft.client_secret"),
			RedirectURL:  v.GetString("microsoft.redirect_url"),
			Tenant:       v.GetString("microsoft.tenant"),
		},
		EncryptionKey:         v.GetString("encryption.key"),
		EncryptionKeyFallback: v.GetString("encryption.key_fallback"),
		EncryptionKeyVersion:  v.GetInt("encryption.key_version"),
		ReplayWindow:          v.GetDuration("replay.window"),
		ReplayMaxEntries:      v.GetInt("replay.max_entries"),
		RenewalWindow:         v.GetDuration("renewal.window"),
		RenewalInterval:       v.GetDuration("renewal.interval"),
		SyncInterval:          v.GetDuration("sync.interval"),
		DispatchTimeout:       v.GetDuration("webhook.dispatch_timeout"),
	}

	if cfg.Google.RedirectURL == "" && cfg.BaseURL != "" {
		cfg.Google.RedirectURL = cfg.BaseURL + "/oauth/google/callback"
	}
	if cfg.Microsoft.RedirectURL == "" && cfg.BaseURL != "" {
		cfg.Microsoft.RedirectURL = cfg.BaseURL + "/oauth/microsoft/callback"
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("base.url is required: providers need a publicly reachable callback origin")
	}
	if !strings.HasPrefix(c.BaseURL, "https://") && !strings.HasPrefix(c.BaseURL, "http://localhost") {
		return fmt.Errorf("base.url must be an https origin, got %q", c.BaseURL)
	}
	if strings.TrimSpace(c.EncryptionKey) == "" {
		return fmt.Errorf("encryption.key is required")
	}
	if c.EncryptionKeyVersion < 1 {
		return fmt.Errorf("encryption.key_version must be >= 1, got %d", c.EncryptionKeyVersion)
	}
	if c.JWKSURL == "" && c.AuthSecret == "" {
		return fmt.Errorf("either auth.jwks_url or auth.secret must be set")
	}
	if c.Google.ClientID == "" && c.Microsoft.ClientID == "" {
		return fmt.Errorf("at least one provider must be configured (google or microsoft client id)")
	}
	if c.Google.ClientID != "" && c.Google.ClientSecret == "" {
		return fmt.Errorf("google.client_secret is required when google.client_id is set")
	}
	if c.Microsoft.ClientID != "" && c.Microsoft.ClientSecret == "" {
		return fmt.Errorf("microsoft.client_secret is required when microsoft.client_id is set")
	}
	if c.ReplayWindow <= 0 {
		return fmt.Errorf("replay.window must be positive")
	}
	if c.ReplayMaxEntries <= 0 {
		return fmt.Errorf("replay.max_entries must be positive")
	}
	if c.RenewalWindow <= 0 {
		return fmt.Errorf("renewal.window must be positive")
	}
	return nil
}

// WebhookURL returns the public callback URL for the given provider path segment.
func (c Config) WebhookURL(provider string) string {
	return c.BaseURL + "/webhooks/" + provider
}
