package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ErrMissingSecret indicates a required secret is not configured.
var ErrMissingSecret = errors.New("missing required secret")

// Config holds all application configuration.
type Config struct {
	Verbose     bool
	LogFormat   string // text or json
	Server      ServerConfig
	Database    DatabaseConfig
	Payments    PaymentsConfig
	Fulfillment FulfillmentConfig
	Store       StoreConfig
	Alerts      AlertsConfig
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr           string
	RequestTimeout time.Duration
}

// DatabaseConfig holds database settings.
type DatabaseConfig struct {
	Path string
}

// PaymentsConfig holds payment provider settings.
type PaymentsConfig struct {
	WebhookSecret  string
	Tolerance      time.Duration
	MetadataMarker string // metadata.type value identifying this store's sessions
	APIKey         string // read-only session lookups; empty disables them
	APIBase        string
}

// FulfillmentConfig holds dropship provider settings.
type FulfillmentConfig struct {
	BaseURL string
	Token   string
	StoreID string
	Confirm bool
	Timeout time.Duration
}

// StoreConfig holds order store settings.
type StoreConfig struct {
	Timeout time.Duration
}

// AlertsConfig holds operator alert settings.
type AlertsConfig struct {
	Nostr NostrAlertsConfig
}

// NostrAlertsConfig holds Nostr DM alert settings.
type NostrAlertsConfig struct {
	Secret string   // hex or nsec; empty disables alerts
	Admins []string // npubs or hex pubkeys
	Relays []string
}

// Enabled reports whether alerts can be sent.
func (c NostrAlertsConfig) Enabled() bool {
	return c.Secret != "" && len(c.Admins) > 0
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("database.path", "storefront.db")
	v.SetDefault("payments.tolerance", 5*time.Minute)
	v.SetDefault("payments.metadata_marker", "store")
	v.SetDefault("payments.api_base", "https://api.stripe.com")
	v.SetDefault("fulfillment.base_url", "https://api.printful.com")
	v.SetDefault("fulfillment.timeout", 8*time.Second)
	v.SetDefault("store.timeout", 3*time.Second)
	v.SetDefault("alerts.nostr.relays", []string{"wss://relay.damus.io"})
	v.SetDefault("log.format", "text")
}

// Load reads configuration from the global Viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration from v and applies defaults.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	cfg := &Config{
		Verbose:   v.GetBool("verbose"),
		LogFormat: v.GetString("log.format"),
		Server: ServerConfig{
			Addr:           v.GetString("server.addr"),
			RequestTimeout: v.GetDuration("server.request_timeout"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Payments: PaymentsConfig{
			WebhookSecret:  v.GetString("payments.webhook_secret"),
			Tolerance:      v.GetDuration("payments.tolerance"),
			MetadataMarker: v.GetString("payments.metadata_marker"),
			APIKey:         v.GetString("payments.api_key"),
			APIBase:        v.GetString("payments.api_base"),
		},
		Fulfillment: FulfillmentConfig{
			BaseURL: v.GetString("fulfillment.base_url"),
			Token:   v.GetString("fulfillment.token"),
			StoreID: v.GetString("fulfillment.store_id"),
			Confirm: v.GetBool("fulfillment.confirm"),
			Timeout: v.GetDuration("fulfillment.timeout"),
		},
		Store: StoreConfig{
			Timeout: v.GetDuration("store.timeout"),
		},
		Alerts: AlertsConfig{
			Nostr: NostrAlertsConfig{
				Secret: v.GetString("alerts.nostr.secret"),
				Admins: v.GetStringSlice("alerts.nostr.admins"),
				Relays: v.GetStringSlice("alerts.nostr.relays"),
			},
		},
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return nil, fmt.Errorf("log.format must be text or json, got %q", cfg.LogFormat)
	}
	if cfg.Payments.Tolerance < 0 {
		return nil, fmt.Errorf("payments.tolerance must not be negative")
	}
	if cfg.Fulfillment.Timeout <= 0 || cfg.Store.Timeout <= 0 {
		return nil, fmt.Errorf("fulfillment.timeout and store.timeout must be positive")
	}

	return cfg, nil
}

// LoadWithSecrets loads configuration and requires the secrets the service
// cannot run without.
func LoadWithSecrets() (*Config, error) {
	return LoadWithSecretsFrom(viper.GetViper())
}

// LoadWithSecretsFrom is LoadWithSecrets for an explicit Viper instance.
func LoadWithSecretsFrom(v *viper.Viper) (*Config, error) {
	cfg, err := LoadFrom(v)
	if err != nil {
		return nil, err
	}
	if cfg.Payments.WebhookSecret == "" {
		return nil, fmt.Errorf("%w: payments.webhook_secret (STOREFRONT_PAYMENTS_WEBHOOK_SECRET)", ErrMissingSecret)
	}
	if cfg.Fulfillment.Token == "" {
		return nil, fmt.Errorf("%w: fulfillment.token (STOREFRONT_FULFILLMENT_TOKEN)", ErrMissingSecret)
	}
	return cfg, nil
}
