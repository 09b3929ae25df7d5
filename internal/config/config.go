package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "CADENZA"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "cadenza.db"
	defaultLogLevel         = "info"
	defaultBroadcastTimeout = 5 * time.Second
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultTokenTTLMinutes  = 30
)

// AppConfig captures runtime configuration for the sync API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SigningSecret     string
	TokenTTL          time.Duration
	BroadcastEndpoint string
	BroadcastSecret   string
	BroadcastTimeout  time.Duration
	IdempotencyTTL    time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("broadcast.endpoint", "")
	configViper.SetDefault("broadcast.timeout_seconds", int(defaultBroadcastTimeout/time.Second))
	configViper.SetDefault("idempotency.ttl_hours", int(defaultIdempotencyTTL/time.Hour))
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		BroadcastEndpoint: configViper.GetString("broadcast.endpoint"),
		BroadcastSecret:   configViper.GetString("broadcast.shared_secret"),
		BroadcastTimeout:  time.Duration(configViper.GetInt("broadcast.timeout_seconds")) * time.Second,
		IdempotencyTTL:    time.Duration(configViper.GetInt("idempotency.ttl_hours")) * time.Hour,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.BroadcastEndpoint) != "" && strings.TrimSpace(c.BroadcastSecret) == "" {
		return fmt.Errorf("broadcast.shared_secret is required when broadcast.endpoint is set")
	}
	return nil
}
