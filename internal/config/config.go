package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "TABULAR"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "tabular.db"
	defaultLogLevel        = "info"
	defaultCookieName      = "tabular_session"
	defaultAuthIssuer      = "tabular-auth"
	defaultAuthAudience    = "tabular-api"
	defaultLockTTLSeconds  = 30
	defaultReleaseRetries  = 10
	defaultObtainAttempts  = 5
	defaultRetryBackoffMS  = 100
	defaultTokenTTLMinutes = 30
)

// AppConfig captures runtime configuration for the sync API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	AuthSigningSecret  string
	AuthIssuer         string
	AuthAudience       string
	AuthCookieName     string
	TokenTTL           time.Duration
	LockTTL            time.Duration
	LockObtainAttempts int
	LockReleaseRetries int
	LockRetryBackoff   time.Duration
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
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("lock.ttl_seconds", defaultLockTTLSeconds)
	configViper.SetDefault("lock.obtain_attempts", defaultObtainAttempts)
	configViper.SetDefault("lock.release_retries", defaultReleaseRetries)
	configViper.SetDefault("lock.retry_backoff_ms", defaultRetryBackoffMS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:         configViper.GetString("auth.issuer"),
		AuthAudience:       configViper.GetString("auth.audience"),
		AuthCookieName:     configViper.GetString("auth.cookie_name"),
		TokenTTL:           time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		LockTTL:            time.Duration(configViper.GetInt("lock.ttl_seconds")) * time.Second,
		LockObtainAttempts: configViper.GetInt("lock.obtain_attempts"),
		LockReleaseRetries: configViper.GetInt("lock.release_retries"),
		LockRetryBackoff:   time.Duration(configViper.GetInt("lock.retry_backoff_ms")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock.ttl_seconds must be positive")
	}
	if c.LockReleaseRetries <= 0 {
		return fmt.Errorf("lock.release_retries must be positive")
	}
	return nil
}
