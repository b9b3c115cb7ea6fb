// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// CachePath is the SQLite file backing the local cache (e.g. cache.db).
	CachePath string `mapstructure:"CACHE_PATH"`
	// AuthBaseURL is the remote identity service base URL (e.g. https://id.example.com). Empty selects the embedded Postgres adapter.
	AuthBaseURL string `mapstructure:"AUTH_BASE_URL"`
	// AuthAPIKey is the public API key sent on every request to the remote identity service.
	AuthAPIKey string `mapstructure:"AUTH_API_KEY"`
	// DatabaseURL is the Postgres DSN for the embedded identity adapter and the change feed; empty disables both.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// JWTSecret is the HS256 secret used to verify session tokens; required when the embedded adapter issues them.
	JWTSecret string `mapstructure:"JWT_SECRET"`
	// JWTIssuer is the iss claim on tokens the embedded adapter mints.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m"); embedded adapter only.
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime (e.g. "168h"); embedded adapter only.
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12. Embedded adapter only.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// ValidateInterval is the periodic session validation interval (e.g. "5m").
	ValidateInterval string `mapstructure:"VALIDATE_INTERVAL"`
	// ProbeAddr is the TCP endpoint the connectivity monitor dials (e.g. 1.1.1.1:443).
	ProbeAddr string `mapstructure:"PROBE_ADDR"`
	// ProbeTimeout is the connectivity probe dial timeout (e.g. "3s").
	ProbeTimeout string `mapstructure:"PROBE_TIMEOUT"`
	// ProbePeriod is how often the monitor re-probes in the background (e.g. "15s").
	ProbePeriod string `mapstructure:"PROBE_PERIOD"`
	// LoginRoute is the route the engine navigates to on terminal logout.
	LoginRoute string `mapstructure:"LOGIN_ROUTE"`
	// HomeRoute is the route shown to an authenticated user.
	HomeRoute string `mapstructure:"HOME_ROUTE"`
	// OTLPEndpoint is the OTLP gRPC collector endpoint (e.g. http://localhost:4317). Empty disables export.
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP export even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTLP_INSECURE"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment via Viper. Missing .env is ignored (e.g. in CI). Env vars
// override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("CACHE_PATH", "identity-cache.db")
	v.SetDefault("AUTH_BASE_URL", "")
	v.SetDefault("AUTH_API_KEY", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_ISSUER", "classpulse-identity")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("VALIDATE_INTERVAL", "5m")
	v.SetDefault("PROBE_ADDR", "1.1.1.1:443")
	v.SetDefault("PROBE_TIMEOUT", "3s")
	v.SetDefault("PROBE_PERIOD", "15s")
	v.SetDefault("LOGIN_ROUTE", "login")
	v.SetDefault("HOME_ROUTE", "home")
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("OTLP_INSECURE", false)
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.CachePath == "" {
		return nil, errors.New("config: CACHE_PATH must be set")
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	return &cfg, nil
}

// ValidateIntervalDuration parses ValidateInterval. Returns 5m if unset or invalid.
func (c *Config) ValidateIntervalDuration() time.Duration {
	return durationOr(c.ValidateInterval, 5*time.Minute)
}

// AccessTTL parses JWTAccessTTL. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return durationOr(c.JWTAccessTTL, 15*time.Minute)
}

// RefreshTTL parses JWTRefreshTTL. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	return durationOr(c.JWTRefreshTTL, 168*time.Hour)
}

// ProbeTimeoutDuration parses ProbeTimeout. Returns 3s if unset or invalid.
func (c *Config) ProbeTimeoutDuration() time.Duration {
	return durationOr(c.ProbeTimeout, 3*time.Second)
}

// ProbePeriodDuration parses ProbePeriod. Returns 15s if unset or invalid.
func (c *Config) ProbePeriodDuration() time.Duration {
	return durationOr(c.ProbePeriod, 15*time.Second)
}

func durationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
