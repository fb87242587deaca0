package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries all runtime settings. Values come from the environment;
// secrets (KMS auth, admin password hash) are never logged.
type Config struct {
	ListenAddr string `env:"CARELINK_LISTEN_ADDR" envDefault:":8080"`

	PostgresDSN string `env:"CARELINK_PG_DSN"`

	// KMS mode is "remote" (HTTP key service) or "local" (key derived from
	// LocalKeySecret; for environments without a key service only).
	KMSMode        string `env:"CARELINK_KMS_MODE" envDefault:"local"`
	KMSBaseURL     string `env:"CARELINK_KMS_URL"`
	KMSAuthSecret  string `env:"CARELINK_KMS_AUTH_SECRET"`
	LocalKeySecret string `env:"CARELINK_LOCAL_KEY_SECRET"`

	AdminPasswordHash string `env:"CARELINK_ADMIN_PASSWORD_HASH"`

	NotifySender  string `env:"CARELINK_NOTIFY_SENDER" envDefault:"log"`
	SMTPHost      string `env:"CARELINK_SMTP_HOST"`
	SMTPPort      int    `env:"CARELINK_SMTP_PORT" envDefault:"25"`
	NotifyFrom    string `env:"CARELINK_NOTIFY_FROM"`
	PublicBaseURL string `env:"CARELINK_PUBLIC_BASE_URL"`

	SessionCookieName string `env:"CARELINK_SESSION_COOKIE" envDefault:"carelink_admin"`
	CookieSecure      bool   `env:"CARELINK_COOKIE_SECURE" envDefault:"true"`
	TrustProxy        bool   `env:"CARELINK_TRUST_PROXY" envDefault:"false"`

	CORSAllowedOrigins []string `env:"CARELINK_CORS_ORIGINS" envSeparator:","`

	TokenTTL      time.Duration `env:"CARELINK_TOKEN_TTL" envDefault:"24h"`
	SweepInterval time.Duration `env:"CARELINK_SWEEP_INTERVAL" envDefault:"5m"`
	StoreTimeout  time.Duration `env:"CARELINK_STORE_TIMEOUT" envDefault:"5s"`
	RateBurst     int           `env:"CARELINK_HTTP_RATE_BURST" envDefault:"20"`
	RatePerSecond int           `env:"CARELINK_HTTP_RATE_PER_SEC" envDefault:"10"`
	MaxBodyBytes  int64         `env:"CARELINK_MAX_BODY_BYTES" envDefault:"131072"`
}

// Load parses configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.KMSMode != "local" && cfg.KMSMode != "remote" {
		return Config{}, fmt.Errorf("invalid KMS mode %q", cfg.KMSMode)
	}
	if cfg.KMSMode == "remote" && cfg.KMSBaseURL == "" {
		return Config{}, fmt.Errorf("remote KMS mode requires CARELINK_KMS_URL")
	}
	if cfg.KMSMode == "local" && cfg.LocalKeySecret == "" {
		return Config{}, fmt.Errorf("local KMS mode requires CARELINK_LOCAL_KEY_SECRET")
	}
	return cfg, nil
}
