package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	// Consultation start window relative to the scheduled time.
	EarlyStartMinutes int `mapstructure:"CONSULT_EARLY_START_MIN"`
	LateStartMinutes  int `mapstructure:"CONSULT_LATE_START_MIN"`

	// Signaling liveness.
	WSPingIntervalSec int `mapstructure:"WS_PING_INTERVAL_SEC"`
	WSPingMissLimit   int `mapstructure:"WS_PING_MISS_LIMIT"`

	// Recording access tokens.
	RecordingTokenSecret string `mapstructure:"RECORDING_TOKEN_SECRET"`
	RecordingURLTTLMin   int    `mapstructure:"RECORDING_URL_TTL_MIN"`

	DefaultVideoProvider string `mapstructure:"DEFAULT_VIDEO_PROVIDER"`

	JitsiBaseURL   string `mapstructure:"JITSI_BASE_URL"`
	JitsiAppID     string `mapstructure:"JITSI_APP_ID"`
	JitsiAppSecret string `mapstructure:"JITSI_APP_SECRET"`

	ZoomAccountID     string `mapstructure:"ZOOM_ACCOUNT_ID"`
	ZoomClientID      string `mapstructure:"ZOOM_CLIENT_ID"`
	ZoomClientSecret  string `mapstructure:"ZOOM_CLIENT_SECRET"`
	ZoomWebhookSecret string `mapstructure:"ZOOM_WEBHOOK_SECRET"`

	DailyAPIKey        string `mapstructure:"DAILY_API_KEY"`
	DailyWebhookSecret string `mapstructure:"DAILY_WEBHOOK_SECRET"`
	DailyDomain        string `mapstructure:"DAILY_DOMAIN"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("CONSULT_EARLY_START_MIN", 15)
	v.SetDefault("CONSULT_LATE_START_MIN", 60)
	v.SetDefault("WS_PING_INTERVAL_SEC", 30)
	v.SetDefault("WS_PING_MISS_LIMIT", 3)
	v.SetDefault("RECORDING_URL_TTL_MIN", 60)
	v.SetDefault("DEFAULT_VIDEO_PROVIDER", "jitsi")
	v.SetDefault("JITSI_BASE_URL", "https://meet.jit.si")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
		"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
		"CONSULT_EARLY_START_MIN", "CONSULT_LATE_START_MIN",
		"WS_PING_INTERVAL_SEC", "WS_PING_MISS_LIMIT",
		"RECORDING_TOKEN_SECRET", "RECORDING_URL_TTL_MIN",
		"DEFAULT_VIDEO_PROVIDER",
		"JITSI_BASE_URL", "JITSI_APP_ID", "JITSI_APP_SECRET",
		"ZOOM_ACCOUNT_ID", "ZOOM_CLIENT_ID", "ZOOM_CLIENT_SECRET", "ZOOM_WEBHOOK_SECRET",
		"DAILY_API_KEY", "DAILY_WEBHOOK_SECRET", "DAILY_DOMAIN",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active — all requests get admin access.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// StartWindow returns the configured bounds for starting a consultation
// relative to its scheduled time.
func (c *Config) StartWindow() (early, late time.Duration) {
	return time.Duration(c.EarlyStartMinutes) * time.Minute,
		time.Duration(c.LateStartMinutes) * time.Minute
}

// PingPolicy returns the signaling liveness probe interval and the number of
// consecutive missed probes tolerated before a session is dropped.
func (c *Config) PingPolicy() (interval time.Duration, missLimit int) {
	return time.Duration(c.WSPingIntervalSec) * time.Second, c.WSPingMissLimit
}

// RecordingURLTTL returns the default lifetime of signed recording access URLs.
func (c *Config) RecordingURLTTL() time.Duration {
	return time.Duration(c.RecordingURLTTLMin) * time.Minute
}

// Validate checks that the configuration is safe to run. Outside development,
// real JWT authentication and a recording token secret are mandatory so that
// consultations and recordings are never exposed unauthenticated.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.AuthIssuer == "" && c.AuthSigningKey == "" {
			return fmt.Errorf(
				"AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q; "+
					"refusing to start without authentication configuration", c.Env)
		}
		if c.RecordingTokenSecret == "" {
			return fmt.Errorf("RECORDING_TOKEN_SECRET is required when ENV=%q", c.Env)
		}
	}
	if c.EarlyStartMinutes < 0 || c.LateStartMinutes < 0 {
		return fmt.Errorf("consultation start window minutes must not be negative")
	}
	if c.WSPingIntervalSec <= 0 {
		return fmt.Errorf("WS_PING_INTERVAL_SEC must be positive")
	}
	if c.WSPingMissLimit <= 0 {
		return fmt.Errorf("WS_PING_MISS_LIMIT must be positive")
	}
	switch c.DefaultVideoProvider {
	case "jitsi", "zoom", "daily":
	default:
		return fmt.Errorf("DEFAULT_VIDEO_PROVIDER must be \"jitsi\", \"zoom\", or \"daily\", got %q", c.DefaultVideoProvider)
	}
	return nil
}
