package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	AuthMode      string   `mapstructure:"AUTH_MODE"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string   `mapstructure:"MIGRATIONS_DIR"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	// Optional infrastructure; empty URLs select in-process fallbacks.
	RedisURL           string        `mapstructure:"REDIS_URL"`
	RuleCacheTTL       time.Duration `mapstructure:"RULE_CACHE_TTL"`
	AMQPURL            string        `mapstructure:"AMQP_URL"`
	HoldEventsExchange string        `mapstructure:"HOLD_EVENTS_EXCHANGE"`

	CosignWarningDays int           `mapstructure:"COSIGN_WARNING_DAYS"`
	SweepBatchSize    int           `mapstructure:"SWEEP_BATCH_SIZE"`
	SweepLockTTL      time.Duration `mapstructure:"SWEEP_LOCK_TTL"`
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MIGRATIONS_DIR", "DEFAULT_TENANT", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REDIS_URL", "RULE_CACHE_TTL", "AMQP_URL", "HOLD_EVENTS_EXCHANGE",
	"COSIGN_WARNING_DAYS", "SWEEP_BATCH_SIZE", "SWEEP_LOCK_TTL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("RULE_CACHE_TTL", 10*time.Minute)
	v.SetDefault("HOLD_EVENTS_EXCHANGE", "billing.holds")
	v.SetDefault("COSIGN_WARNING_DAYS", 7)
	v.SetDefault("SWEEP_BATCH_SIZE", 200)
	v.SetDefault("SWEEP_LOCK_TTL", 2*time.Hour)

	// Unmarshal only sees keys viper knows about.
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" in the
// development environment and "jwt" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate refuses configurations that would run unauthenticated or with
// nonsensical job settings.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case "jwt":
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is required when AUTH_MODE is \"jwt\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	if c.CosignWarningDays < 0 {
		return fmt.Errorf("COSIGN_WARNING_DAYS must not be negative, got %d", c.CosignWarningDays)
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive, got %d", c.SweepBatchSize)
	}
	if c.RedisURL != "" && c.RuleCacheTTL <= 0 {
		return fmt.Errorf("RULE_CACHE_TTL must be positive when REDIS_URL is set")
	}
	return nil
}
