package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	StoreDriver   string `mapstructure:"STORE_DRIVER"`
	SQLitePath    string `mapstructure:"SQLITE_PATH"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`
	MongoURI      string `mapstructure:"MONGO_URI"`
	MongoDatabase string `mapstructure:"MONGO_DATABASE"`

	RedisURL       string        `mapstructure:"REDIS_URL"`
	IdempotencyTTL time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
	EventsChannel  string        `mapstructure:"EVENTS_CHANNEL"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
	MetricsEnabled bool    `mapstructure:"METRICS_ENABLED"`

	ArchiveBucket    string `mapstructure:"ARCHIVE_BUCKET"`
	ArchiveRegion    string `mapstructure:"ARCHIVE_REGION"`
	ArchiveEndpoint  string `mapstructure:"ARCHIVE_ENDPOINT"`
	ArchivePathStyle bool   `mapstructure:"ARCHIVE_PATH_STYLE"`
	ArchiveDir       string `mapstructure:"ARCHIVE_DIR"`
}

var keys = []string{
	"PORT", "ENV", "CORS_ORIGINS", "SHUTDOWN_TIMEOUT",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"STORE_DRIVER", "SQLITE_PATH", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MIGRATIONS_DIR", "MONGO_URI", "MONGO_DATABASE",
	"REDIS_URL", "IDEMPOTENCY_TTL", "EVENTS_CHANNEL",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "METRICS_ENABLED",
	"ARCHIVE_BUCKET", "ARCHIVE_REGION", "ARCHIVE_ENDPOINT", "ARCHIVE_PATH_STYLE", "ARCHIVE_DIR",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
	v.SetDefault("STORE_DRIVER", DriverMemory)
	v.SetDefault("SQLITE_PATH", "data/intake.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MONGO_DATABASE", "intake")
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("EVENTS_CHANNEL", "intake.events")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("ARCHIVE_REGION", "us-east-1")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.AuthSigningKey == "" {
		log.Warn().Msg("development mode without AUTH_ISSUER: every request is treated as admin")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// DevAuth reports whether requests should use the permissive development
// identity instead of token validation.
func (c *Config) DevAuth() bool {
	return c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" && c.AuthJWKSURL == ""
}

// Validate checks the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set outside development (ENV=%q)", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY alone is not accepted in production; configure AUTH_ISSUER")
	}

	switch c.StoreDriver {
	case DriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_DRIVER=memory is not durable and cannot be used in production")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is sqlite")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	case DriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when STORE_DRIVER is mongo")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be memory, sqlite, postgres or mongo, got %q", c.StoreDriver)
	}

	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	if c.ArchivePathStyle && c.ArchiveBucket == "" {
		return fmt.Errorf("ARCHIVE_PATH_STYLE requires ARCHIVE_BUCKET")
	}
	return nil
}
