package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Lock backends selectable with LOCK_BACKEND.
const (
	LockMemory   = "memory"
	LockPostgres = "postgres"
	LockRedis    = "redis"
)

const minSigningKeyBytes = 32

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	MLLPAddr        string        `mapstructure:"MLLP_ADDR"`
	MLLPAutoMerge   bool          `mapstructure:"MLLP_AUTO_MERGE"`
	MLLPReadTimeout time.Duration `mapstructure:"MLLP_READ_TIMEOUT"`

	LockBackend string        `mapstructure:"LOCK_BACKEND"`
	LockTTL     time.Duration `mapstructure:"LOCK_TTL"`
	RedisURL    string        `mapstructure:"REDIS_URL"`

	AMQPURL         string `mapstructure:"AMQP_URL"`
	AMQPQueue       string `mapstructure:"AMQP_QUEUE"`
	AMQPResultQueue string `mapstructure:"AMQP_RESULT_QUEUE"`
	AMQPPrefetch    int    `mapstructure:"AMQP_PREFETCH"`
	AMQPAutoMerge   bool   `mapstructure:"AMQP_AUTO_MERGE"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	IDGenMaxAttempts int `mapstructure:"IDGEN_MAX_ATTEMPTS"`
}

var defaults = map[string]interface{}{
	"PORT":               "8000",
	"ENV":                "development",
	"LOG_LEVEL":          "info",
	"REQUEST_TIMEOUT":    "30s",
	"BODY_LIMIT":         "2M",
	"RATE_LIMIT_RPS":     50,
	"RATE_LIMIT_BURST":   100,
	"DB_MAX_CONNS":       20,
	"DB_MIN_CONNS":       2,
	"MLLP_ADDR":          "",
	"MLLP_AUTO_MERGE":    true,
	"MLLP_READ_TIMEOUT":  "30s",
	"LOCK_BACKEND":       LockMemory,
	"LOCK_TTL":           "30s",
	"REDIS_URL":          "",
	"AMQP_URL":           "",
	"AMQP_QUEUE":         "admissions",
	"AMQP_RESULT_QUEUE":  "",
	"AMQP_PREFETCH":      10,
	"AMQP_AUTO_MERGE":    true,
	"AUTH_SIGNING_KEY":   "",
	"AUTH_ISSUER":        "",
	"AUTH_AUDIENCE":      "",
	"IDGEN_MAX_ATTEMPTS": 64,
}

// Load reads the environment, falling back to an optional .env file in the
// working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("DATABASE_URL")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
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

// Level returns the parsed LOG_LEVEL. Validate rejects unknown levels.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is consistent and safe to run.
// Outside development a signing key is required so the API is not left
// open.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err)
	}

	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1 when rate limiting is on")
	}

	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be at least 1, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS (%d), got %d", c.DBMaxConns, c.DBMinConns)
	}

	switch c.LockBackend {
	case LockMemory, LockPostgres:
	case LockRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when LOCK_BACKEND is %q", LockRedis)
		}
		if c.LockTTL <= 0 {
			return fmt.Errorf("LOCK_TTL must be positive, got %s", c.LockTTL)
		}
	default:
		return fmt.Errorf("LOCK_BACKEND must be %q, %q or %q, got %q", LockMemory, LockPostgres, LockRedis, c.LockBackend)
	}

	if c.MLLPAddr != "" && c.MLLPReadTimeout <= 0 {
		return fmt.Errorf("MLLP_READ_TIMEOUT must be positive, got %s", c.MLLPReadTimeout)
	}

	if c.AMQPURL != "" {
		if c.AMQPQueue == "" {
			return fmt.Errorf("AMQP_QUEUE is required when AMQP_URL is set")
		}
		if c.AMQPQueue == c.AMQPResultQueue {
			return fmt.Errorf("AMQP_RESULT_QUEUE must differ from AMQP_QUEUE")
		}
		if c.AMQPPrefetch < 1 {
			return fmt.Errorf("AMQP_PREFETCH must be at least 1, got %d", c.AMQPPrefetch)
		}
	}

	if c.IDGenMaxAttempts < 1 {
		return fmt.Errorf("IDGEN_MAX_ATTEMPTS must be at least 1, got %d", c.IDGenMaxAttempts)
	}

	if !c.IsDev() {
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is required outside development (ENV=%q)", c.Env)
		}
		if len(c.AuthSigningKey) < minSigningKeyBytes {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least %d bytes, got %d", minSigningKeyBytes, len(c.AuthSigningKey))
		}
	}

	return nil
}
