// Package config loads server settings from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Port      string `env:"PORT,       default=8080"        validate:"required,numeric"`
	Env       string `env:"ENV,        default=development" validate:"oneof=development staging production test"`
	LogLevel  string `env:"LOG_LEVEL,  default=info"`
	LogPretty bool   `env:"LOG_PRETTY, default=false"`

	JWT      JWTConfig
	Chat     ChatConfig
	Redis    RedisConfig
	Presence PresenceConfig
}

type JWTConfig struct {
	Secret string        `env:"JWT_SECRET"                validate:"required,min=16"`
	Issuer string        `env:"JWT_ISSUER, default=tabletalk"`
	Leeway time.Duration `env:"JWT_LEEWAY, default=30s"   validate:"gte=0"`
}

type ChatConfig struct {
	EchoSender     bool          `env:"CHAT_ECHO_SENDER,     default=true"`
	SendQueue      int           `env:"CHAT_SEND_QUEUE,      default=64"    validate:"gt=0"`
	WriteTimeout   time.Duration `env:"CHAT_WRITE_TIMEOUT,   default=10s"   validate:"gt=0"`
	ReadLimit      int64         `env:"CHAT_READ_LIMIT,      default=65536" validate:"gt=0"`
	MaxMalformed   int           `env:"CHAT_MAX_MALFORMED,   default=5"     validate:"gt=0"`
	MaxContent     int           `env:"CHAT_MAX_CONTENT,     default=500"   validate:"gt=0"`
	RateRPS        float64       `env:"CHAT_RATE_RPS,        default=10"    validate:"gte=0"`
	RateBurst      int           `env:"CHAT_RATE_BURST,      default=20"    validate:"gte=0"`
	AllowAnonymous bool          `env:"CHAT_ALLOW_ANONYMOUS, default=true"`

	// Rooms seeds the in-memory directory: "id:restaurant[:name]" entries.
	Rooms []string `env:"CHAT_ROOMS"`
}

type RedisConfig struct {
	Enabled bool   `env:"REDIS_ENABLED, default=false"`
	Addr    string `env:"REDIS_ADDR,    default=localhost:6379" validate:"required_if=Enabled true"`
	DB      int    `env:"REDIS_DB,      default=0"              validate:"gte=0"`
}

type PresenceConfig struct {
	TTL       time.Duration `env:"PRESENCE_TTL,        default=5m"          validate:"gt=0"`
	SweepCron string        `env:"PRESENCE_SWEEP_CRON, default=* * * * *"`
}

// Addr is the listen address derived from Port.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// Load reads an optional .env file and then the process environment.
func Load(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom processes configuration from an arbitrary lookuper and validates it.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the presence sweep schedule.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			fe := ve[0]
			return fmt.Errorf("invalid configuration: %s failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Presence.SweepCron != "" && !gronx.IsValid(c.Presence.SweepCron) {
		return fmt.Errorf("invalid configuration: PRESENCE_SWEEP_CRON %q is not a cron expression", c.Presence.SweepCron)
	}
	return nil
}
