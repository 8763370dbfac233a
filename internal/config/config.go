// Package config provides configuration management for the flow
// orchestrator service.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the root configuration structure for the service.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	WhatsApp  WhatsAppConfig
	Redis     RedisConfig
	Engine    EngineConfig
	Broadcast BroadcastConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// WhatsAppConfig holds WhatsApp Cloud API configuration.
type WhatsAppConfig struct {
	GraphVersion  string        `mapstructure:"graph_version"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	VerifyToken   string        `mapstructure:"verify_token"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RateLimitRPS  float64       `mapstructure:"rate_limit_rps"`
}

// RedisConfig holds Redis configuration for the per-session lock.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	LeaseTTL    time.Duration `mapstructure:"lease_ttl"`
	AcquireWait time.Duration `mapstructure:"acquire_wait"`
}

// EngineConfig holds the Flow Execution Engine's operational bounds
// (spec.md §6.4).
type EngineConfig struct {
	APITimeout   time.Duration `mapstructure:"api_timeout"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	SafeMaxSteps int           `mapstructure:"safe_max_steps"`
	TextLimit    int           `mapstructure:"text_limit"`
}

// BroadcastConfig holds the Broadcast Runner's operational bounds.
type BroadcastConfig struct {
	MaxButtons   int `mapstructure:"max_buttons"`
	WorkerCount  int `mapstructure:"worker_count"`
	BatchSize    int `mapstructure:"batch_size"`
}

// Load loads and validates the service configuration from environment
// variables and, if present, a config file.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("FLOWSVC")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/flow-orchestrator/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}

	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", "15m")
	v.SetDefault("database.migrations_path", "internal/store/postgres/migrations")

	v.SetDefault("whatsapp.graph_version", "v20.0")
	v.SetDefault("whatsapp.timeout", "15s")
	v.SetDefault("whatsapp.rate_limit_rps", 20.0)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.lease_ttl", "30s")
	v.SetDefault("redis.acquire_wait", "5s")

	v.SetDefault("engine.api_timeout", "15s")
	v.SetDefault("engine.max_delay", "60s")
	v.SetDefault("engine.safe_max_steps", 500)
	v.SetDefault("engine.text_limit", 4096)

	v.SetDefault("broadcast.max_buttons", 3)
	v.SetDefault("broadcast.worker_count", 1)
	v.SetDefault("broadcast.batch_size", 100)
}

func (cfg *Config) validate() error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Database.Host == "" {
		return errors.New("database host is required")
	}
	if cfg.Database.Name == "" {
		return errors.New("database name is required")
	}
	if cfg.Database.User == "" {
		return errors.New("database user is required")
	}
	if cfg.WhatsApp.VerifyToken == "" {
		return errors.New("whatsapp verify token is required")
	}
	if cfg.Redis.Addr == "" {
		return errors.New("redis addr is required")
	}
	if cfg.Engine.SafeMaxSteps <= 0 {
		return errors.New("engine safe_max_steps must be positive")
	}
	if cfg.Broadcast.MaxButtons <= 0 {
		return errors.New("broadcast max_buttons must be positive")
	}
	return nil
}
