// Package config loads the static configuration: environment variables
// (STRATA_ prefix) override a TOML file, which overrides defaults. Changes
// require a restart; runtime-editable settings live in internal/settings.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RedisConfig holds Redis connection settings for the shared counter backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PoolConfig holds worker pool settings.
type PoolConfig struct {
	PoolSize     int           `mapstructure:"pool_size"`      // idle workers kept per (function, version)
	ColdStartTTL time.Duration `mapstructure:"cold_start_ttl"` // idle worker TTL
	SpawnCap     int           `mapstructure:"spawn_cap"`      // global live worker cap
	Runner       string        `mapstructure:"runner"`         // interpreter used to run function workers
}

// SchedulerConfig holds scheduler loop settings.
type SchedulerConfig struct {
	TickSeconds int `mapstructure:"tick_seconds"`
}

// EmailConfig holds the outbound mail backend selection.
type EmailConfig struct {
	Backend string `mapstructure:"backend"` // "log" or "smtp"
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	From    string `mapstructure:"from"`
}

// StorageConfig selects the file storage backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"` // "local" or "s3"
	S3Bucket  string `mapstructure:"s3_bucket"`
	S3Region  string `mapstructure:"s3_region"`
	S3Profile string `mapstructure:"s3_profile"`
}

// Config is the static configuration loaded once at start.
type Config struct {
	BindAddr         string          `mapstructure:"bind_addr"`
	DatabaseDSN      string          `mapstructure:"database_dsn"`
	JWTSecret        string          `mapstructure:"jwt_secret"`
	DataDir          string          `mapstructure:"data_dir"`
	FunctionsDir     string          `mapstructure:"functions_dir"`
	ExtensionsDir    string          `mapstructure:"extensions_dir"`
	PublicStaticDir  string          `mapstructure:"public_static_dir"`
	AdminStaticDir   string          `mapstructure:"admin_static_dir"`
	CORSOrigins      []string        `mapstructure:"cors_origins"`
	RateLimitBackend string          `mapstructure:"rate_limit_backend"` // "local" or "redis"
	LogLevel         string          `mapstructure:"log_level"`
	LogFile          string          `mapstructure:"log_file"`
	Redis            RedisConfig     `mapstructure:"redis"`
	Pool             PoolConfig      `mapstructure:"pool"`
	Scheduler        SchedulerConfig `mapstructure:"scheduler"`
	Email            EmailConfig     `mapstructure:"email"`
	Storage          StorageConfig   `mapstructure:"storage"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bind_addr", "127.0.0.1:8090")
	v.SetDefault("database_dsn", "postgres://localhost:5432/strata?sslmode=disable")
	v.SetDefault("data_dir", "./strata_data")
	v.SetDefault("functions_dir", "./strata_data/functions")
	v.SetDefault("extensions_dir", "./strata_data/extensions")
	v.SetDefault("public_static_dir", "")
	v.SetDefault("admin_static_dir", "")
	v.SetDefault("cors_origins", []string{"*"})
	v.SetDefault("rate_limit_backend", "local")
	v.SetDefault("log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("pool.pool_size", 2)
	v.SetDefault("pool.cold_start_ttl", 60*time.Second)
	v.SetDefault("pool.spawn_cap", 32)
	v.SetDefault("pool.runner", "python3")
	v.SetDefault("scheduler.tick_seconds", 5)
	v.SetDefault("email.backend", "log")
	v.SetDefault("storage.backend", "local")
}

// Load reads the configuration from path (optional) and the environment.
// A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STRATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = generateSecret()
	}
	if cfg.Scheduler.TickSeconds <= 0 {
		cfg.Scheduler.TickSeconds = 5
	}
	if cfg.Pool.SpawnCap <= 0 {
		return nil, fmt.Errorf("pool.spawn_cap must be positive")
	}

	return cfg, nil
}

// TickInterval returns the scheduler tick as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

func generateSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("generate jwt secret: %v", err))
	}
	return hex.EncodeToString(buf)
}
