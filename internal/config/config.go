package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane"`
	Publishing   PublishingConfig   `mapstructure:"publishing"`
	Tenants      []TenantConfig     `mapstructure:"tenants"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

// RateLimitConfig throttles the publishing API itself, not the published
// data path (that is governed by synthesized RateLimitPolicy objects).
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type ControlPlaneConfig struct {
	// ApplyTimeout bounds a single apply/delete call against the cluster.
	ApplyTimeout time.Duration `mapstructure:"apply_timeout"`
	// ApplyAttempts bounds retries of a failed apply before surfacing.
	ApplyAttempts int `mapstructure:"apply_attempts"`
}

type PublishingConfig struct {
	// DefaultHostname is used when a publish request omits public_hostname.
	DefaultHostname string `mapstructure:"default_hostname"`
	// PipelineTimeout bounds one full publish/update/unpublish pipeline.
	PipelineTimeout time.Duration `mapstructure:"pipeline_timeout"`
	// UsageFlushInterval controls how often usage counters are persisted.
	UsageFlushInterval time.Duration `mapstructure:"usage_flush_interval"`
}

type TenantConfig struct {
	ID        string `mapstructure:"id"`
	Namespace string `mapstructure:"namespace"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig() (*Config, error) {
	// Load .env file if present
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("./internal/config")

	// Default Values
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("database.path", "publisher.db")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("rate_limit.requests_per_second", 10.0)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("control_plane.apply_timeout", 15*time.Second)
	v.SetDefault("control_plane.apply_attempts", 3)
	v.SetDefault("publishing.default_hostname", "api.router.example")
	v.SetDefault("publishing.pipeline_timeout", 2*time.Minute)
	v.SetDefault("publishing.usage_flush_interval", 15*time.Second)

	// Environment Variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &cfg, nil
}
