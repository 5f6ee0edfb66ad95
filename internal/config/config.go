package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Edge      EdgeConfig      `mapstructure:"edge"`
	Traits    TraitsConfig    `mapstructure:"traits"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Cache     CacheConfig     `mapstructure:"cache"`
}

// ServerConfig.CORSOrigins empty allows any origin.
type ServerConfig struct {
	Environment string   `mapstructure:"environment"`
	Port        string   `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// DatabaseConfig.Driver is one of mysql, postgres or sqlite.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// EdgeConfig.URL is the edge API base. Forwarding is off when it is empty.
type EdgeConfig struct {
	URL            string        `mapstructure:"url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type TraitsConfig struct {
	MaxStringLength int `mapstructure:"max_string_length"`
}

type WorkersConfig struct {
	OutboxInterval       time.Duration `mapstructure:"outbox_interval"`
	OutboxBatchSize      int           `mapstructure:"outbox_batch_size"`
	MaxRetries           int           `mapstructure:"max_retries"`
	ReconcilerInterval   time.Duration `mapstructure:"reconciler_interval"`
	ReconcilerBatchSize  int           `mapstructure:"reconciler_batch_size"`
	ReconcilerBatchDelay time.Duration `mapstructure:"reconciler_batch_delay"`
}

type StreamConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HubBufferSize     int           `mapstructure:"hub_buffer_size"`
	RevisionBuffer    int           `mapstructure:"revision_buffer"`
}

type AuthConfig struct {
	AdminUsername   string        `mapstructure:"admin_username"`
	AdminPassword   string        `mapstructure:"admin_password"`
	SigningKey      string        `mapstructure:"signing_key"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `mapstructure:"requests_per_second"`
}

type CacheConfig struct {
	EnvironmentTTL time.Duration `mapstructure:"environment_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", "dev")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	// every key needs a default for AutomaticEnv to reach it through Unmarshal
	v.SetDefault("edge.url", "")
	v.SetDefault("edge.request_timeout", 5*time.Second)
	v.SetDefault("traits.max_string_length", 2000)
	v.SetDefault("workers.outbox_interval", 5*time.Second)
	v.SetDefault("workers.outbox_batch_size", 10)
	v.SetDefault("workers.max_retries", 5)
	v.SetDefault("workers.reconciler_interval", time.Minute)
	v.SetDefault("workers.reconciler_batch_size", 200)
	v.SetDefault("workers.reconciler_batch_delay", 50*time.Millisecond)
	v.SetDefault("stream.heartbeat_interval", 30*time.Second)
	v.SetDefault("stream.hub_buffer_size", 512)
	v.SetDefault("stream.revision_buffer", 1000)
	v.SetDefault("auth.admin_username", "admin")
	v.SetDefault("auth.admin_password", "")
	v.SetDefault("auth.signing_key", "")
	v.SetDefault("auth.access_token_ttl", 15*time.Minute)
	v.SetDefault("auth.refresh_token_ttl", 7*24*time.Hour)
	v.SetDefault("ratelimit.requests_per_second", 20)
	v.SetDefault("cache.environment_ttl", time.Minute)
}

// Load reads config.yaml from . or ./config, then FLAGSYNC_* env overrides.
func Load() (*Config, error) {
	return load(viper.New(), true)
}

func load(v *viper.Viper, readFile bool) (*Config, error) {
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("FLAGSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if readFile {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return errors.New("database.driver must be mysql, postgres or sqlite")
	}
	if c.Traits.MaxStringLength <= 0 {
		return errors.New("traits.max_string_length must be positive")
	}
	if c.Server.Environment != "dev" && c.Auth.SigningKey == "" {
		return errors.New("auth.signing_key is required outside dev")
	}
	return nil
}
