// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawlwatch/internal/crawler"
)

// EnvPrefix namespaces every environment override, e.g.
// CRAWLWATCH_REDIS_ADDR.
const EnvPrefix = "CRAWLWATCH"

// Backend names accepted by pubsub.backend and store.backend.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Auth    AuthConfig     `mapstructure:"auth"`
	Logging LoggingConfig  `mapstructure:"logging"`
	PubSub  PubSubConfig   `mapstructure:"pubsub"`
	Redis   RedisConfig    `mapstructure:"redis"`
	Store   StoreConfig    `mapstructure:"store"`
	DB      DBConfig       `mapstructure:"db"`
	Stream  StreamConfig   `mapstructure:"stream"`
	Crawler crawler.Config `mapstructure:"crawler"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// RequestTimeout bounds every route except the status stream.
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// PubSubConfig selects the status transport.
type PubSubConfig struct {
	Backend string `mapstructure:"backend"`
	// BufferSize is the per-subscription message buffer.
	BufferSize int `mapstructure:"buffer_size"`
}

// RedisConfig locates the Redis server. URL wins over Addr when set.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	// Migrate applies the embedded schema at startup.
	Migrate bool `mapstructure:"migrate"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StreamConfig tunes status stream coalescing.
type StreamConfig struct {
	Debounce  time.Duration `mapstructure:"debounce"`
	MaxWait   time.Duration `mapstructure:"max_wait"`
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

// Load builds a Config from disk/environment. An empty path reads defaults
// and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	crawl := crawler.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("pubsub.backend", BackendRedis)
	v.SetDefault("pubsub.buffer_size", 256)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("store.backend", BackendPostgres)
	v.SetDefault("store.migrate", true)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("stream.debounce", 200*time.Millisecond)
	v.SetDefault("stream.max_wait", time.Second)
	v.SetDefault("stream.heartbeat", 15*time.Second)
	v.SetDefault("crawler.user_agent", crawl.UserAgent)
	v.SetDefault("crawler.max_depth", crawl.MaxDepth)
	v.SetDefault("crawler.max_pages", crawl.MaxPages)
	v.SetDefault("crawler.parallelism", crawl.Parallelism)
	v.SetDefault("crawler.delay", crawl.Delay)
	v.SetDefault("crawler.request_timeout", crawl.RequestTimeout)
	v.SetDefault("crawler.respect_robots", crawl.RespectRobots)
	v.SetDefault("crawler.workers", crawl.Workers)
	v.SetDefault("crawler.queue_size", crawl.QueueSize)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.PubSub.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.URL == "" && c.Redis.Addr == "" {
			return fmt.Errorf("redis.url or redis.addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("pubsub.backend must be %q or %q, got %q", BackendRedis, BackendMemory, c.PubSub.Backend)
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendPostgres, BackendMemory, c.Store.Backend)
	}
	if c.Stream.Debounce <= 0 || c.Stream.MaxWait <= 0 {
		return fmt.Errorf("stream.debounce and stream.max_wait must be > 0")
	}
	if c.Stream.Heartbeat < 0 {
		return fmt.Errorf("stream.heartbeat must be >= 0")
	}
	if err := c.Crawler.Validate(); err != nil {
		return err
	}
	return nil
}
