// Package config loads chat-relay configuration from an optional YAML file and
// environment variables through viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kindred/chat-relay/internal/log"
)

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Redis     RedisConfig
	NATS      NATSConfig `mapstructure:"nats"`
	Store     StoreConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Log       log.Config
}

type ServerConfig struct {
	Addr            string
	InstanceID      string        `mapstructure:"instance_id"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type WebSocketConfig struct {
	WorkerPoolSize    int           `mapstructure:"worker_pool_size"`
	MaxConnections    int           `mapstructure:"max_connections"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// MatchCacheTTL bounds how long match participants are cached.
	MatchCacheTTL time.Duration `mapstructure:"match_cache_ttl"`
}

type NATSConfig struct {
	URL     string
	Enabled bool
}

// StoreConfig selects the persistence backend: "postgres" or "memory".
type StoreConfig struct {
	Driver      string
	DatabaseURL string `mapstructure:"database_url"`
	Migrate     bool
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type RateLimitConfig struct {
	MessageLimit  int           `mapstructure:"message_limit"`
	MessageWindow time.Duration `mapstructure:"message_window"`
	RESTLimit     int           `mapstructure:"rest_limit"`
	RESTWindow    time.Duration `mapstructure:"rest_window"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config.yaml from configPath, ".", or "./config" when present and
// applies defaults plus environment overrides. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("KINDRED")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.Server.ShutdownTimeout = parseDuration(v, "server.shutdown_timeout", 10*time.Second)
	cfg.WebSocket.ReadTimeout = parseDuration(v, "websocket.read_timeout", 10*time.Second)
	cfg.WebSocket.WriteTimeout = parseDuration(v, "websocket.write_timeout", 10*time.Second)
	cfg.WebSocket.HeartbeatInterval = parseDuration(v, "websocket.heartbeat_interval", 30*time.Second)
	cfg.WebSocket.HeartbeatTimeout = parseDuration(v, "websocket.heartbeat_timeout", 10*time.Second)
	cfg.Redis.MatchCacheTTL = parseDuration(v, "redis.match_cache_ttl", 10*time.Minute)
	cfg.Auth.TokenTTL = parseDuration(v, "auth.token_ttl", 24*time.Hour)
	cfg.RateLimit.MessageWindow = parseDuration(v, "ratelimit.message_window", 10*time.Second)
	cfg.RateLimit.RESTWindow = parseDuration(v, "ratelimit.rest_window", time.Minute)
	cfg.CORS.AllowedOrigins = v.GetStringSlice("cors.allowed_origins")

	if cfg.Server.InstanceID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "relay-1"
		}
		cfg.Server.InstanceID = host
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("config: store.database_url is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret is required")
	}
	if c.WebSocket.WorkerPoolSize <= 0 || c.WebSocket.MaxConnections <= 0 {
		return fmt.Errorf("config: websocket pool size and max connections must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.instance_id", "")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("websocket.worker_pool_size", 256)
	v.SetDefault("websocket.max_connections", 100000)
	v.SetDefault("websocket.read_timeout", "10s")
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.heartbeat_interval", "30s")
	v.SetDefault("websocket.heartbeat_timeout", "10s")

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.match_cache_ttl", "10m")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", true)

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.migrate", true)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "kindred")
	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("ratelimit.message_limit", 20)
	v.SetDefault("ratelimit.message_window", "10s")
	v.SetDefault("ratelimit.rest_limit", 120)
	v.SetDefault("ratelimit.rest_window", "1m")

	v.SetDefault("cors.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service_name", "chat-relay")
}

func bindEnv(v *viper.Viper) {
	v.BindEnv("server.addr", "LISTEN_ADDR")
	v.BindEnv("server.instance_id", "SERVER_NAME")
	v.BindEnv("redis.address", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("nats.url", "NATS_URL")
	v.BindEnv("store.database_url", "DATABASE_URL")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("log.level", "LOG_LEVEL")
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return defaultVal
	}
	return d
}
