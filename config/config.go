package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cwrk-planet/chat-service/internal/bus"
	"github.com/cwrk-planet/chat-service/internal/gateway"
	"github.com/cwrk-planet/chat-service/internal/pg"
	"github.com/cwrk-planet/chat-service/internal/service"
	"github.com/cwrk-planet/chat-service/internal/transport/ws"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CHAT_"

type HTTP struct {
	Addr           string        `yaml:"addr" env:"ADDR"`
	ReadTimeout    time.Duration `yaml:"readTimeout" env:"READ_TIMEOUT"`
	IdleTimeout    time.Duration `yaml:"idleTimeout" env:"IDLE_TIMEOUT"`
	RequestTimeout time.Duration `yaml:"requestTimeout" env:"REQUEST_TIMEOUT"`
	AllowedOrigins []string      `yaml:"allowedOrigins" env:"ALLOWED_ORIGINS"`
}

type GRPC struct {
	Addr          string        `yaml:"addr" env:"ADDR"`
	CheckInterval time.Duration `yaml:"checkInterval" env:"CHECK_INTERVAL"`
}

type Logging struct {
	Env       string `yaml:"env" env:"ENV"`         // dev|prod
	Service   string `yaml:"service" env:"SERVICE"` // chat-service
	Version   string `yaml:"version" env:"VERSION"`
	Backend   string `yaml:"backend" env:"BACKEND"` // std|zap
	AddSource bool   `yaml:"addSource" env:"ADD_SOURCE"`
	Debug     bool   `yaml:"debug" env:"DEBUG"`
}

type Postgres struct {
	DSN               string        `yaml:"dsn" env:"DSN"`
	MaxConns          int32         `yaml:"maxConns" env:"MAX_CONNS"`
	MinConns          int32         `yaml:"minConns" env:"MIN_CONNS"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime" env:"MAX_CONN_LIFETIME"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime" env:"MAX_CONN_IDLE_TIME"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod" env:"HEALTH_CHECK_PERIOD"`
	ApplicationName   string        `yaml:"applicationName" env:"APPLICATION_NAME"`
	// Migrate applies the bundled schema on startup.
	Migrate bool `yaml:"migrate" env:"MIGRATE"`
}

func (p Postgres) ToPGConfig() pg.Config {
	return pg.Config{
		DSN:               p.DSN,
		MaxConns:          p.MaxConns,
		MinConns:          p.MinConns,
		MaxConnLifetime:   p.MaxConnLifetime,
		MaxConnIdleTime:   p.MaxConnIdleTime,
		HealthCheckPeriod: p.HealthCheckPeriod,
		ApplicationName:   p.ApplicationName,
	}
}

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type Storage struct {
	Driver string `yaml:"driver" env:"DRIVER"` // memory|postgres
}

type Redis struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

type NATS struct {
	URL          string        `yaml:"url" env:"URL"`
	Name         string        `yaml:"name" env:"NAME"`
	FlushTimeout time.Duration `yaml:"flushTimeout" env:"FLUSH_TIMEOUT"`
}

type Bus struct {
	Driver        string `yaml:"driver" env:"DRIVER"` // memory|redis|nats
	ChannelPrefix string `yaml:"channelPrefix" env:"CHANNEL_PREFIX"`
	Redis         Redis  `yaml:"redis" envPrefix:"REDIS_"`
	NATS          NATS   `yaml:"nats" envPrefix:"NATS_"`
}

func (b Bus) ToBusConfig() bus.Config {
	return bus.Config{
		Driver:        b.Driver,
		ChannelPrefix: b.ChannelPrefix,
		Redis:         bus.RedisConfig{Addr: b.Redis.Addr, Password: b.Redis.Password, DB: b.Redis.DB},
		NATS:          bus.NATSConfig{URL: b.NATS.URL, Name: b.NATS.Name, FlushTimeout: b.NATS.FlushTimeout},
	}
}

type Gateway struct {
	// RequireMembershipToSubscribe defaults to true; set false to let any
	// authenticated user watch an existing chat.
	RequireMembershipToSubscribe *bool         `yaml:"requireMembershipToSubscribe" env:"REQUIRE_MEMBERSHIP_TO_SUBSCRIBE"`
	SendQueueSize                int           `yaml:"sendQueueSize" env:"SEND_QUEUE_SIZE"`
	PublishTimeout               time.Duration `yaml:"publishTimeout" env:"PUBLISH_TIMEOUT"`
	MaxFrameBytes                int64         `yaml:"maxFrameBytes" env:"MAX_FRAME_BYTES"`
	PingInterval                 time.Duration `yaml:"pingInterval" env:"PING_INTERVAL"`
	WriteTimeout                 time.Duration `yaml:"writeTimeout" env:"WRITE_TIMEOUT"`
	MaxContentRunes              int           `yaml:"maxContentRunes" env:"MAX_CONTENT_RUNES"`
	MaxVoiceBytes                int           `yaml:"maxVoiceBytes" env:"MAX_VOICE_BYTES"`
}

func (g Gateway) ToGatewayConfig() gateway.Config {
	return gateway.Config{
		RequireMembershipToSubscribe: g.RequireMembershipToSubscribe == nil || *g.RequireMembershipToSubscribe,
		SendQueueSize:                g.SendQueueSize,
		PublishTimeout:               g.PublishTimeout,
	}
}

func (g Gateway) ToWSConfig(allowedOrigins []string) ws.Config {
	return ws.Config{
		MaxFrameBytes:  g.MaxFrameBytes,
		PingInterval:   g.PingInterval,
		WriteTimeout:   g.WriteTimeout,
		AllowedOrigins: allowedOrigins,
	}
}

func (g Gateway) ToMessageLimits() service.MessageLimits {
	return service.MessageLimits{MaxContentRunes: g.MaxContentRunes, MaxVoiceBytes: g.MaxVoiceBytes}
}

type Auth struct {
	PublicKeyPath string        `yaml:"publicKeyPath" env:"PUBLIC_KEY_PATH"` // RS256 public key of the auth-service
	Issuer        string        `yaml:"issuer" env:"ISSUER"`
	Audience      string        `yaml:"audience" env:"AUDIENCE"`
	ClockSkew     time.Duration `yaml:"clockSkew" env:"CLOCK_SKEW"`
}

func (a Auth) Validate() error {
	if a.PublicKeyPath == "" {
		return errors.New("auth.publicKeyPath is required")
	}
	if a.Issuer == "" {
		return errors.New("auth.issuer is required")
	}
	if a.ClockSkew < 0 || a.ClockSkew > time.Minute {
		return errors.New("auth.clockSkew must be in [0..1m]")
	}
	return nil
}

type Config struct {
	HTTP            HTTP          `yaml:"http" envPrefix:"HTTP_"`
	GRPC            GRPC          `yaml:"grpc" envPrefix:"GRPC_"`
	Logging         Logging       `yaml:"logging" envPrefix:"LOG_"`
	Postgres        Postgres      `yaml:"postgres" envPrefix:"POSTGRES_"`
	Storage         Storage       `yaml:"storage" envPrefix:"STORAGE_"`
	Bus             Bus           `yaml:"bus" envPrefix:"BUS_"`
	Gateway         Gateway       `yaml:"gateway" envPrefix:"GATEWAY_"`
	Auth            Auth          `yaml:"auth" envPrefix:"AUTH_"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`
}

// LoadConfig reads the YAML file at CONFIG_PATH (default
// ./config/config.yaml), applies CHAT_* environment overrides and validates
// the result.
func LoadConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	return Load(path)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}

	switch c.Storage.Driver {
	case "":
		c.Storage.Driver = StoragePostgres
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("storage.driver %q: want memory or postgres", c.Storage.Driver)
	}
	if c.Storage.Driver == StoragePostgres && c.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}

	switch c.Bus.Driver {
	case "":
		c.Bus.Driver = bus.DriverMemory
	case bus.DriverMemory:
	case bus.DriverRedis:
		if c.Bus.Redis.Addr == "" {
			return errors.New("bus.redis.addr is required")
		}
	case bus.DriverNATS:
		if c.Bus.NATS.URL == "" {
			return errors.New("bus.nats.url is required")
		}
	default:
		return fmt.Errorf("bus.driver %q: want memory, redis or nats", c.Bus.Driver)
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}

	if c.Gateway.SendQueueSize < 0 || c.Gateway.MaxContentRunes < 0 || c.Gateway.MaxVoiceBytes < 0 {
		return errors.New("gateway limits must not be negative")
	}

	// defaults
	if c.Logging.Service == "" {
		c.Logging.Service = "chat-service"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}
	if c.Postgres.ApplicationName == "" {
		c.Postgres.ApplicationName = c.Logging.Service
	}
	if c.Gateway.RequireMembershipToSubscribe == nil {
		v := true
		c.Gateway.RequireMembershipToSubscribe = &v
	}
	c.HTTP.ReadTimeout = orDefault(c.HTTP.ReadTimeout, 10*time.Second)
	c.HTTP.IdleTimeout = orDefault(c.HTTP.IdleTimeout, 60*time.Second)
	c.HTTP.RequestTimeout = orDefault(c.HTTP.RequestTimeout, 30*time.Second)
	c.ShutdownTimeout = orDefault(c.ShutdownTimeout, 10*time.Second)
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
