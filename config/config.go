// Package config loads atom-rpc settings from defaults, an optional config
// file and ATOMRPC_* environment variables, in increasing priority.
package config

import (
	"strings"
	"time"

	"atom-rpc/logger"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "ATOMRPC"

type Config struct {
	Log      logger.Config  `mapstructure:"log"`
	Codec    CodecConfig    `mapstructure:"codec"`
	Server   ServerConfig   `mapstructure:"server"`
	Client   ClientConfig   `mapstructure:"client"`
	Registry RegistryConfig `mapstructure:"registry"`
}

type CodecConfig struct {
	Name   string `mapstructure:"name"`   // json or msgpack
	Strict bool   `mapstructure:"strict"` // msgpack only: positional struct layout
}

type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	Advertise       string        `mapstructure:"advertise"` // address published in the registry
	Workers         int           `mapstructure:"workers"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"` // requests per second, 0 disables
	RateBurst       int           `mapstructure:"rate_burst"`
	MetricsListen   string        `mapstructure:"metrics_listen"` // prometheus endpoint, empty disables
}

type ClientConfig struct {
	PoolSize    int           `mapstructure:"pool_size"`
	Heartbeat   time.Duration `mapstructure:"heartbeat"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	Balancer    string        `mapstructure:"balancer"` // roundrobin, weighted or consistenthash
}

type RegistryConfig struct {
	Endpoints []string `mapstructure:"endpoints"` // etcd endpoints, empty for none
	Prefix    string   `mapstructure:"prefix"`
	TTL       int64    `mapstructure:"ttl"` // lease TTL in seconds
}

// SetDefaults registers every key with its default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", string(logger.ConsoleFormat))

	v.SetDefault("codec.name", "msgpack")
	v.SetDefault("codec.strict", false)

	v.SetDefault("server.listen", ":9000")
	v.SetDefault("server.advertise", "127.0.0.1:9000")
	v.SetDefault("server.workers", 1024)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.request_timeout", 10*time.Second)
	v.SetDefault("server.rate_limit", 0.0)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("server.metrics_listen", "")

	v.SetDefault("client.pool_size", 4)
	v.SetDefault("client.heartbeat", 30*time.Second)
	v.SetDefault("client.call_timeout", 10*time.Second)
	v.SetDefault("client.balancer", "roundrobin")

	v.SetDefault("registry.endpoints", []string{})
	v.SetDefault("registry.prefix", "/atom-rpc/")
	v.SetDefault("registry.ttl", 10)
}

// Load reads the configuration. file may be empty.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", file)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Codec.Name {
	case "json", "msgpack", "binary":
	default:
		return errors.Newf("codec.name: unknown codec %q", c.Codec.Name)
	}
	if c.Server.Workers <= 0 {
		return errors.Newf("server.workers must be positive, got %d", c.Server.Workers)
	}
	if c.Server.RateLimit < 0 {
		return errors.Newf("server.rate_limit must not be negative, got %v", c.Server.RateLimit)
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		return errors.New("server.rate_burst must be positive when rate_limit is set")
	}
	if c.Client.PoolSize <= 0 {
		return errors.Newf("client.pool_size must be positive, got %d", c.Client.PoolSize)
	}
	switch c.Client.Balancer {
	case "", "roundrobin", "weighted", "consistenthash":
	default:
		return errors.Newf("client.balancer: unknown balancer %q", c.Client.Balancer)
	}
	if c.Registry.TTL <= 0 {
		return errors.Newf("registry.ttl must be positive, got %d", c.Registry.TTL)
	}
	return nil
}
