// Package config loads the mmate-bridge daemon configuration from YAML and
// the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/mmate-bridge/router"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. MMATE_BRIDGE_ADMIN_ADDR
const EnvPrefix = "MMATE_BRIDGE"

// Config is the daemon configuration
type Config struct {
	Log        LogConfig
	Admin      AdminConfig
	Bus        BusConfig
	Components ComponentsConfig
	Routes     []RouteConfig
	Bridge     BridgeConfig
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string
	Format string
}

// AdminConfig configures the health and metrics server. An empty address
// disables it.
type AdminConfig struct {
	Addr         string
	CheckTimeout time.Duration
}

// BusConfig configures the local event bus
type BusConfig struct {
	EventLoops     int
	WorkerPoolSize int
	DefaultTimeout time.Duration
}

// ComponentsConfig enables the networked router components. Components with
// an empty address are not registered.
type ComponentsConfig struct {
	RabbitMQ RabbitMQConfig
	Redis    RedisConfig
	HTTP     HTTPConfig
}

// RabbitMQConfig configures the rabbitmq component
type RabbitMQConfig struct {
	URL                string
	RequestTimeout     time.Duration
	ReconnectDelay     time.Duration
	PoolSize           int
	ChannelIdleTimeout time.Duration
	ChannelWaitTimeout time.Duration
}

// RedisConfig configures the redis component
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// HTTPConfig configures the http component
type HTTPConfig struct {
	MaxBodySize     int64
	RateLimit       int
	RateLimitWindow time.Duration
}

// RouteConfig is a minimal route: consume From, optionally set a constant
// body, then send to every uri in To
type RouteConfig struct {
	ID        string   `mapstructure:"id"`
	From      string   `mapstructure:"from"`
	Transform string   `mapstructure:"transform"`
	To        []string `mapstructure:"to"`
}

// BridgeConfig lists the bridge mappings
type BridgeConfig struct {
	EagerAttach bool             `mapstructure:"eager_attach"`
	Inbound     []InboundConfig  `mapstructure:"inbound"`
	Outbound    []OutboundConfig `mapstructure:"outbound"`
}

// InboundConfig maps a router endpoint to a bus address
type InboundConfig struct {
	URI         string        `mapstructure:"uri"`
	Address     string        `mapstructure:"address"`
	Publish     bool          `mapstructure:"publish"`
	HeadersCopy *bool         `mapstructure:"headers_copy"`
	BodyType    string        `mapstructure:"body_type"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// CopyHeaders reports whether headers travel, true unless disabled
func (c InboundConfig) CopyHeaders() bool {
	return c.HeadersCopy == nil || *c.HeadersCopy
}

// OutboundConfig maps a bus address to a router endpoint
type OutboundConfig struct {
	Address        string `mapstructure:"address"`
	URI            string `mapstructure:"uri"`
	HeadersCopy    *bool  `mapstructure:"headers_copy"`
	Blocking       bool   `mapstructure:"blocking"`
	WorkerPoolSize int    `mapstructure:"worker_pool_size"`
}

// CopyHeaders reports whether headers travel, true unless disabled
func (c OutboundConfig) CopyHeaders() bool {
	return c.HeadersCopy == nil || *c.HeadersCopy
}

// BodyTypes lists the accepted inbound body_type values
var BodyTypes = []string{"", "string", "bytes", "json"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("admin.addr", ":9090")
	v.SetDefault("admin.check_timeout", 5*time.Second)

	v.SetDefault("bus.event_loops", 4)
	v.SetDefault("bus.worker_pool_size", 20)
	v.SetDefault("bus.default_timeout", 30*time.Second)

	v.SetDefault("components.rabbitmq.url", "")
	v.SetDefault("components.rabbitmq.request_timeout", 30*time.Second)
	v.SetDefault("components.rabbitmq.reconnect_delay", 5*time.Second)
	v.SetDefault("components.rabbitmq.pool_size", 10)
	v.SetDefault("components.rabbitmq.channel_idle_timeout", 5*time.Minute)
	v.SetDefault("components.rabbitmq.channel_wait_timeout", 5*time.Second)
	v.SetDefault("components.redis.addr", "")
	v.SetDefault("components.http.max_body_size", 10<<20)
	v.SetDefault("components.http.rate_limit", 0)
	v.SetDefault("components.http.rate_limit_window", time.Minute)

	v.SetDefault("bridge.eager_attach", false)
}

// Load reads the configuration. With an empty path mmate-bridge.yaml is
// looked up in the working directory and defaults apply when it is missing;
// an explicit path must exist. Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("mmate-bridge")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: reading %s: %w", describe(path), err)
		}
	}

	return decode(v)
}

func describe(path string) string {
	if path == "" {
		return "mmate-bridge.yaml"
	}
	return path
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Admin: AdminConfig{
			Addr:         v.GetString("admin.addr"),
			CheckTimeout: v.GetDuration("admin.check_timeout"),
		},
		Bus: BusConfig{
			EventLoops:     v.GetInt("bus.event_loops"),
			WorkerPoolSize: v.GetInt("bus.worker_pool_size"),
			DefaultTimeout: v.GetDuration("bus.default_timeout"),
		},
	}

	cfg.Components = ComponentsConfig{
		RabbitMQ: RabbitMQConfig{
			URL:                v.GetString("components.rabbitmq.url"),
			RequestTimeout:     v.GetDuration("components.rabbitmq.request_timeout"),
			ReconnectDelay:     v.GetDuration("components.rabbitmq.reconnect_delay"),
			PoolSize:           v.GetInt("components.rabbitmq.pool_size"),
			ChannelIdleTimeout: v.GetDuration("components.rabbitmq.channel_idle_timeout"),
			ChannelWaitTimeout: v.GetDuration("components.rabbitmq.channel_wait_timeout"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("components.redis.addr"),
			Username: v.GetString("components.redis.username"),
			Password: v.GetString("components.redis.password"),
			DB:       v.GetInt("components.redis.db"),
		},
		HTTP: HTTPConfig{
			MaxBodySize:     v.GetInt64("components.http.max_body_size"),
			RateLimit:       v.GetInt("components.http.rate_limit"),
			RateLimitWindow: v.GetDuration("components.http.rate_limit_window"),
		},
	}
	if err := v.UnmarshalKey("routes", &cfg.Routes); err != nil {
		return nil, fmt.Errorf("config: parsing routes: %w", err)
	}
	if err := v.UnmarshalKey("bridge", &cfg.Bridge); err != nil {
		return nil, fmt.Errorf("config: parsing bridge: %w", err)
	}
	cfg.Bridge.EagerAttach = v.GetBool("bridge.eager_attach")
	return cfg, nil
}

// Validate reports every problem found, joined
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		fail("log.level: unknown level %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		fail("log.format: must be text or json, got %q", c.Log.Format)
	}
	if c.Admin.Addr != "" && c.Admin.CheckTimeout <= 0 {
		fail("admin.check_timeout: must be greater than zero")
	}

	if rc := c.Components.RabbitMQ; rc.URL != "" {
		if rc.PoolSize <= 0 {
			fail("components.rabbitmq.pool_size: must be greater than zero")
		}
		if rc.ChannelIdleTimeout <= 0 {
			fail("components.rabbitmq.channel_idle_timeout: must be greater than zero")
		}
		if rc.ChannelWaitTimeout <= 0 {
			fail("components.rabbitmq.channel_wait_timeout: must be greater than zero")
		}
	}

	if c.Bus.EventLoops <= 0 {
		fail("bus.event_loops: must be greater than zero")
	}
	if c.Bus.WorkerPoolSize <= 0 {
		fail("bus.worker_pool_size: must be greater than zero")
	}
	if c.Bus.DefaultTimeout <= 0 {
		fail("bus.default_timeout: must be greater than zero")
	}

	for i, r := range c.Routes {
		if r.From == "" {
			fail("routes[%d].from: must not be empty", i)
		} else {
			errs = append(errs, c.checkURI(fmt.Sprintf("routes[%d].from", i), r.From)...)
		}
		for j, to := range r.To {
			errs = append(errs, c.checkURI(fmt.Sprintf("routes[%d].to[%d]", i, j), to)...)
		}
	}

	for i, m := range c.Bridge.Inbound {
		field := fmt.Sprintf("bridge.inbound[%d]", i)
		if m.Address == "" {
			fail("%s.address: must not be empty", field)
		}
		if m.URI == "" {
			fail("%s.uri: must not be empty", field)
		} else {
			errs = append(errs, c.checkURI(field+".uri", m.URI)...)
		}
		if m.Timeout < 0 {
			fail("%s.timeout: must not be negative", field)
		}
		if !validBodyType(m.BodyType) {
			fail("%s.body_type: unknown type %q", field, m.BodyType)
		}
	}

	for i, m := range c.Bridge.Outbound {
		field := fmt.Sprintf("bridge.outbound[%d]", i)
		if m.Address == "" {
			fail("%s.address: must not be empty", field)
		}
		if m.URI == "" {
			fail("%s.uri: must not be empty", field)
		} else {
			errs = append(errs, c.checkURI(field+".uri", m.URI)...)
		}
		if m.WorkerPoolSize < 0 {
			fail("%s.worker_pool_size: must not be negative", field)
		}
		if m.WorkerPoolSize > 0 && !m.Blocking {
			fail("%s.worker_pool_size: only used by blocking mappings", field)
		}
	}

	return errors.Join(errs...)
}

// checkURI checks that uri parses and that its scheme has a component
func (c *Config) checkURI(field, uri string) []error {
	u, err := router.ParseURI(uri)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}
	switch u.Scheme {
	case "direct", "stream", "file", "http":
		return nil
	case "rabbitmq":
		if c.Components.RabbitMQ.URL == "" {
			return []error{fmt.Errorf("%s: %s needs components.rabbitmq.url", field, uri)}
		}
		return nil
	case "redis":
		if c.Components.Redis.Addr == "" {
			return []error{fmt.Errorf("%s: %s needs components.redis.addr", field, uri)}
		}
		return nil
	default:
		return []error{fmt.Errorf("%s: no component for scheme %q", field, u.Scheme)}
	}
}

func validBodyType(t string) bool {
	for _, known := range BodyTypes {
		if t == known {
			return true
		}
	}
	return false
}
