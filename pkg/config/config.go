package config

import (
	"net"
	"time"
)

// SensitiveString holds secrets such as passwords. It redacts itself when
// printed so credentials do not leak into logs.
type SensitiveString string

func (s SensitiveString) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// Value returns the raw secret.
func (s SensitiveString) Value() string {
	return string(s)
}

// Config represents the complete configuration of the metrics relay. It
// provides type-safe access to all configuration values with validation.
type Config struct {
	Relay  RelayConfig  `koanf:"relay"  validate:"required"`
	Redis  RedisConfig  `koanf:"redis"  validate:"required"`
	Rabbit RabbitConfig `koanf:"rabbit" validate:"required"`
}

// RelayConfig controls the accumulation and flush cycles.
type RelayConfig struct {
	PublishInterval   time.Duration `koanf:"publish_interval"    validate:"gt=0" env:"RELAY_PUBLISH_INTERVAL"`
	ControlInterval   time.Duration `koanf:"control_interval"    validate:"gt=0" env:"RELAY_CONTROL_INTERVAL"`
	BindIP            string        `koanf:"bind_ip"             validate:"required" env:"RELAY_BIND_IP"`
	BindPort          string        `koanf:"bind_port"           validate:"required" env:"RELAY_BIND_PORT"`
	Exchange          string        `koanf:"exchange"            validate:"required" env:"RELAY_EXCHANGE"`
	ControlMaxRetries int           `koanf:"control_max_retries" validate:"min=0" env:"RELAY_CONTROL_MAX_RETRIES"`
}

// SenderIdentity composes the ip:port string stamped on every published
// envelope to identify this process instance.
func (c *RelayConfig) SenderIdentity() string {
	return net.JoinHostPort(c.BindIP, c.BindPort)
}

// RedisConfig contains connection parameters for the metric-definition store.
type RedisConfig struct {
	URL         string          `koanf:"url"          env:"REDIS_URL"`
	Host        string          `koanf:"host"         env:"REDIS_HOST"`
	Port        string          `koanf:"port"         env:"REDIS_PORT"`
	Password    SensitiveString `koanf:"password"     env:"REDIS_PASSWORD"     sensitive:"true"`
	DB          int             `koanf:"db"           env:"REDIS_DB"`
	DialTimeout time.Duration   `koanf:"dial_timeout" env:"REDIS_DIAL_TIMEOUT"`
	PingTimeout time.Duration   `koanf:"ping_timeout" env:"REDIS_PING_TIMEOUT"`
}

// RabbitConfig contains connection parameters for the message broker.
type RabbitConfig struct {
	Host     string          `koanf:"host"     env:"RABBIT_HOST"`
	Port     string          `koanf:"port"     env:"RABBIT_PORT"`
	Username string          `koanf:"username" env:"RABBIT_USERNAME"`
	Password SensitiveString `koanf:"password" env:"RABBIT_PASSWORD" sensitive:"true"`
	VHost    string          `koanf:"vhost"    env:"RABBIT_VHOST"`
}

// URL renders the broker connection parameters as an AMQP URI.
func (c *RabbitConfig) URL() string {
	u := "amqp://"
	if c.Username != "" {
		u += c.Username + ":" + c.Password.Value() + "@"
	}
	u += net.JoinHostPort(c.Host, c.Port)
	if c.VHost != "" && c.VHost != "/" {
		u += "/" + c.VHost
	}
	return u
}

// Default returns the built-in configuration. Environment variables override
// these values during Load.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			PublishInterval:   1010 * time.Millisecond,
			ControlInterval:   10 * time.Second,
			BindIP:            "127.0.0.1",
			BindPort:          "8080",
			Exchange:          "amq.topic",
			ControlMaxRetries: 0,
		},
		Redis: RedisConfig{
			Host:        "localhost",
			Port:        "6379",
			DB:          0,
			DialTimeout: 5 * time.Second,
			PingTimeout: 10 * time.Second,
		},
		Rabbit: RabbitConfig{
			Host:     "localhost",
			Port:     "5672",
			Username: "guest",
			Password: "guest",
			VHost:    "/",
		},
	}
}
