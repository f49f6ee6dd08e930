// Package config holds the settings of a rabbitlog target: where the broker
// lives, how to authenticate, which exchange receives log messages and how
// much is buffered while the broker is away.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"gopkg.in/yaml.v3"
)

// Defaults
const (
	DefaultHostName         = "localhost"
	DefaultPort             = 5672
	DefaultVHost            = "/"
	DefaultUserName         = "guest"
	DefaultPassword         = "guest"
	DefaultExchange         = "app-logging"
	DefaultExchangeType     = amqp.ExchangeTopic
	DefaultTopic            = "{0}"
	DefaultMaxBuffer        = 10240
	DefaultHeartBeatSeconds = 3
	DefaultProtocol         = "0-9-1"
	DefaultConnectTimeout   = 5 * time.Second
	DefaultPublishTimeout   = 5 * time.Second
	DefaultShutdownTimeout  = time.Second
)

// ErrInvalidConfiguration wraps every validation failure
var ErrInvalidConfiguration = errors.New("config: invalid configuration")

// Config holds all settings for a target
type Config struct {
	HostName         string `yaml:"host_name"`
	Port             int    `yaml:"port"`
	VHost            string `yaml:"vhost"`
	UserName         string `yaml:"user_name"`
	Password         string `yaml:"password"`
	UseTLS           bool   `yaml:"use_tls"`
	Protocol         string `yaml:"protocol"`
	HeartBeatSeconds int    `yaml:"heartbeat_seconds"`
	ConnectionName   string `yaml:"connection_name"`

	Exchange     string `yaml:"exchange"`
	ExchangeType string `yaml:"exchange_type"`
	Durable      bool   `yaml:"durable"`

	// Topic is the routing key template. {0} is replaced with the level name
	// and {1} with the logger name.
	Topic string `yaml:"topic"`
	// AppID overrides the logger name in the app-id property
	AppID     string `yaml:"app_id"`
	MaxBuffer int    `yaml:"max_buffer"`

	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	PublishTimeout  time.Duration `yaml:"publish_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// ReconnectInterval is the minimum gap between two connection attempts.
	// Zero means every send may try to connect.
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		HostName:         DefaultHostName,
		Port:             DefaultPort,
		VHost:            DefaultVHost,
		UserName:         DefaultUserName,
		Password:         DefaultPassword,
		Protocol:         DefaultProtocol,
		HeartBeatSeconds: DefaultHeartBeatSeconds,
		Exchange:         DefaultExchange,
		ExchangeType:     DefaultExchangeType,
		Topic:            DefaultTopic,
		MaxBuffer:        DefaultMaxBuffer,
		ConnectTimeout:   DefaultConnectTimeout,
		PublishTimeout:   DefaultPublishTimeout,
		ShutdownTimeout:  DefaultShutdownTimeout,
	}
}

// Load reads configuration from a YAML file. An empty filename or a missing
// file yields the defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if the configuration is usable
func (c *Config) Validate() error {
	if c.HostName == "" {
		return fmt.Errorf("%w: host_name cannot be empty", ErrInvalidConfiguration)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535", ErrInvalidConfiguration)
	}
	if c.Exchange == "" {
		return fmt.Errorf("%w: exchange cannot be empty", ErrInvalidConfiguration)
	}
	switch c.ExchangeType {
	case amqp.ExchangeTopic, amqp.ExchangeDirect, amqp.ExchangeFanout, amqp.ExchangeHeaders:
	default:
		return fmt.Errorf("%w: unknown exchange_type %q", ErrInvalidConfiguration, c.ExchangeType)
	}
	if c.MaxBuffer < 1 {
		return fmt.Errorf("%w: max_buffer must be at least 1", ErrInvalidConfiguration)
	}
	if c.HeartBeatSeconds < 0 || c.HeartBeatSeconds > 65535 {
		return fmt.Errorf("%w: heartbeat_seconds must be between 0 and 65535", ErrInvalidConfiguration)
	}
	if c.Protocol != "" && c.Protocol != DefaultProtocol {
		return fmt.Errorf("%w: protocol %q not supported, only %s", ErrInvalidConfiguration, c.Protocol, DefaultProtocol)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect_timeout must be positive", ErrInvalidConfiguration)
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("%w: publish_timeout must be positive", ErrInvalidConfiguration)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown_timeout must be positive", ErrInvalidConfiguration)
	}
	if c.ReconnectInterval < 0 {
		return fmt.Errorf("%w: reconnect_interval cannot be negative", ErrInvalidConfiguration)
	}
	return nil
}

// URI builds the AMQP URI for the configured broker
func (c *Config) URI() amqp.URI {
	scheme := "amqp"
	if c.UseTLS {
		scheme = "amqps"
	}
	return amqp.URI{
		Scheme:   scheme,
		Host:     c.HostName,
		Port:     c.Port,
		Username: c.UserName,
		Password: c.Password,
		Vhost:    c.VHost,
	}
}

// URL returns the AMQP URI as a string
func (c *Config) URL() string {
	return c.URI().String()
}

// AMQPConfig returns the client configuration used when dialing
func (c *Config) AMQPConfig() amqp.Config {
	name := c.ConnectionName
	if name == "" {
		name = "rabbitlog-" + uuid.NewString()
	}

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(name)

	return amqp.Config{
		Vhost:      c.VHost,
		Heartbeat:  time.Duration(c.HeartBeatSeconds) * time.Second,
		Locale:     "en_US",
		Properties: props,
		Dial:       amqp.DefaultDial(c.ConnectTimeout),
	}
}

// Address returns host:port, used in log lines instead of the full URI
func (c *Config) Address() string {
	return net.JoinHostPort(c.HostName, fmt.Sprint(c.Port))
}

// FormatTopic applies the routing key template
func (c *Config) FormatTopic(level, logger string) string {
	return strings.NewReplacer("{0}", level, "{1}", logger).Replace(c.Topic)
}
