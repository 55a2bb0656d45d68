package connection

import (
	"net"
	"strconv"
	"time"
)

// Config holds the persistent connection settings.
type Config struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Timeout          time.Duration `yaml:"timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	KeepAlive        time.Duration `yaml:"keep_alive"`
	KeepAliveTimeout time.Duration `yaml:"keep_alive_timeout"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	TLS              bool          `yaml:"tls"`
}

// Validate checks every field and returns the first problem as a *ConfigError.
func (c Config) Validate() error {
	if c.Host == "" {
		return configError("host", ErrEmptyHost, "host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return configError("port", ErrInvalidPort, "port must be between 1 and 65535, got: %d", c.Port)
	}
	if c.Timeout <= 0 {
		return configError("timeout", ErrInvalidTimeout, "timeout must be positive, got: %s", c.Timeout)
	}
	if c.ConnectTimeout <= 0 {
		return configError("connect_timeout", ErrInvalidConnectTimeout,
			"connect timeout must be positive, got: %s", c.ConnectTimeout)
	}
	if c.KeepAlive <= 0 {
		return configError("keep_alive", ErrInvalidKeepAlive,
			"keep-alive interval must be positive, got: %s", c.KeepAlive)
	}
	if c.KeepAliveTimeout <= 0 {
		return configError("keep_alive_timeout", ErrInvalidKeepAliveTimeout,
			"keep-alive timeout must be positive, got: %s", c.KeepAliveTimeout)
	}
	if c.ReconnectDelay <= 0 {
		return configError("reconnect_delay", ErrInvalidReconnectDelay,
			"reconnect delay must be positive, got: %s", c.ReconnectDelay)
	}
	return nil
}

// Target returns the dial target host:port.
func (c Config) Target() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
