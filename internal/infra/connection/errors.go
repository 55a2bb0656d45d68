package connection

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyHost               = errors.New("host must not be empty")
	ErrInvalidPort             = errors.New("invalid port")
	ErrInvalidTimeout          = errors.New("timeout must be positive")
	ErrInvalidConnectTimeout   = errors.New("connect timeout must be positive")
	ErrInvalidKeepAlive        = errors.New("keep-alive interval must be positive")
	ErrInvalidKeepAliveTimeout = errors.New("keep-alive timeout must be positive")
	ErrInvalidReconnectDelay   = errors.New("reconnect delay must be positive")

	// ErrShutdown is returned when establishing after Shutdown.
	ErrShutdown = errors.New("connection manager is shut down")
)

// ConfigError reports an invalid connection setting.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid connection config %s: %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configError(field string, err error, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...), Err: err}
}
