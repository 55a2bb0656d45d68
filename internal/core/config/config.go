package config

import (
	"time"

	"github.com/vietddude/collector/internal/collector/limiter"
	"github.com/vietddude/collector/internal/collector/validation"
	"github.com/vietddude/collector/internal/infra/connection"
	redisclient "github.com/vietddude/collector/internal/infra/redis"
	"github.com/vietddude/collector/internal/infra/source"
	"github.com/vietddude/collector/internal/infra/storage/postgres"
)

// Cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig         `yaml:"server"`
	Logging    LoggingConfig        `yaml:"logging"`
	Database   postgres.Config      `yaml:"database"`
	Redis      redisclient.Config   `yaml:"redis"`
	Limiter    limiter.Config       `yaml:"limiter"`
	Cache      CacheConfig          `yaml:"cache"`
	Validation validation.Limits    `yaml:"validation"`
	Breaker    source.BreakerConfig `yaml:"breaker"`
	Connection ConnectionConfig     `yaml:"connection"`
	Sources    SourcesConfig        `yaml:"sources"`
	Sweeper    SweeperConfig        `yaml:"sweeper"`
	Events     EventsConfig         `yaml:"events"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// CacheConfig selects and sizes the verdict store.
type CacheConfig struct {
	Backend    string               `yaml:"backend"` // memory, redis
	MaxEntries int                  `yaml:"max_entries"`
	TTL        validation.TTLConfig `yaml:"ttl"`
}

// ConnectionConfig holds the persistent connection settings.
type ConnectionConfig struct {
	connection.Config `yaml:",inline"`

	Enabled bool `yaml:"enabled"`
}

// SourcesConfig lists the source service clients.
type SourcesConfig struct {
	HTTP   []source.HTTPConfig  `yaml:"http"`
	Stream []StreamSourceConfig `yaml:"stream"`
}

// StreamSourceConfig is a source read over the persistent connection.
// Retries are still submitted over HTTP.
type StreamSourceConfig struct {
	source.StreamConfig `yaml:",inline"`

	Submit source.HTTPConfig `yaml:"submit"`
}

// SweeperConfig holds the stale attempt sweeper settings.
type SweeperConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"` // 0 = disabled
	BatchSize  int           `yaml:"batch_size"`
}

// EventsConfig holds domain event fan-out settings.
type EventsConfig struct {
	Buffer     int    `yaml:"buffer"`
	Bridge     bool   `yaml:"bridge"` // Relay events between instances over Redis
	InstanceID string `yaml:"instance_id"`
}
