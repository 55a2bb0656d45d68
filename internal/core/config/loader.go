package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/collector/internal/collector/validation"
	"github.com/vietddude/collector/internal/infra/source"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, expanding environment variables first.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied, suitable for
// running against in-memory storage.
func Default() *AppConfig {
	var cfg AppConfig
	cfg.applyDefaults()
	return &cfg
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheBackendMemory
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = validation.DefaultMaxEntries
	}
	ttl := validation.DefaultTTLConfig()
	if c.Cache.TTL.Existence == 0 {
		c.Cache.TTL.Existence = ttl.Existence
	}
	if c.Cache.TTL.Retryable == 0 {
		c.Cache.TTL.Retryable = ttl.Retryable
	}
	if c.Cache.TTL.Status == 0 {
		c.Cache.TTL.Status = ttl.Status
	}
	if c.Cache.TTL.PendingRetry == 0 {
		c.Cache.TTL.PendingRetry = ttl.PendingRetry
	}
	if c.Cache.TTL.Operation == 0 {
		c.Cache.TTL.Operation = ttl.Operation
	}

	if c.Limiter.MaxSystem == 0 {
		c.Limiter.MaxSystem = 100
	}
	if c.Limiter.MaxPerUser == 0 {
		c.Limiter.MaxPerUser = 10
	}
	if c.Limiter.AcquireTimeout == 0 {
		c.Limiter.AcquireTimeout = time.Second
	}

	limits := validation.DefaultLimits()
	if c.Validation.MaxReasonLength == 0 {
		c.Validation.MaxReasonLength = limits.MaxReasonLength
	}
	if c.Validation.MaxNotesLength == 0 {
		c.Validation.MaxNotesLength = limits.MaxNotesLength
	}
	if c.Validation.MaxBatchSize == 0 {
		c.Validation.MaxBatchSize = limits.MaxBatchSize
	}

	breaker := source.DefaultBreakerConfig()
	if c.Breaker.MaxRequests == 0 {
		c.Breaker.MaxRequests = breaker.MaxRequests
	}
	if c.Breaker.Interval == 0 {
		c.Breaker.Interval = breaker.Interval
	}
	if c.Breaker.Timeout == 0 {
		c.Breaker.Timeout = breaker.Timeout
	}
	if c.Breaker.MinRequests == 0 {
		c.Breaker.MinRequests = breaker.MinRequests
	}
	if c.Breaker.FailureRatio == 0 {
		c.Breaker.FailureRatio = breaker.FailureRatio
	}
	if c.Breaker.CallTimeout == 0 {
		c.Breaker.CallTimeout = breaker.CallTimeout
	}

	if c.Connection.Enabled {
		if c.Connection.Timeout == 0 {
			c.Connection.Timeout = 30 * time.Second
		}
		if c.Connection.ConnectTimeout == 0 {
			c.Connection.ConnectTimeout = 10 * time.Second
		}
		if c.Connection.KeepAlive == 0 {
			c.Connection.KeepAlive = 30 * time.Second
		}
		if c.Connection.KeepAliveTimeout == 0 {
			c.Connection.KeepAliveTimeout = 10 * time.Second
		}
		if c.Connection.ReconnectDelay == 0 {
			c.Connection.ReconnectDelay = 5 * time.Second
		}
	}

	if c.Sweeper.BatchSize == 0 {
		c.Sweeper.BatchSize = 100
	}

	if c.Events.Buffer == 0 {
		c.Events.Buffer = 256
	}
	if c.Events.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Events.InstanceID = host + "-" + uuid.NewString()[:8]
		} else {
			c.Events.InstanceID = uuid.NewString()
		}
	}
}

// Validate checks settings that depend on each other.
func (c *AppConfig) Validate() error {
	switch c.Cache.Backend {
	case CacheBackendMemory:
	case CacheBackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("%w: cache backend redis requires redis.url", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown cache backend %q", ErrInvalidConfig, c.Cache.Backend)
	}

	if c.Events.Bridge && c.Redis.URL == "" {
		return fmt.Errorf("%w: events.bridge requires redis.url", ErrInvalidConfig)
	}

	if len(c.Sources.Stream) > 0 && !c.Connection.Enabled {
		return fmt.Errorf("%w: stream sources require connection.enabled", ErrInvalidConfig)
	}

	names := make(map[string]bool)
	for _, h := range c.Sources.HTTP {
		if h.Name == "" || h.BaseURL == "" {
			return fmt.Errorf("%w: http source needs name and base_url", ErrInvalidConfig)
		}
		if names[h.Name] {
			return fmt.Errorf("%w: duplicate source name %q", ErrInvalidConfig, h.Name)
		}
		names[h.Name] = true
	}
	for _, s := range c.Sources.Stream {
		if s.Name == "" || s.Submit.BaseURL == "" {
			return fmt.Errorf("%w: stream source needs name and submit.base_url", ErrInvalidConfig)
		}
		if names[s.Name] {
			return fmt.Errorf("%w: duplicate source name %q", ErrInvalidConfig, s.Name)
		}
		names[s.Name] = true
	}
	return nil
}
