package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vietddude/collector/internal/collector/metrics"
)

// Kind is a per-transaction verdict computed independently of the operation.
type Kind string

const (
	KindExistence    Kind = "existence"
	KindRetryable    Kind = "retryable"
	KindStatus       Kind = "status"
	KindPendingRetry Kind = "pending_retry"
)

// Kinds lists every per-transaction verdict kind.
var Kinds = []Kind{KindExistence, KindRetryable, KindStatus, KindPendingRetry}

// VerdictKey is the cache key of a per-transaction verdict.
func VerdictKey(kind Kind, transactionID string) string {
	return "verdict:" + string(kind) + ":" + transactionID
}

// OperationKey is the cache key of a composite per-operation verdict.
func OperationKey(op Operation, transactionID string) string {
	return "verdict:op:" + string(op) + ":" + transactionID
}

// TTLConfig sets the lifetime of each verdict kind.
type TTLConfig struct {
	Existence    time.Duration `yaml:"existence"`
	Retryable    time.Duration `yaml:"retryable"`
	Status       time.Duration `yaml:"status"`
	PendingRetry time.Duration `yaml:"pending_retry"`
	Operation    time.Duration `yaml:"operation"`
}

// DefaultTTLConfig returns the production lifetimes.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Existence:    5 * time.Minute,
		Retryable:    10 * time.Minute,
		Status:       5 * time.Minute,
		PendingRetry: time.Minute,
		Operation:    3 * time.Minute,
	}
}

func (c TTLConfig) withDefaults() TTLConfig {
	d := DefaultTTLConfig()
	if c.Existence <= 0 {
		c.Existence = d.Existence
	}
	if c.Retryable <= 0 {
		c.Retryable = d.Retryable
	}
	if c.Status <= 0 {
		c.Status = d.Status
	}
	if c.PendingRetry <= 0 {
		c.PendingRetry = d.PendingRetry
	}
	if c.Operation <= 0 {
		c.Operation = d.Operation
	}
	return c
}

func (c TTLConfig) forKind(k Kind) time.Duration {
	switch k {
	case KindExistence:
		return c.Existence
	case KindRetryable:
		return c.Retryable
	case KindStatus:
		return c.Status
	case KindPendingRetry:
		return c.PendingRetry
	default:
		return c.Operation
	}
}

// CacheStats is a snapshot of cache counters. Store is set when the backing
// store reports its own counters.
type CacheStats struct {
	Hits          uint64      `json:"hits"`
	Misses        uint64      `json:"misses"`
	Computes      uint64      `json:"computes"`
	Invalidations uint64      `json:"invalidations"`
	Store         *StoreStats `json:"store,omitempty"`
}

// Cache is a cache-aside verdict cache over a Store.
// Compute errors are returned to the caller and never stored.
type Cache struct {
	store  Store
	ttl    TTLConfig
	group  singleflight.Group
	logger *slog.Logger

	hits          atomic.Uint64
	misses        atomic.Uint64
	computes      atomic.Uint64
	invalidations atomic.Uint64
}

// NewCache creates a cache. Zero TTLs take their defaults.
func NewCache(store Store, ttl TTLConfig) *Cache {
	return &Cache{
		store:  store,
		ttl:    ttl.withDefaults(),
		logger: slog.Default().With("component", "validation_cache"),
	}
}

// TTL returns the effective lifetimes.
func (c *Cache) TTL() TTLConfig {
	return c.ttl
}

// Get returns the raw cached value for key, computing and storing it on a miss.
func (c *Cache) Get(
	ctx context.Context,
	key, label string,
	ttl time.Duration,
	compute func(ctx context.Context) ([]byte, error),
) ([]byte, error) {
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Verdict store read failed, recomputing", "key", key, "error", err)
	}
	if err == nil && ok {
		c.hits.Add(1)
		metrics.CacheRequests.WithLabelValues(label, "hit").Inc()
		return data, nil
	}
	c.misses.Add(1)
	metrics.CacheRequests.WithLabelValues(label, "miss").Inc()

	// The computation is shared by every waiter on key, so it must not end
	// with the first caller's context.
	v, err, _ := c.group.Do(key, func() (any, error) {
		c.computes.Add(1)
		shared := context.WithoutCancel(ctx)
		data, err := compute(shared)
		if err != nil {
			return nil, err
		}
		if err := c.store.Set(shared, key, data, ttl); err != nil {
			c.logger.Warn("Verdict store write failed", "key", key, "error", err)
		}
		return data, nil
	})
	if err != nil {
		metrics.CacheRequests.WithLabelValues(label, "error").Inc()
		return nil, err
	}
	return v.([]byte), nil
}

// lookup is Get with JSON encoding of the verdict type.
func lookup[T any](
	ctx context.Context,
	c *Cache,
	key, label string,
	ttl time.Duration,
	compute func(ctx context.Context) (T, error),
) (T, error) {
	var out T
	data, err := c.Get(ctx, key, label, ttl, func(ctx context.Context) ([]byte, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode cached verdict %s: %w", key, err)
	}
	return out, nil
}

// Invalidate removes every verdict held for the transaction.
func (c *Cache) Invalidate(ctx context.Context, transactionID string) error {
	keys := make([]string, 0, len(Kinds)+len(Operations))
	for _, k := range Kinds {
		keys = append(keys, VerdictKey(k, transactionID))
	}
	for _, op := range Operations {
		keys = append(keys, OperationKey(op, transactionID))
	}

	var errs []error
	for _, key := range keys {
		if err := c.store.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
			continue
		}
		c.invalidations.Add(1)
	}
	metrics.CacheInvalidations.WithLabelValues("admin", resultLabel(len(errs) == 0)).Inc()
	return errors.Join(errs...)
}

// InvalidateOperation removes the composite verdict of one operation.
func (c *Cache) InvalidateOperation(ctx context.Context, transactionID string, op Operation) error {
	if err := c.store.Delete(ctx, OperationKey(op, transactionID)); err != nil {
		metrics.CacheInvalidations.WithLabelValues("admin", "error").Inc()
		return fmt.Errorf("invalidate %s verdict for %s: %w", op, transactionID, err)
	}
	c.invalidations.Add(1)
	metrics.CacheInvalidations.WithLabelValues("admin", "success").Inc()
	return nil
}

// ClearAll drops every cached verdict.
func (c *Cache) ClearAll(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		metrics.CacheInvalidations.WithLabelValues("clear", "error").Inc()
		return fmt.Errorf("clear verdict cache: %w", err)
	}
	metrics.CacheInvalidations.WithLabelValues("clear", "success").Inc()
	c.logger.Info("Validation cache cleared")
	return nil
}

// deleteQuietly removes one key on behalf of an event. Failures are logged
// and counted only.
func (c *Cache) deleteQuietly(ctx context.Context, reason, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		metrics.CacheInvalidations.WithLabelValues(reason, "error").Inc()
		c.logger.Warn("Failed to invalidate verdict", "key", key, "reason", reason, "error", err)
		return
	}
	c.invalidations.Add(1)
	metrics.CacheInvalidations.WithLabelValues(reason, "success").Inc()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() CacheStats {
	st := CacheStats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Computes:      c.computes.Load(),
		Invalidations: c.invalidations.Load(),
	}
	if s, ok := c.store.(interface{ Stats() StoreStats }); ok {
		ss := s.Stats()
		st.Store = &ss
	}
	return st
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
