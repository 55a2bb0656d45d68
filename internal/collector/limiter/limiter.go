// Package limiter bounds concurrent mutations per user and system-wide.
package limiter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/vietddude/collector/internal/collector/metrics"
	"github.com/vietddude/collector/internal/core/auth"
)

const nearCapacityRatio = 0.8

var (
	// ErrUserLimitExceeded matches a *LimitError with ScopeUser.
	ErrUserLimitExceeded = errors.New("user concurrency limit exceeded")

	// ErrSystemLimitExceeded matches a *LimitError with ScopeSystem.
	ErrSystemLimitExceeded = errors.New("system concurrency limit exceeded")
)

// Scope tells which bound rejected a permit.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeSystem Scope = "system"
)

// LimitError is returned when a permit cannot be acquired in time.
type LimitError struct {
	Scope     Scope
	UserID    string
	Operation string
	Limit     int
}

func (e *LimitError) Error() string {
	if e.Scope == ScopeUser {
		return "Too many concurrent operations for user. Please wait for existing operations to complete."
	}
	return "System is at maximum capacity. Please try again later."
}

func (e *LimitError) Unwrap() error {
	if e.Scope == ScopeUser {
		return ErrUserLimitExceeded
	}
	return ErrSystemLimitExceeded
}

// Config holds the limiter bounds.
type Config struct {
	MaxSystem      int           `yaml:"max_system"`
	MaxPerUser     int           `yaml:"max_per_user"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// Permit is one held slot. Release is idempotent.
type Permit struct {
	OperationID string
	UserID      string
	Operation   string
	AcquiredAt  time.Time

	once    sync.Once
	release func()
}

// Release returns the slot. Calls after the first do nothing.
func (p *Permit) Release() {
	p.once.Do(p.release)
}

// Stats is a snapshot of limiter usage.
type Stats struct {
	ActiveOperations       int     `json:"active_operations"`
	MaxSystemOperations    int     `json:"max_system_operations"`
	MaxUserOperations      int     `json:"max_user_operations"`
	ActiveUsers            int     `json:"active_users"`
	AvailableSystemPermits int     `json:"available_system_permits"`
	Utilization            float64 `json:"utilization"`
}

// UserStats is a snapshot of one user's usage.
type UserStats struct {
	UserID           string `json:"user_id"`
	ActiveOperations int    `json:"active_operations"`
	MaxOperations    int    `json:"max_operations"`
	Available        int    `json:"available"`
}

type userSlot struct {
	sem  *semaphore.Weighted
	refs int // holders plus waiters
	held int
}

// Limiter hands out permits bounded by a per-user and a system semaphore.
type Limiter struct {
	cfg    Config
	system *semaphore.Weighted
	active atomic.Int64
	logger *slog.Logger

	mu    sync.Mutex
	users map[string]*userSlot
}

// New creates a limiter. Non-positive bounds fall back to 100 system and 10 per user.
func New(cfg Config) *Limiter {
	if cfg.MaxSystem <= 0 {
		cfg.MaxSystem = 100
	}
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = 10
	}
	return &Limiter{
		cfg:    cfg,
		system: semaphore.NewWeighted(int64(cfg.MaxSystem)),
		users:  make(map[string]*userSlot),
		logger: slog.Default().With("component", "limiter"),
	}
}

// Acquire takes a user slot and then a system slot for the principal in ctx.
// Each wait is bounded by AcquireTimeout. No slot is kept on failure.
func (l *Limiter) Acquire(ctx context.Context, operation string) (*Permit, error) {
	userID := auth.UserOrAnonymous(ctx)

	slot := l.retain(userID)
	if err := l.wait(ctx, slot.sem); err != nil {
		l.drop(userID, slot, false)
		return nil, l.reject(ScopeUser, userID, operation, l.cfg.MaxPerUser, err)
	}

	if err := l.wait(ctx, l.system); err != nil {
		slot.sem.Release(1)
		l.drop(userID, slot, false)
		return nil, l.reject(ScopeSystem, userID, operation, l.cfg.MaxSystem, err)
	}

	l.mu.Lock()
	slot.held++
	l.mu.Unlock()
	l.active.Add(1)
	metrics.PermitsActive.Inc()

	p := &Permit{
		OperationID: uuid.NewString(),
		UserID:      userID,
		Operation:   operation,
		AcquiredAt:  time.Now(),
	}
	p.release = func() {
		l.system.Release(1)
		slot.sem.Release(1)
		l.drop(userID, slot, true)
		l.active.Add(-1)
		metrics.PermitsActive.Dec()
	}
	return p, nil
}

func (l *Limiter) wait(ctx context.Context, sem *semaphore.Weighted) error {
	if l.cfg.AcquireTimeout <= 0 {
		if sem.TryAcquire(1) {
			return nil
		}
		return context.DeadlineExceeded
	}
	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.AcquireTimeout)
	defer cancel()
	return sem.Acquire(waitCtx, 1)
}

func (l *Limiter) reject(scope Scope, userID, operation string, limit int, cause error) error {
	metrics.PermitRejections.WithLabelValues(string(scope)).Inc()
	l.logger.Warn("Permit rejected",
		"scope", scope,
		"user_id", userID,
		"operation", operation,
		"limit", limit,
		"cause", cause,
	)
	return &LimitError{Scope: scope, UserID: userID, Operation: operation, Limit: limit}
}

func (l *Limiter) retain(userID string) *userSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.users[userID]
	if !ok {
		slot = &userSlot{sem: semaphore.NewWeighted(int64(l.cfg.MaxPerUser))}
		l.users[userID] = slot
	}
	slot.refs++
	return slot
}

func (l *Limiter) drop(userID string, slot *userSlot, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if held {
		slot.held--
	}
	if slot.refs == 0 {
		delete(l.users, userID)
	}
}

// Stats returns current usage.
func (l *Limiter) Stats() Stats {
	active := int(l.active.Load())

	l.mu.Lock()
	users := 0
	for _, slot := range l.users {
		if slot.held > 0 {
			users++
		}
	}
	l.mu.Unlock()

	return Stats{
		ActiveOperations:       active,
		MaxSystemOperations:    l.cfg.MaxSystem,
		MaxUserOperations:      l.cfg.MaxPerUser,
		ActiveUsers:            users,
		AvailableSystemPermits: l.cfg.MaxSystem - active,
		Utilization:            float64(active) / float64(l.cfg.MaxSystem),
	}
}

// UserStats returns usage for one user.
func (l *Limiter) UserStats(userID string) UserStats {
	l.mu.Lock()
	held := 0
	if slot, ok := l.users[userID]; ok {
		held = slot.held
	}
	l.mu.Unlock()

	return UserStats{
		UserID:           userID,
		ActiveOperations: held,
		MaxOperations:    l.cfg.MaxPerUser,
		Available:        l.cfg.MaxPerUser - held,
	}
}

// NearCapacity reports whether at least 80% of system permits are held.
func (l *Limiter) NearCapacity() bool {
	return l.Stats().Utilization >= nearCapacityRatio
}
