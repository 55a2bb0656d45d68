package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/collector/internal/collector/limiter"
	"github.com/vietddude/collector/internal/collector/validation"
	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/infra/connection"
)

const (
	checkInterval = 5 * time.Second
	pingTimeout   = 2 * time.Second
)

// Pinger is a dependency that can be probed, e.g. the database or Redis.
type Pinger interface {
	Health(ctx context.Context) error
}

// ConnectionReporter reports the persistent connection state.
type ConnectionReporter interface {
	Status() connection.Status
}

// LimiterReporter reports permit usage.
type LimiterReporter interface {
	Stats() limiter.Stats
	UserStats(userID string) limiter.UserStats
	NearCapacity() bool
}

// CacheReporter reports verdict cache counters.
type CacheReporter interface {
	Stats() validation.CacheStats
}

// SourceReporter reports the registered source clients.
type SourceReporter interface {
	Types() []domain.InterfaceType
	BreakerStates() map[string]string
}

// Components are the parts the monitor inspects. Nil fields are skipped.
type Components struct {
	Pingers    map[string]Pinger
	Connection ConnectionReporter
	Limiter    LimiterReporter
	Cache      CacheReporter
	Sources    SourceReporter
}

// Monitor aggregates health status from the system components.
type Monitor struct {
	c          Components
	lastCheck  time.Time
	lastReport *Report
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(c Components) *Monitor {
	return &Monitor{c: c}
}

// CheckHealth builds a report, reusing the previous one for a few seconds.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < checkInterval {
		return *m.lastReport
	}

	report := Report{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentHealth),
		CheckedAt:  time.Now(),
	}

	// Failing stores make mutations impossible
	for name, p := range m.c.Pingers {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := p.Health(pingCtx)
		cancel()
		h := ComponentHealth{Status: StatusHealthy}
		if err != nil {
			h = ComponentHealth{Status: StatusCritical, Detail: err.Error()}
		}
		report.Components[name] = h
		report.Status = worse(report.Status, h.Status)
	}

	if m.c.Connection != nil {
		st := m.c.Connection.Status()
		report.Connection = &st
		h := ComponentHealth{Status: StatusHealthy}
		if st.FallbackMode || !st.RequesterAvailable {
			h = ComponentHealth{Status: StatusDegraded, Detail: "persistent connection unavailable, fallback mode"}
		}
		report.Components["connection"] = h
		report.Status = worse(report.Status, h.Status)
	}

	if m.c.Limiter != nil {
		st := m.c.Limiter.Stats()
		report.Limiter = &st
		h := ComponentHealth{Status: StatusHealthy}
		if m.c.Limiter.NearCapacity() {
			h = ComponentHealth{Status: StatusDegraded, Detail: "limiter near capacity"}
		}
		report.Components["limiter"] = h
		report.Status = worse(report.Status, h.Status)
	}

	if m.c.Cache != nil {
		st := m.c.Cache.Stats()
		report.Cache = &st
	}

	if m.c.Sources != nil {
		report.SourceTypes = m.c.Sources.Types()
		report.Breakers = m.c.Sources.BreakerStates()
		h := ComponentHealth{Status: StatusHealthy}
		for name, state := range report.Breakers {
			if state != "closed" {
				h = ComponentHealth{Status: StatusDegraded, Detail: "circuit breaker " + name + " is " + state}
				break
			}
		}
		report.Components["sources"] = h
		report.Status = worse(report.Status, h.Status)
	}

	m.lastCheck = time.Now()
	m.lastReport = &report
	return report
}

// UserStats reports the permits held by one user. It is not cached.
func (m *Monitor) UserStats(userID string) (limiter.UserStats, bool) {
	if m.c.Limiter == nil {
		return limiter.UserStats{}, false
	}
	return m.c.Limiter.UserStats(userID), true
}

// Invalidate forces the next CheckHealth to recompute.
func (m *Monitor) Invalidate() {
	m.mu.Lock()
	m.lastReport = nil
	m.mu.Unlock()
}
